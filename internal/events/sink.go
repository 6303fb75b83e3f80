package events

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and tolerate repeated Close calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Listener receives lifecycle notifications. Notify must not block.
type Listener interface {
	Notify(evt Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// Notify calls f(evt).
func (f ListenerFunc) Notify(evt Event) {
	f(evt)
}

// Nop discards every event.
var Nop Listener = ListenerFunc(func(Event) {})
