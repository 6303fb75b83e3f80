// Package ratelimit implements the per-client sliding window used at the
// submission boundary and the per-domain token buckets used when fetching.
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultWindow = time.Minute
	defaultLimit  = 60
)

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// RetryAfter is the wait until ResetAt, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	whole := wait.Truncate(time.Second)
	if whole < wait {
		whole += time.Second
	}
	return whole
}

// SlidingWindow keeps a timestamp log per client. Old entries are filtered out
// lazily on every check; Compact drops clients with nothing left in the window.
type SlidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	clients map[string][]time.Time
	now     func() time.Time
}

// NewSlidingWindow allows limit requests per window per client.
func NewSlidingWindow(window time.Duration, limit int, now func() time.Time) *SlidingWindow {
	if window <= 0 {
		window = defaultWindow
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		window:  window,
		limit:   limit,
		clients: make(map[string][]time.Time),
		now:     now,
	}
}

// Check counts a request from clientID and reports whether it is allowed.
// Rejected requests are not counted.
func (w *SlidingWindow) Check(clientID string) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	stamps := prune(w.clients[clientID], now.Add(-w.window))
	if len(stamps) >= w.limit {
		w.clients[clientID] = stamps
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   stamps[0].Add(w.window),
		}
	}
	stamps = append(stamps, now)
	w.clients[clientID] = stamps
	return Decision{
		Allowed:   true,
		Remaining: w.limit - len(stamps),
		ResetAt:   stamps[0].Add(w.window),
	}
}

// Compact drops clients whose whole log has aged out and returns how many
// clients remain tracked.
func (w *SlidingWindow) Compact() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.window)
	for id, stamps := range w.clients {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(w.clients, id)
			continue
		}
		w.clients[id] = stamps
	}
	return len(w.clients)
}

// prune drops timestamps at or before cutoff. Stamps are appended in order so
// the surviving entries are a suffix.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
