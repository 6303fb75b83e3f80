package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
)

// PublisherSink forwards event envelopes to a topic through a
// crawler.Publisher, typically Pub/Sub.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	closer    func() error
}

// NewPublisherSink returns a sink publishing to topic. closer, when non-nil,
// is invoked on Close to release the publisher.
func NewPublisherSink(publisher crawler.Publisher, topic string, closer func() error) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher sink: publisher is required")
	}
	if topic == "" {
		return nil, errors.New("publisher sink: topic is required")
	}
	return &PublisherSink{publisher: publisher, topic: topic, closer: closer}, nil
}

// Consume publishes every event; failures are joined and returned.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt.Envelope()); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the publisher.
func (s *PublisherSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	closer := s.closer
	s.closer = nil
	return closer()
}
