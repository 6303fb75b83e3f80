package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/scrapeq/internal/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes event envelopes to a Kafka topic keyed by job ID, so all
// events of one job land on the same partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink for the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: false,
		},
	}, nil
}

// NewKafkaSinkWithWriter builds a sink using a custom writer (tests).
func NewKafkaSinkWithWriter(writer messageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

// Consume writes the batch in a single call.
func (s *KafkaSink) Consume(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, evt := range batch {
		payload, err := json.Marshal(evt.Envelope())
		if err != nil {
			return fmt.Errorf("marshal %s: %w", evt.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(evt.JobID),
			Value:   payload,
			Time:    evt.TS,
			Headers: []kafka.Header{{Key: "event", Value: []byte(evt.Name)}},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (s *KafkaSink) Close(context.Context) error {
	return s.writer.Close()
}
