package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrapeq/internal/events"
)

type streamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamSink appends event envelopes to a Redis stream with XADD.
type RedisStreamSink struct {
	client streamClient
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to addr and appends to stream. maxLen > 0 caps
// the stream approximately.
func NewRedisStreamSink(addr, stream string, maxLen int64) (*RedisStreamSink, error) {
	if addr == "" {
		return nil, errors.New("redis sink: addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisStreamSinkWithClient(client, stream, maxLen)
}

// NewRedisStreamSinkWithClient builds a sink over an existing client (tests).
func NewRedisStreamSinkWithClient(client streamClient, stream string, maxLen int64) (*RedisStreamSink, error) {
	if stream == "" {
		return nil, errors.New("redis sink: stream is required")
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Consume appends each event; the first failure aborts the batch.
func (s *RedisStreamSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		payload, err := json.Marshal(evt.Envelope())
		if err != nil {
			return fmt.Errorf("marshal %s: %w", evt.Key(), err)
		}
		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]any{
				"event":   string(evt.Name),
				"job_id":  evt.JobID,
				"payload": string(payload),
			},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		if err := s.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", evt.Key(), err)
		}
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStreamSink) Close(context.Context) error {
	return s.client.Close()
}
