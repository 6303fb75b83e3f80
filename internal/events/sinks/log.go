package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/events"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", string(evt.Name)),
			zap.String("job_id", evt.JobID),
			zap.String("url", evt.URL),
			zap.String("state", string(evt.State)),
			zap.Int("attempts", evt.Attempts),
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Duration > 0 {
			fields = append(fields, zap.Duration("dur", evt.Duration))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
