package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapeq/internal/events"
)

// PrometheusSink counts delivered events and observes terminal job runtimes.
type PrometheusSink struct {
	events     *prometheus.CounterVec
	jobRuntime *prometheus.HistogramVec
	attempts   *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapeq_events_total",
			Help: "Lifecycle events delivered, partitioned by event name.",
		}, []string{"event"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapeq_job_runtime_seconds",
			Help:    "Wall time per terminal job.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrapeq_job_attempts",
			Help:    "Attempts made by terminal jobs.",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		}, []string{"outcome"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.jobRuntime, s.attempts} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Name)).Inc()
		var outcome string
		switch evt.Name {
		case events.JobCompleted:
			outcome = "success"
		case events.JobFailed:
			outcome = "error"
		default:
			continue
		}
		s.attempts.WithLabelValues(outcome).Observe(float64(evt.Attempts))
		if evt.Duration > 0 {
			s.jobRuntime.WithLabelValues(outcome).Observe(evt.Duration.Seconds())
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
