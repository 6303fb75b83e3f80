// Package recovery runs the periodic sweeps that keep the job store healthy:
// stalled-claim recovery and retention purging.
package recovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/metrics"
)

const (
	defaultStallInterval  = 5 * time.Second
	defaultStallThreshold = 30 * time.Second
)

// Canceller aborts the running attempt that holds a claim.
type Canceller interface {
	CancelClaim(jobID, claimID string) bool
}

// Waker nudges idle workers.
type Waker interface {
	Broadcast()
}

// StallConfig controls the StallMonitor.
type StallConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	// Requeue sends stalled jobs with attempts left back to waiting instead of
	// failing them.
	Requeue bool
}

// StallMonitor finds active jobs whose worker stopped reporting progress and
// takes the claim away from them.
type StallMonitor struct {
	store    crawler.JobStore
	active   Canceller
	wake     Waker
	listener events.Listener
	clock    crawler.Clock
	cfg      StallConfig
	logger   *zap.Logger
}

// NewStallMonitor constructs a StallMonitor. active, wake and listener may be nil.
func NewStallMonitor(
	store crawler.JobStore,
	active Canceller,
	wake Waker,
	listener events.Listener,
	clock crawler.Clock,
	cfg StallConfig,
	logger *zap.Logger,
) *StallMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listener == nil {
		listener = events.Nop
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultStallInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultStallThreshold
	}
	return &StallMonitor{
		store:    store,
		active:   active,
		wake:     wake,
		listener: listener,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("stall_monitor"),
	}
}

// Run sweeps every interval until ctx finishes.
func (m *StallMonitor) Run(ctx context.Context) error {
	return every(ctx, m.cfg.Interval, func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("stall sweep failed", zap.Error(err))
		}
	})
}

// Sweep recovers every stale claim once and reports how many jobs it took over.
func (m *StallMonitor) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	stale, err := m.store.ListStale(ctx, now.Add(-m.cfg.Threshold))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range stale {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		ok, err := m.recover(ctx, job, now)
		if err != nil {
			m.logger.Warn("stall recovery failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (m *StallMonitor) recover(ctx context.Context, job crawler.Job, now time.Time) (bool, error) {
	if err := m.store.MarkStalled(ctx, job.ID, job.ClaimID, now); err != nil {
		if errors.Is(err, crawler.ErrClaimLost) || errors.Is(err, crawler.ErrNotFound) {
			// The worker finished or the job moved on between list and mark.
			return false, nil
		}
		return false, err
	}
	metrics.ObserveJob(string(crawler.JobStateStalled))
	if m.active != nil {
		m.active.CancelClaim(job.ID, job.ClaimID)
	}
	logger := m.logger.With(zap.String("job_id", job.ID), zap.Time("last_update", job.UpdatedAt))

	from := []crawler.JobState{crawler.JobStateStalled}
	if m.cfg.Requeue && job.AttemptsMade < job.Options.MaxRetries {
		if _, err := m.store.Resolve(ctx, job.ID, from, crawler.JobStateWaiting, "", true, now); err != nil {
			return false, err
		}
		if m.wake != nil {
			m.wake.Broadcast()
		}
		logger.Warn("stalled job requeued", zap.Int("attempts_made", job.AttemptsMade+1))
		return true, nil
	}

	failed, err := m.store.Resolve(ctx, job.ID, from, crawler.JobStateFailed, crawler.ReasonStalled, false, now)
	if err != nil {
		return false, err
	}
	metrics.ObserveJob(string(crawler.JobStateFailed))
	m.listener.Notify(events.FromJob(events.JobFailed, failed, now))
	logger.Warn("stalled job failed")
	return true, nil
}

// every runs fn on a ticker until ctx finishes.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
