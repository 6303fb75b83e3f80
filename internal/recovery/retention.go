package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

const (
	defaultRetentionInterval = time.Minute
	defaultRetentionTTL      = 24 * time.Hour
)

// RetentionConfig controls the RetentionSweeper.
type RetentionConfig struct {
	Interval time.Duration
	TTL      time.Duration
}

// RetentionSweeper purges terminal jobs older than the TTL.
type RetentionSweeper struct {
	store  crawler.JobStore
	clock  crawler.Clock
	cfg    RetentionConfig
	logger *zap.Logger
}

// NewRetentionSweeper constructs a RetentionSweeper.
func NewRetentionSweeper(store crawler.JobStore, clock crawler.Clock, cfg RetentionConfig, logger *zap.Logger) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetentionInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultRetentionTTL
	}
	return &RetentionSweeper{store: store, clock: clock, cfg: cfg, logger: logger.Named("retention")}
}

// Run sweeps every interval until ctx finishes.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	return every(ctx, s.cfg.Interval, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
	})
}

// Sweep purges once and returns the number of deleted jobs.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	purged, err := s.store.PurgeFinished(ctx, s.clock.Now().Add(-s.cfg.TTL))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("purged finished jobs", zap.Int("count", purged))
	}
	return purged, nil
}
