// Package ingress protects the job submission boundary with a per-client
// sliding-window rate limit and a duplicate payload cache.
package ingress

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/policy/dedup"
	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
)

// Config tunes the guard.
type Config struct {
	RateWindow      time.Duration
	RateLimit       int
	DedupWindow     time.Duration
	DedupRetention  time.Duration
	DedupMaxEntries int
	// CompactEvery is the janitor interval; defaults to RateWindow.
	CompactEvery time.Duration
}

// RateLimitedError carries retry guidance for a rejected client.
type RateLimitedError struct {
	ClientID string
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: client %s may retry at %s", e.ClientID, e.ResetAt.Format(time.RFC3339))
}

// Is lets errors.Is match crawler.ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == crawler.ErrRateLimited
}

// Guard combines the rate limiter and the dedup cache.
type Guard struct {
	limiter *ratelimit.SlidingWindow
	cache   *dedup.Cache
	hasher  crawler.Hasher
	compact time.Duration
	logger  *zap.Logger
}

// New builds a Guard. clock may be nil to use wall time.
func New(cfg Config, hasher crawler.Hasher, clock crawler.Clock, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	compact := cfg.CompactEvery
	if compact <= 0 {
		compact = cfg.RateWindow
	}
	if compact <= 0 {
		compact = time.Minute
	}
	return &Guard{
		limiter: ratelimit.NewSlidingWindow(cfg.RateWindow, cfg.RateLimit, now),
		cache: dedup.New(dedup.Config{
			Window:     cfg.DedupWindow,
			Retention:  cfg.DedupRetention,
			MaxEntries: cfg.DedupMaxEntries,
		}, now),
		hasher:  hasher,
		compact: compact,
		logger:  logger,
	}
}

// CheckRate counts a request from clientID.
func (g *Guard) CheckRate(clientID string) ratelimit.Decision {
	return g.limiter.Check(clientID)
}

// CheckDuplicate reports whether hash was registered within the dedup window.
func (g *Guard) CheckDuplicate(hash string) bool {
	return g.cache.Seen(hash)
}

// RegisterRequest records hash as submitted.
func (g *Guard) RegisterRequest(hash string) {
	g.cache.Register(hash)
}

// HashPayload hashes the normalized URL list: trimmed, deduplicated, sorted.
func (g *Guard) HashPayload(urls []string) (string, error) {
	seen := make(map[string]struct{}, len(urls))
	norm := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if n, err := crawler.NormalizeURL(u); err == nil {
			u = n
		}
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		norm = append(norm, u)
	}
	sort.Strings(norm)
	sum, err := g.hasher.Hash([]byte(strings.Join(norm, "\n")))
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return sum, nil
}

// Admit applies both checks for a submission. On success the payload is
// registered and the rate decision is returned for response headers.
func (g *Guard) Admit(clientID string, urls []string) (ratelimit.Decision, error) {
	decision := g.CheckRate(clientID)
	if !decision.Allowed {
		metrics.ObserveIngressRejection("rate_limited")
		g.logger.Info("submission rate limited", zap.String("client_id", clientID), zap.Time("reset_at", decision.ResetAt))
		return decision, &RateLimitedError{ClientID: clientID, ResetAt: decision.ResetAt}
	}
	hash, err := g.HashPayload(urls)
	if err != nil {
		return decision, err
	}
	if g.cache.SeenOrRegister(hash) {
		metrics.ObserveIngressRejection("duplicate")
		g.logger.Info("duplicate submission rejected", zap.String("client_id", clientID), zap.String("hash", hash))
		return decision, fmt.Errorf("%w: identical payload submitted recently", crawler.ErrDuplicateRequest)
	}
	return decision, nil
}

// Run compacts idle rate windows until ctx ends.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.compact)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			remaining := g.limiter.Compact()
			g.logger.Debug("rate windows compacted", zap.Int("clients", remaining))
		}
	}
}
