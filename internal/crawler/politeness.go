package crawler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces successive fetches by a fixed politeness delay.
type pacer interface {
	Wait(ctx context.Context) error
}

type ratePacer struct {
	limiter *rate.Limiter
}

// newRatePacer allows one fetch per delay. The first fetch is not delayed.
func newRatePacer(delay time.Duration) *ratePacer {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &ratePacer{limiter: rate.NewLimiter(limit, 1)}
}

func (p *ratePacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// visitSet is the crawl's monotonically growing visited set. Branches are
// expanded sequentially so no locking is needed.
type visitSet map[string]struct{}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (v visitSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	if _, ok := v[url]; ok {
		return false
	}
	v[url] = struct{}{}
	return true
}
