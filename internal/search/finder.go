// Package search fans a product query out to marketplace search pages and
// collects the product links each page lists.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/metrics"
)

const (
	defaultMaxResults = 5
	defaultDepth      = 1
	defaultTimeout    = 30 * time.Second
)

// ErrNoProducts means a search page listed no link matching the marketplace
// patterns. It is retried.
var ErrNoProducts = errors.New("no product links found")

// Discoverer crawls from a seed page.
type Discoverer interface {
	Discover(ctx context.Context, seed string, params crawler.DiscoverParams) (crawler.DiscoverResult, error)
}

// Config holds search-wide defaults.
type Config struct {
	MaxResults int
	// Depth is the crawl depth below each search page; 1 reads only the
	// listing itself.
	Depth      int
	Exclude    []string
	MaxRetries int
	Timeout    time.Duration
}

// Options narrow a single search. Zero values take the Config defaults.
type Options struct {
	Marketplaces []string `json:"marketplaces"`
	MaxResults   int      `json:"max_results"`
	Exclude      []string `json:"exclude_patterns"`
}

// MarketResult is what one marketplace produced.
type MarketResult struct {
	Marketplace string   `json:"marketplace"`
	SearchURL   string   `json:"search_url,omitempty"`
	URLs        []string `json:"urls"`
	Attempts    int      `json:"attempts"`
	Error       string   `json:"error,omitempty"`
}

// Result groups product links by marketplace, in configuration order.
type Result struct {
	Term         string         `json:"term"`
	Marketplaces []MarketResult `json:"marketplaces"`
	Total        int            `json:"total"`
}

// URLs flattens the product links of every marketplace, first seen wins.
func (r Result) URLs() []string {
	seen := make(map[string]struct{}, r.Total)
	out := make([]string, 0, r.Total)
	for _, m := range r.Marketplaces {
		for _, u := range m.URLs {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// Finder searches every configured marketplace concurrently.
type Finder struct {
	discover Discoverer
	markets  []Marketplace
	policy   crawler.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// New builds a Finder. An empty markets list falls back to
// DefaultMarketplaces; a nil policy retries with the crawler's exponential
// backoff capped at five seconds.
func New(d Discoverer, markets []Marketplace, policy crawler.RetryPolicy, cfg Config, logger *zap.Logger) (*Finder, error) {
	if d == nil {
		return nil, errors.New("search: discoverer required")
	}
	if len(markets) == 0 {
		markets = DefaultMarketplaces()
	}
	names := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(m.Name)
		if _, dup := names[key]; dup {
			return nil, fmt.Errorf("%w: duplicate marketplace %q", crawler.ErrInvalidRequest, m.Name)
		}
		names[key] = struct{}{}
	}
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy(time.Second, 5*time.Second)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{
		discover: d,
		markets:  slices.Clone(markets),
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Marketplaces lists the configured marketplace names.
func (f *Finder) Marketplaces() []string {
	out := make([]string, 0, len(f.markets))
	for _, m := range f.markets {
		out = append(out, m.Name)
	}
	return out
}

// Search runs term against the selected marketplaces. A marketplace that
// fails is reported in its MarketResult; the call only errors when the input
// is invalid, ctx ends, or no marketplace produced a link.
func (f *Finder) Search(ctx context.Context, term string, opts Options) (Result, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return Result{}, fmt.Errorf("%w: search term required", crawler.ErrInvalidRequest)
	}
	markets, err := f.selectMarkets(opts.Marketplaces)
	if err != nil {
		return Result{}, err
	}
	params := crawler.DiscoverParams{
		MaxDepth: f.cfg.Depth,
		MaxURLs:  f.cfg.MaxResults,
		Exclude:  f.cfg.Exclude,
	}
	if opts.MaxResults > 0 {
		params.MaxURLs = opts.MaxResults
	}
	if opts.Exclude != nil {
		params.Exclude = opts.Exclude
	}

	res := Result{Term: term, Marketplaces: make([]MarketResult, len(markets))}
	var g errgroup.Group
	for i, m := range markets {
		g.Go(func() error {
			res.Marketplaces[i] = f.searchMarket(ctx, m, term, params)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, m := range res.Marketplaces {
		res.Total += len(m.URLs)
		if m.Error == "" {
			succeeded++
		}
	}
	f.logger.Info("search finished",
		zap.String("term", term),
		zap.Int("marketplaces", len(markets)),
		zap.Int("succeeded", succeeded),
		zap.Int("total", res.Total),
	)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if succeeded == 0 {
		return res, fmt.Errorf("%w: no marketplace returned products for %q", crawler.ErrCrawlFailed, term)
	}
	return res, nil
}

func (f *Finder) selectMarkets(names []string) ([]Marketplace, error) {
	if len(names) == 0 {
		return f.markets, nil
	}
	out := make([]Marketplace, 0, len(names))
	for _, name := range names {
		idx := slices.IndexFunc(f.markets, func(m Marketplace) bool {
			return strings.EqualFold(m.Name, strings.TrimSpace(name))
		})
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown marketplace %q", crawler.ErrInvalidRequest, name)
		}
		if !slices.ContainsFunc(out, func(m Marketplace) bool { return m.Name == f.markets[idx].Name }) {
			out = append(out, f.markets[idx])
		}
	}
	return out, nil
}

func (f *Finder) searchMarket(ctx context.Context, m Marketplace, term string, params crawler.DiscoverParams) MarketResult {
	out := MarketResult{Marketplace: m.Name, URLs: []string{}}
	seed, err := m.SearchURL(term)
	if err != nil {
		out.Error = err.Error()
		metrics.ObserveMarketplaceSearch(m.Name, "error")
		return out
	}
	out.SearchURL = seed
	params.Include = m.Patterns
	params.Timeout = m.Timeout
	if params.Timeout <= 0 {
		params.Timeout = f.cfg.Timeout
	}
	logger := f.logger.With(zap.String("marketplace", m.Name), zap.String("search_url", seed))

	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1
		urls, err := f.attempt(ctx, seed, params, logger)
		if err == nil {
			out.URLs = urls
			logger.Info("marketplace searched", zap.Int("products", len(urls)), zap.Int("attempts", out.Attempts))
			metrics.ObserveMarketplaceSearch(m.Name, "ok")
			return out
		}
		decision := f.policy.Decide(attempt, f.cfg.MaxRetries, err)
		if decision.Action != crawler.ActionRetry {
			out.Error = err.Error()
			if decision.Reason != "" {
				out.Error = decision.Reason
			}
			logger.Warn("marketplace search failed", zap.Int("attempts", out.Attempts), zap.Error(err))
			metrics.ObserveMarketplaceSearch(m.Name, "error")
			return out
		}
		logger.Warn("marketplace search attempt failed, retrying",
			zap.Int("attempt", out.Attempts),
			zap.Duration("delay", decision.Delay),
			zap.Error(err),
		)
		if err := sleep(ctx, decision.Delay); err != nil {
			out.Error = err.Error()
			metrics.ObserveMarketplaceSearch(m.Name, "error")
			return out
		}
	}
}

// attempt crawls one search page. Links gathered before a failure are kept.
func (f *Finder) attempt(ctx context.Context, seed string, params crawler.DiscoverParams, logger *zap.Logger) ([]string, error) {
	res, err := f.discover.Discover(ctx, seed, params)
	if len(res.URLs) > 0 {
		if err != nil {
			logger.Warn("search crawl ended early, keeping partial links", zap.Int("products", len(res.URLs)), zap.Error(err))
		}
		return res.URLs, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNoProducts
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
