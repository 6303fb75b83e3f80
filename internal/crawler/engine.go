package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/metrics"
)

const (
	defaultMaxDepth          = 2
	defaultMaxURLs           = 10
	defaultPerRequestTimeout = 15 * time.Second
	defaultCrawlTimeout      = 30 * time.Second
)

// errDeadlineNear is returned when the politeness delay would outlast the crawl.
var errDeadlineNear = errors.New("crawl deadline reached")

// EngineConfig holds crawl defaults applied to unset DiscoverParams fields.
type EngineConfig struct {
	Delay             time.Duration
	MaxDepth          int
	MaxURLs           int
	PerRequestTimeout time.Duration
	Timeout           time.Duration
}

// Engine discovers URLs by breadth-first expansion from a seed page.
type Engine struct {
	renderer   Renderer
	proxies    ProxySource
	identities IdentitySource
	cfg        EngineConfig
	logger     *zap.Logger
}

// NewEngine wires the render capability and rotators. proxies and identities
// may be nil, in which case requests go direct with the renderer's default
// user agent.
func NewEngine(
	renderer Renderer,
	proxies ProxySource,
	identities IdentitySource,
	cfg EngineConfig,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = defaultMaxURLs
	}
	if cfg.PerRequestTimeout <= 0 {
		cfg.PerRequestTimeout = defaultPerRequestTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCrawlTimeout
	}
	return &Engine{
		renderer:   renderer,
		proxies:    proxies,
		identities: identities,
		cfg:        cfg,
		logger:     logger,
	}
}

// DefaultDepth is the depth callers should use when none was requested.
func (e *Engine) DefaultDepth() int {
	return e.cfg.MaxDepth
}

// Defaults returns params with unset limits filled from the engine config.
// MaxDepth is used as given: a depth of zero fetches nothing.
func (e *Engine) Defaults(params DiscoverParams) DiscoverParams {
	if params.MaxURLs <= 0 {
		params.MaxURLs = e.cfg.MaxURLs
	}
	if params.PerRequestTimeout <= 0 {
		params.PerRequestTimeout = e.cfg.PerRequestTimeout
	}
	if params.Timeout <= 0 {
		params.Timeout = e.cfg.Timeout
	}
	return params
}

// Discover crawls from seed and returns the filtered, deduplicated URLs it
// found. The seed itself is never part of the result. When the crawl timeout
// elapses the URLs found so far are returned without error.
func (e *Engine) Discover(ctx context.Context, seed string, params DiscoverParams) (DiscoverResult, error) {
	empty := DiscoverResult{URLs: []string{}}
	if e.renderer == nil {
		return empty, fmt.Errorf("%w: no renderer configured", ErrCrawlFailed)
	}
	seedURL, err := ValidateTarget(seed)
	if err != nil {
		return empty, err
	}
	params = e.Defaults(params)

	crawlCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	c := &crawl{
		engine:     e,
		seed:       seedURL,
		params:     params,
		filter:     newPatternFilter(params.Include, params.Exclude),
		pacer:      newRatePacer(e.cfg.Delay),
		visited:    visitSet{},
		discovered: make(map[string]struct{}),
		ordered:    []string{},
		logger:     e.logger.With(zap.String("seed", seedURL)),
	}
	runErr := c.run(crawlCtx)
	result := DiscoverResult{URLs: c.ordered, Total: len(c.ordered)}
	metrics.ObserveDiscovered(result.Total)

	switch {
	case ctx.Err() != nil:
		return result, fmt.Errorf("discover: %w", ctx.Err())
	case runErr != nil && (crawlCtx.Err() != nil || errors.Is(runErr, errDeadlineNear)):
		c.logger.Info("crawl timeout reached, returning partial results", zap.Int("discovered", result.Total))
		return result, nil
	case runErr != nil:
		return result, runErr
	case c.fetched == 0 && c.lastErr != nil:
		return result, fmt.Errorf("%w: %w", ErrCrawlFailed, c.lastErr)
	}
	c.logger.Debug("crawl finished",
		zap.Int("discovered", result.Total),
		zap.Int("visited", len(c.visited)),
		zap.Int("failed_pages", c.failures),
	)
	return result, nil
}

// crawl is the state of one Discover call.
type crawl struct {
	engine     *Engine
	seed       string
	params     DiscoverParams
	filter     patternFilter
	pacer      pacer
	visited    visitSet
	discovered map[string]struct{}
	ordered    []string
	fetched    int
	failures   int
	lastErr    error
	logger     *zap.Logger
}

func (c *crawl) full() bool {
	return len(c.ordered) >= c.params.MaxURLs
}

func (c *crawl) run(ctx context.Context) error {
	frontier := []FrontierEntry{{URL: c.seed, Depth: c.params.MaxDepth}}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := frontier[0]
		frontier = frontier[1:]
		if entry.Depth <= 0 || c.full() {
			continue
		}
		if !c.visited.MarkIfNew(entry.URL) {
			continue
		}
		if err := c.pacer.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("politeness wait: %w: %w", errDeadlineNear, err)
		}
		links, err := c.fetch(ctx, entry.URL)
		if err != nil {
			if errors.Is(err, ErrAllProxiesBanned) || errors.Is(err, ErrNoIdentitiesAvailable) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failures++
			c.lastErr = err
			c.logger.Warn("page fetch failed, abandoning branch",
				zap.String("url", entry.URL),
				zap.Int("depth", entry.Depth),
				zap.Error(err),
			)
			continue
		}
		c.fetched++
		frontier = c.expand(frontier, entry, links)
	}
	return nil
}

func (c *crawl) expand(frontier []FrontierEntry, entry FrontierEntry, links []string) []FrontierEntry {
	base, _ := url.Parse(entry.URL)
	for _, raw := range links {
		if c.full() {
			break
		}
		link, ok := ResolveLink(base, raw)
		if !ok || link == c.seed || !c.filter.Accept(link) {
			continue
		}
		if _, seen := c.discovered[link]; seen {
			continue
		}
		c.discovered[link] = struct{}{}
		c.ordered = append(c.ordered, link)
		frontier = append(frontier, FrontierEntry{URL: link, Depth: entry.Depth - 1})
	}
	return frontier
}

func (c *crawl) fetch(ctx context.Context, target string) ([]string, error) {
	req := RenderRequest{URL: target, Timeout: c.params.PerRequestTimeout}
	if c.engine.proxies != nil {
		proxy, err := c.engine.proxies.Next()
		if err != nil {
			return nil, fmt.Errorf("select proxy: %w", err)
		}
		req.Proxy = &proxy
	}
	if c.engine.identities != nil {
		identity, err := c.engine.identities.Next()
		if err != nil {
			return nil, fmt.Errorf("select identity: %w", err)
		}
		req.Identity = identity
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.params.PerRequestTimeout)
	defer cancel()

	site := metrics.SanitizeSite(target)
	resp, err := Race(reqCtx, func(ctx context.Context) (RenderResponse, error) {
		return c.engine.renderer.Render(ctx, req)
	})
	if err == nil {
		switch {
		case IsBlockStatus(resp.Status):
			err = &BlockedError{Status: resp.Status, URL: target}
		case IsServerErrorStatus(resp.Status):
			err = &StatusError{Status: resp.Status, URL: target}
		}
	}
	if err != nil {
		metrics.ObserveCrawlPage(site, "error")
		if IsBanTrigger(err) && req.Proxy != nil {
			c.engine.proxies.Ban(*req.Proxy)
			c.logger.Warn("proxy banned after block", zap.String("proxy", req.Proxy.Key()), zap.Error(err))
		}
		return nil, fmt.Errorf("render %s: %w", target, err)
	}
	metrics.ObserveCrawlPage(site, "ok")
	return resp.Links, nil
}

// Race runs fn in its own goroutine and returns when it finishes or ctx ends,
// whichever happens first. A deadline surfaces as ErrTimeout.
func Race[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()
	var zero T
	select {
	case out := <-done:
		if errors.Is(out.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, out.err)
		}
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}
