// Package collyfetcher renders and scrapes pages over plain HTTP with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/detector"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	// UserAgent is used when the request carries no identity.
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// DetectBlocks reports CAPTCHA walls and robot checks as BlockedError.
	DetectBlocks bool
}

// Fetcher implements crawler.Renderer and crawler.Scraper with Colly. A fresh
// collector is built per request; transports are pooled per proxy.
type Fetcher struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Fetcher{cfg: cfg, transports: make(map[string]*http.Transport)}
}

// page is everything one visit collected.
type page struct {
	url    string
	status int
	body   []byte
	title  string
	links  []string
	fields map[string]string
}

type visit struct {
	url       string
	proxy     *crawler.Proxy
	identity  string
	timeout   time.Duration
	selectors map[string]string
}

// Render fetches the page and returns its raw outbound links.
func (f *Fetcher) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResponse, error) {
	p, err := f.fetch(ctx, visit{url: req.URL, proxy: req.Proxy, identity: req.Identity, timeout: req.Timeout})
	if err != nil {
		return crawler.RenderResponse{}, err
	}
	return crawler.RenderResponse{URL: p.url, Status: p.status, HTML: p.body, Links: p.links}, nil
}

// Scrape fetches the page and extracts the text of each selector.
func (f *Fetcher) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
	p, err := f.fetch(ctx, visit{
		url:       req.URL,
		proxy:     req.Proxy,
		identity:  req.Identity,
		timeout:   req.Options.Timeout(),
		selectors: req.Options.Selectors,
	})
	if err != nil {
		return crawler.ScrapeResult{}, err
	}
	return crawler.ScrapeResult{
		URL:       p.url,
		Status:    p.status,
		Title:     p.title,
		Fields:    p.fields,
		ScrapedAt: time.Now().UTC(),
		Body:      p.body,
	}, nil
}

func (f *Fetcher) fetch(ctx context.Context, v visit) (page, error) {
	transport, err := f.transportFor(v.proxy)
	if err != nil {
		return page{}, err
	}
	collector := f.newCollector(v, transport)

	p := page{url: v.url, fields: make(map[string]string, len(v.selectors))}
	var fetchErr error
	collector.OnResponse(func(r *colly.Response) {
		p.url = r.Request.URL.String()
		p.status = r.StatusCode
		p.body = append([]byte(nil), r.Body...)
	})
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		collectDocument(e.DOM, v.selectors, &p)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode != 0 {
			p.status = r.StatusCode
		}
	})

	if err := run(ctx, collector, v.url); err != nil {
		return page{}, classify(err)
	}
	if fetchErr != nil {
		return page{}, classify(fetchErr)
	}
	if f.cfg.DetectBlocks && detector.Blocked(p.body) {
		return page{}, &crawler.BlockedError{Status: p.status, URL: p.url}
	}
	return p, nil
}

func (f *Fetcher) newCollector(v visit, transport http.RoundTripper) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// Error statuses still reach OnResponse so callers can see 403/429.
	collector.ParseHTTPErrorResponse = true
	collector.UserAgent = f.cfg.UserAgent
	if v.identity != "" {
		collector.UserAgent = v.identity
	}
	timeout := v.timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(transport)
	return collector
}

func collectDocument(doc *goquery.Selection, selectors map[string]string, p *page) {
	p.title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			p.links = append(p.links, href)
		}
	})
	for name, selector := range selectors {
		p.fields[name] = strings.TrimSpace(doc.Find(selector).First().Text())
	}
}

// run visits url and returns when the visit finishes or ctx ends.
func run(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

// classify maps collector failures onto the crawler error taxonomy.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("%w: %w", crawler.ErrInvalidRequest, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", crawler.ErrTimeout, err)
	default:
		return crawler.NewNetworkError("http get", err)
	}
}

// transportFor returns the pooled transport for proxy, or the direct one.
func (f *Fetcher) transportFor(proxy *crawler.Proxy) (*http.Transport, error) {
	key := ""
	if proxy != nil {
		key = proxy.URL()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxy != nil {
		proxyURL, err := url.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("%w: proxy %s: %w", crawler.ErrInvalidRequest, proxy.Key(), err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	f.transports[key] = t
	return t, nil
}

// Close drops idle connections on every pooled transport.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
