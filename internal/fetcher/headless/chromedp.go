// Package headless renders pages in headless Chrome through chromedp.
package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/detector"
)

const (
	defaultNavTimeout = 25 * time.Second
	settleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements crawler.Renderer and crawler.Scraper. Each visit runs in
// its own browser launched from an allocator cached per proxy.
type Fetcher struct {
	cfg     Config
	solver  crawler.CaptchaSolver
	limiter chan struct{}
	logger  *zap.Logger

	mu         sync.Mutex
	allocators map[string]allocator
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. solver may be nil, in which case
// pages showing a CAPTCHA are reported as blocked.
func NewChromedp(cfg Config, solver crawler.CaptchaSolver, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Fetcher{
		cfg:        cfg,
		solver:     solver,
		limiter:    limiter,
		logger:     logger.Named("headless"),
		allocators: make(map[string]allocator),
	}, nil
}

// Close shuts down every browser process.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, a := range f.allocators {
		a.cancel()
		delete(f.allocators, key)
	}
}

// rendered is the state of the page after navigation settles.
type rendered struct {
	url    string
	status int
	html   string
}

// Render navigates to the page and returns its links.
func (f *Fetcher) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderResponse, error) {
	page, err := f.visit(ctx, req.URL, req.Proxy, req.Identity, nil)
	if err != nil {
		return crawler.RenderResponse{}, err
	}
	doc, err := parse(page.html)
	if err != nil {
		return crawler.RenderResponse{}, err
	}
	return crawler.RenderResponse{
		URL:    page.url,
		Status: page.status,
		HTML:   []byte(page.html),
		Links:  links(doc),
	}, nil
}

// Scrape navigates to the page, clears a CAPTCHA when a solver is set, and
// extracts the text of each selector from the rendered DOM.
func (f *Fetcher) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
	page, err := f.visit(ctx, req.URL, req.Proxy, req.Identity, f.solveChallenge)
	if err != nil {
		return crawler.ScrapeResult{}, err
	}
	doc, err := parse(page.html)
	if err != nil {
		return crawler.ScrapeResult{}, err
	}
	return crawler.ScrapeResult{
		URL:       page.url,
		Status:    page.status,
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		Fields:    extract(doc, req.Options.Selectors),
		Headless:  true,
		ScrapedAt: time.Now().UTC(),
		Body:      []byte(page.html),
	}, nil
}

// challengeHook runs inside the browser session after the page settles and
// returns the HTML to use from then on.
type challengeHook func(ctx context.Context, page rendered) (string, error)

func (f *Fetcher) visit(
	ctx context.Context,
	target string,
	proxy *crawler.Proxy,
	identity string,
	hook challengeHook,
) (rendered, error) {
	if err := f.acquire(ctx); err != nil {
		return rendered{}, err
	}
	defer f.release()

	allocCtx, err := f.allocatorFor(proxy)
	if err != nil {
		return rendered{}, err
	}
	tabCtx, closeTab := chromedp.NewContext(allocCtx)
	defer closeTab()
	// Tie the tab to the caller's context as well as the browser's.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)
	if proxy != nil && proxy.Username != "" {
		chromedp.ListenTarget(tabCtx, proxyAuthListener(tabCtx, *proxy))
	}

	var html, finalURL string
	err = chromedp.Run(tabCtx,
		f.setupAction(identity, proxy),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return rendered{}, classify(ctx, err)
	}
	status, responseURL := meta.snapshotWithFallbacks(target, finalURL)
	page := rendered{url: responseURL, status: status, html: html}

	if hook != nil {
		solved, err := hook(tabCtx, page)
		if err != nil {
			return rendered{}, err
		}
		page.html = solved
	} else if detector.Blocked([]byte(page.html)) {
		return rendered{}, &crawler.BlockedError{Status: page.status, URL: page.url}
	}
	return page, nil
}

// solveChallenge injects a solver token when the page shows a known widget.
func (f *Fetcher) solveChallenge(ctx context.Context, page rendered) (string, error) {
	challenge, found := detector.FindChallenge([]byte(page.html), page.url)
	if !found {
		if detector.Blocked([]byte(page.html)) {
			return "", &crawler.BlockedError{Status: page.status, URL: page.url}
		}
		return page.html, nil
	}
	if f.solver == nil {
		return "", &crawler.BlockedError{Status: page.status, URL: page.url}
	}
	logger := f.logger.With(zap.String("url", page.url), zap.String("kind", challenge.Kind))
	token, err := f.solver.Solve(ctx, challenge)
	if err != nil {
		logger.Warn("captcha solve failed", zap.Error(err))
		return "", fmt.Errorf("solve %s: %w", challenge.Kind, &crawler.BlockedError{Status: page.status, URL: page.url})
	}
	script, err := injectTokenScript(detector.ResponseField(challenge.Kind), token)
	if err != nil {
		return "", err
	}
	var html string
	err = chromedp.Run(ctx,
		chromedp.Evaluate(script, nil),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", classify(ctx, err)
	}
	logger.Info("captcha token injected")
	return html, nil
}

// injectTokenScript writes token into every response field the widget uses.
func injectTokenScript(field, token string) (string, error) {
	if field == "" {
		return "", fmt.Errorf("%w: no response field for challenge", crawler.ErrInvalidRequest)
	}
	quotedField, err := json.Marshal(field)
	if err != nil {
		return "", fmt.Errorf("encode field: %w", err)
	}
	quotedToken, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const field = %s, token = %s;
	document.querySelectorAll('#' + field + ', [name="' + field + '"]').forEach((el) => {
		el.value = token;
		el.innerHTML = token;
	});
})()`, quotedField, quotedToken), nil
}

func (f *Fetcher) setupAction(identity string, proxy *crawler.Proxy) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		ua := f.cfg.UserAgent
		if identity != "" {
			ua = identity
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if proxy != nil && proxy.Username != "" {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable proxy auth: %w", err)
			}
		}
		return nil
	})
}

// proxyAuthListener answers proxy credential challenges. Paused requests
// must be continued from a separate goroutine.
func proxyAuthListener(ctx context.Context, proxy crawler.Proxy) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, resp))
			}()
		}
	}
}

// allocatorFor returns the allocator configured for proxy.
func (f *Fetcher) allocatorFor(proxy *crawler.Proxy) (context.Context, error) {
	key := ""
	if proxy != nil {
		key = proxy.Key()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allocators[key]; ok {
		return a.ctx, nil
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(proxy)...)
	f.allocators[key] = allocator{ctx: ctx, cancel: cancel}
	return ctx, nil
}

func allocatorOptions(proxy *crawler.Proxy) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if proxy != nil {
		scheme := proxy.Protocol
		if scheme == "" {
			scheme = "http"
		}
		// Credentials never go on the command line; the fetch domain answers
		// auth challenges instead.
		opts = append(opts, chromedp.ProxyServer(scheme+"://"+proxy.Key()))
	}
	return opts
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// classify maps chromedp failures onto the crawler error taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("chromedp run: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: chromedp run: %w", crawler.ErrTimeout, err)
	default:
		return crawler.NewNetworkError("navigate", err)
	}
}

func parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	return doc, nil
}

func links(doc *goquery.Document) []string {
	out := []string{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			out = append(out, href)
		}
	})
	return out
}

func extract(doc *goquery.Document, selectors map[string]string) map[string]string {
	fields := make(map[string]string, len(selectors))
	for name, selector := range selectors {
		fields[name] = strings.TrimSpace(doc.Find(selector).First().Text())
	}
	return fields
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the first document response; later ones are iframes.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
