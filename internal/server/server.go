// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/api"
	"github.com/JakeFAU/scrapeq/internal/captcha/twocaptcha"
	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/config"
	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/detector"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/events/sinks"
	collyfetcher "github.com/JakeFAU/scrapeq/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scrapeq/internal/fetcher/headless"
	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/ingress"
	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/scrapeq/internal/publisher/pubsub"
	"github.com/JakeFAU/scrapeq/internal/queue"
	"github.com/JakeFAU/scrapeq/internal/recovery"
	"github.com/JakeFAU/scrapeq/internal/rotation"
	"github.com/JakeFAU/scrapeq/internal/search"
	gcsstorage "github.com/JakeFAU/scrapeq/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrapeq/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrapeq/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrapeq/internal/storage/postgres"
	"github.com/JakeFAU/scrapeq/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Queue  *queue.Queue
	Engine *crawler.Engine
	Finder *search.Finder
	Guard  *ingress.Guard
	API    *api.Server

	hub      *events.Hub
	closers  []namedCloser
	pgStore  *pgstore.JobStore
	colly    *collyfetcher.Fetcher
	headless *headlessfetcher.Fetcher
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. reg receives the event
// collectors; nil means the default registerer. On error everything already
// opened is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("crawler_engine", cfg.Crawler.Engine),
	)

	clock := system.New()
	hasher := sha256.New()
	submissions := sha256.NewNamespaced("submission")
	ids := uuid.New()

	store, err := app.setupJobStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	proxies, identities, err := app.setupRotation()
	if err != nil {
		return nil, err
	}
	hub, err := app.setupEvents(ctx, reg)
	if err != nil {
		return nil, err
	}
	app.hub = hub

	fetchers, err := app.setupFetchers()
	if err != nil {
		return nil, err
	}

	var limiter worker.DomainWaiter
	if cfg.Crawler.PerDomainRPS > 0 {
		limiter = ratelimit.NewDomainLimiter(cfg.Crawler.PerDomainRPS, cfg.Crawler.PerDomainBurst)
		app.logger.Info("per-domain rate limit enabled",
			zap.Float64("rps", cfg.Crawler.PerDomainRPS),
			zap.Int("burst", cfg.Crawler.PerDomainBurst),
		)
	}

	app.Queue = queue.New(queue.Deps{
		Store:      store,
		Scraper:    fetchers.scraper,
		Headless:   fetchers.promotion,
		Promoter:   fetchers.promoter,
		Blobs:      blobs,
		Hasher:     hasher,
		Proxies:    proxies,
		Identities: identities,
		Limiter:    limiter,
		Policy:     crawler.NewExponentialRetryPolicy(cfg.Queue.BackoffBase, cfg.Queue.BackoffMax),
		IDs:        ids,
		Clock:      clock,
		Listener:   hub,
	}, queue.Config{
		Concurrency:        cfg.Queue.Concurrency,
		PollInterval:       cfg.Queue.PollInterval,
		ClaimCheckInterval: cfg.Queue.ClaimCheckInterval,
		BlobPrefix:         cfg.Storage.Prefix,
		DefaultTimeoutMs:   cfg.Queue.DefaultTimeoutMs,
		DefaultMaxRetries:  cfg.Queue.DefaultMaxRetries,
		Stall: recovery.StallConfig{
			Interval:  cfg.Stall.Interval,
			Threshold: cfg.Stall.Threshold,
			Requeue:   cfg.Stall.Requeue,
		},
		Retention: recovery.RetentionConfig{
			Interval: cfg.Retention.Interval,
			TTL:      cfg.Retention.TTL,
		},
	}, app.logger)

	app.Engine = crawler.NewEngine(fetchers.renderer, proxies, identities, crawler.EngineConfig{
		Delay:             cfg.Crawler.Delay,
		MaxDepth:          cfg.Crawler.MaxDepth,
		MaxURLs:           cfg.Crawler.MaxURLs,
		PerRequestTimeout: cfg.Crawler.RequestTimeout,
		Timeout:           cfg.Crawler.Timeout,
	}, app.logger.Named("crawler"))

	app.Finder, err = newFinder(cfg, app.Engine, app.logger)
	if err != nil {
		return nil, err
	}

	app.Guard = ingress.New(ingress.Config{
		RateWindow:      cfg.Ingress.RateWindow,
		RateLimit:       cfg.Ingress.RateLimit,
		DedupWindow:     cfg.Ingress.DedupWindow,
		DedupRetention:  cfg.Ingress.DedupRetention,
		DedupMaxEntries: cfg.Ingress.DedupMaxEntries,
	}, submissions, clock, app.logger.Named("ingress"))

	app.API = api.NewServer(app.Queue, app.Engine, app.Finder, app.Guard, clock, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, app.logger)

	return app, nil
}

func (a *App) setupJobStore(ctx context.Context) (crawler.JobStore, error) {
	if a.cfg.Queue.Backend != "postgres" {
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres job store init failed: %w", err)
	}
	a.pgStore = store
	a.logger.Info("using postgres job store", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs", close: store.Close})
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupRotation merges inline and file-based lists. A nil ProxySource means
// requests go direct.
func (a *App) setupRotation() (crawler.ProxySource, crawler.IdentitySource, error) {
	proxyList := append([]crawler.Proxy(nil), a.cfg.Proxies...)
	if a.cfg.ProxiesFile != "" {
		loaded, err := rotation.LoadProxies(a.cfg.ProxiesFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load proxies: %w", err)
		}
		proxyList = append(proxyList, loaded...)
	}
	if err := rotation.ValidateProxies(proxyList); err != nil {
		return nil, nil, fmt.Errorf("validate proxies: %w", err)
	}

	identityList := append([]string(nil), a.cfg.Identities...)
	if a.cfg.IdentitiesFile != "" {
		loaded, err := rotation.LoadIdentities(a.cfg.IdentitiesFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load identities: %w", err)
		}
		identityList = append(identityList, loaded...)
	}
	if len(identityList) == 0 {
		identityList = rotation.DefaultIdentities
	}
	identities := rotation.NewIdentityRotator(identityList)

	a.logger.Info("rotation configured",
		zap.Int("proxies", len(proxyList)),
		zap.Int("identities", len(identityList)),
	)
	if len(proxyList) == 0 {
		return nil, identities, nil
	}
	return rotation.NewProxyRotator(proxyList, a.logger.Named("proxies")), identities, nil
}

func (a *App) setupEvents(ctx context.Context, reg prometheus.Registerer) (*events.Hub, error) {
	ev := a.cfg.Events
	var sinkList []events.Sink
	if ev.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events_log")))
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if ev.Webhook.URL != "" {
		hook, err := sinks.NewWebhookSink(sinks.WebhookConfig{
			URL:     ev.Webhook.URL,
			APIKey:  ev.Webhook.APIKey,
			Timeout: ev.Webhook.Timeout,
		}, nil, a.logger.Named("events_webhook"))
		if err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sinkList = append(sinkList, hook)
		a.logger.Info("webhook sink enabled", zap.String("url", ev.Webhook.URL))
	}
	if ev.PubSub.Topic != "" {
		pub, err := gcppublisher.Dial(ctx, ev.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		sink, err := sinks.NewPublisherSink(pub, ev.PubSub.Topic, pub.Close)
		if err != nil {
			if cerr := pub.Close(); cerr != nil {
				a.logger.Warn("pubsub close after sink failure", zap.Error(cerr))
			}
			return nil, fmt.Errorf("pubsub sink: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("pubsub sink enabled",
			zap.String("project", ev.PubSub.ProjectID),
			zap.String("topic", ev.PubSub.Topic),
		)
	}
	if len(ev.Kafka.Brokers) > 0 {
		sink, err := sinks.NewKafkaSink(ev.Kafka.Brokers, ev.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("kafka sink enabled", zap.Strings("brokers", ev.Kafka.Brokers), zap.String("topic", ev.Kafka.Topic))
	}
	if ev.Redis.Addr != "" {
		sink, err := sinks.NewRedisStreamSink(ev.Redis.Addr, ev.Redis.Stream, ev.Redis.MaxLen)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("redis stream sink enabled", zap.String("addr", ev.Redis.Addr), zap.String("stream", ev.Redis.Stream))
	}

	hubCfg := events.Config{
		BufferSize:     ev.BufferSize,
		MaxBatchEvents: ev.Batch.MaxEvents,
		MaxBatchWait:   ev.Batch.MaxWait,
		SinkTimeout:    ev.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger,
	}
	hub := events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", ev.BufferSize),
		zap.Int("max_batch_events", ev.Batch.MaxEvents),
		zap.Duration("max_batch_wait", ev.Batch.MaxWait),
	)
	return hub, nil
}

// fetcherSet is the capability wiring chosen by crawler.engine and
// headless.enabled.
type fetcherSet struct {
	renderer  crawler.Renderer
	scraper   crawler.Scraper
	promotion crawler.Scraper
	promoter  worker.Promoter
}

func (a *App) setupFetchers() (fetcherSet, error) {
	a.colly = collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.Crawler.RequestTimeout,
		DetectBlocks:  a.cfg.Crawler.DetectBlocks,
	})
	set := fetcherSet{renderer: a.colly, scraper: a.colly}
	if !a.cfg.HeadlessNeeded() {
		a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))
		return set, nil
	}

	var solver crawler.CaptchaSolver
	if a.cfg.Captcha.APIKey != "" {
		s, err := twocaptcha.New(twocaptcha.Config{
			APIKey:       a.cfg.Captcha.APIKey,
			BaseURL:      a.cfg.Captcha.BaseURL,
			PollInterval: a.cfg.Captcha.PollInterval,
			Timeout:      a.cfg.Captcha.Timeout,
		}, nil, a.logger)
		if err != nil {
			return set, fmt.Errorf("captcha solver init failed: %w", err)
		}
		solver = s
		a.logger.Info("captcha solver enabled")
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
	}, solver, a.logger)
	if err != nil {
		return set, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = headless
	a.logger.Info("headless fetcher ready", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))

	if a.cfg.Crawler.Engine == "headless" {
		set.renderer = headless
		set.scraper = headless
		return set, nil
	}
	set.promotion = headless
	set.promoter = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
	return set, nil
}

// Run starts the queue, the ingress janitor and the HTTP server, and blocks
// until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go func() {
		if err := a.Guard.Run(janitorCtx); err != nil {
			a.logger.Warn("ingress janitor stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		a.logger.Error("http server error", zap.Error(err))
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close stops the queue, then flushes events and releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Queue != nil {
		if qerr := a.Queue.Close(ctx); qerr != nil {
			err = fmt.Errorf("close queue: %w", qerr)
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.colly != nil {
		a.colly.Close()
	}
	for _, c := range a.closers {
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// NewDiscoverer builds only the crawl side of the graph for one-shot use. The
// returned release func closes the fetchers.
func NewDiscoverer(cfg config.Config, logger *zap.Logger) (*crawler.Engine, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	proxies, identities, err := app.setupRotation()
	if err != nil {
		return nil, nil, err
	}
	fetchers, err := app.setupFetchers()
	if err != nil {
		app.closeInfrastructure(context.Background())
		return nil, nil, err
	}
	engine := crawler.NewEngine(fetchers.renderer, proxies, identities, crawler.EngineConfig{
		Delay:             cfg.Crawler.Delay,
		MaxDepth:          cfg.Crawler.MaxDepth,
		MaxURLs:           cfg.Crawler.MaxURLs,
		PerRequestTimeout: cfg.Crawler.RequestTimeout,
		Timeout:           cfg.Crawler.Timeout,
	}, logger.Named("crawler"))
	return engine, func() { app.closeInfrastructure(context.Background()) }, nil
}

// NewSearcher builds a marketplace Finder over a one-shot crawl engine. The
// returned release func closes the fetchers.
func NewSearcher(cfg config.Config, logger *zap.Logger) (*search.Finder, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, release, err := NewDiscoverer(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	finder, err := newFinder(cfg, engine, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	return finder, release, nil
}

func newFinder(cfg config.Config, engine *crawler.Engine, logger *zap.Logger) (*search.Finder, error) {
	finder, err := search.New(engine, cfg.Search.Marketplaces,
		crawler.NewExponentialRetryPolicy(cfg.Search.BackoffBase, cfg.Search.BackoffMax),
		search.Config{
			MaxResults: cfg.Search.MaxResults,
			Depth:      cfg.Search.Depth,
			Exclude:    cfg.Search.ExcludePatterns,
			MaxRetries: cfg.Search.MaxRetries,
			Timeout:    cfg.Search.Timeout,
		}, logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("build marketplace search: %w", err)
	}
	return finder, nil
}
