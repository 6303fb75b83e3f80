// Package worker implements the job execution loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/metrics"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBlobPrefix   = "results"
	releaseTimeout      = 5 * time.Second
)

// Promoter decides whether a plain HTTP result needs a browser re-render.
type Promoter interface {
	ShouldPromote(status int, body []byte) bool
}

// DomainWaiter paces requests per target host.
type DomainWaiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
	// ClaimCheckInterval re-reads the job while a scrape runs and abandons the
	// attempt once another process owns it. It never touches UpdatedAt, which
	// only real progress moves. Zero disables it.
	ClaimCheckInterval time.Duration
	BlobPrefix         string
}

// Deps are the collaborators a Worker needs. Store, Scraper, Policy, IDs and
// Clock are required; the rest are optional.
type Deps struct {
	Store      crawler.JobStore
	Scraper    crawler.Scraper
	Headless   crawler.Scraper
	Promoter   Promoter
	Blobs      crawler.BlobStore
	Hasher     crawler.Hasher
	Proxies    crawler.ProxySource
	Identities crawler.IdentitySource
	Limiter    DomainWaiter
	Policy     crawler.RetryPolicy
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Active     *ActiveSet
	Wake       *Signal
	Listener   events.Listener
}

// Worker claims jobs from the store and runs them one at a time.
type Worker struct {
	name   string
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(name string, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.BlobPrefix = strings.Trim(cfg.BlobPrefix, "/")
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = defaultBlobPrefix
	}
	if deps.Active == nil {
		deps.Active = NewActiveSet()
	}
	if deps.Wake == nil {
		deps.Wake = NewSignal()
	}
	if deps.Listener == nil {
		deps.Listener = events.Nop
	}
	return &Worker{
		name:   name,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("worker", name)),
	}
}

// Run blocks, claiming and processing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		wake := w.deps.Wake.Wait()
		job, err := w.claim(ctx)
		switch {
		case err == nil:
			w.process(ctx, job)
			continue
		case errors.Is(err, crawler.ErrNotFound):
		case ctx.Err() != nil:
			return nil
		default:
			w.logger.Error("claim failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (w *Worker) claim(ctx context.Context) (crawler.Job, error) {
	claimID, err := w.deps.IDs.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("claim id: %w", err)
	}
	job, err := w.deps.Store.ClaimNext(ctx, claimID, w.deps.Clock.Now())
	if err != nil {
		return crawler.Job{}, err
	}
	return job, nil
}

func (w *Worker) process(ctx context.Context, job crawler.Job) {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempt", job.AttemptsMade+1),
	)
	jobCtx, cancel := context.WithTimeout(ctx, job.Options.Timeout())
	defer cancel()
	w.deps.Active.Register(job.ID, job.ClaimID, cancel)
	defer w.deps.Active.Remove(job.ID, job.ClaimID)
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	logger.Debug("job claimed")
	stopWatch := w.watchClaim(jobCtx, job, cancel, logger)
	result, err := w.scrape(jobCtx, job, logger)
	if err == nil && job.Options.SaveResult {
		err = w.checkpoint(jobCtx, job, crawler.ProgressFetched)
		if err == nil {
			result, err = w.persist(jobCtx, job, result)
		}
	}
	stopWatch()

	if ctx.Err() != nil {
		w.release(job, logger)
		return
	}
	if err != nil {
		w.handleFailure(ctx, job, err, logger)
		return
	}
	w.complete(ctx, job, result, logger)
}

// checkpoint records real progress, which is what the stall monitor watches.
func (w *Worker) checkpoint(ctx context.Context, job crawler.Job, progress int) error {
	if err := w.deps.Store.UpdateProgress(ctx, job.ID, job.ClaimID, progress, w.deps.Clock.Now()); err != nil {
		return fmt.Errorf("record progress %d: %w", progress, err)
	}
	return nil
}

// watchClaim polls the store until the returned stop is called and cancels
// the attempt when the job is no longer active under this claim, for example
// after a stall monitor in another process recovered it.
func (w *Worker) watchClaim(ctx context.Context, job crawler.Job, cancel context.CancelFunc, logger *zap.Logger) func() {
	if w.cfg.ClaimCheckInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.ClaimCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				current, err := w.deps.Store.GetJob(ctx, job.ID)
				switch {
				case errors.Is(err, crawler.ErrNotFound),
					err == nil && (current.State != crawler.JobStateActive || current.ClaimID != job.ClaimID):
					logger.Info("claim lost, abandoning attempt")
					cancel()
					return
				case err != nil && ctx.Err() == nil:
					logger.Warn("claim check failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (w *Worker) scrape(ctx context.Context, job crawler.Job, logger *zap.Logger) (crawler.ScrapeResult, error) {
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, job.URL); err != nil {
			return crawler.ScrapeResult{}, fmt.Errorf("domain rate limit: %w", raceErr(ctx, err))
		}
	}
	req := crawler.ScrapeRequest{URL: job.URL, Options: job.Options}
	if w.deps.Proxies != nil {
		proxy, err := w.deps.Proxies.Next()
		if err != nil {
			return crawler.ScrapeResult{}, fmt.Errorf("select proxy: %w", err)
		}
		req.Proxy = &proxy
	}
	if w.deps.Identities != nil {
		identity, err := w.deps.Identities.Next()
		if err != nil {
			return crawler.ScrapeResult{}, fmt.Errorf("select identity: %w", err)
		}
		req.Identity = identity
	}

	result, err := crawler.Race(ctx, func(ctx context.Context) (crawler.ScrapeResult, error) {
		return w.deps.Scraper.Scrape(ctx, req)
	})
	if err == nil {
		switch {
		case crawler.IsBlockStatus(result.Status):
			err = &crawler.BlockedError{Status: result.Status, URL: job.URL}
		case crawler.IsServerErrorStatus(result.Status):
			err = &crawler.StatusError{Status: result.Status, URL: job.URL}
		}
	}
	if err != nil {
		if crawler.IsBanTrigger(err) && req.Proxy != nil {
			w.deps.Proxies.Ban(*req.Proxy)
			logger.Warn("proxy banned after block", zap.String("proxy", req.Proxy.Key()), zap.Error(err))
		}
		return crawler.ScrapeResult{}, fmt.Errorf("scrape: %w", err)
	}
	return w.maybePromote(ctx, req, result, logger), nil
}

// maybePromote re-renders the page in a browser when the plain result looks
// like a client-rendered shell. A failed promotion keeps the plain result.
func (w *Worker) maybePromote(
	ctx context.Context,
	req crawler.ScrapeRequest,
	result crawler.ScrapeResult,
	logger *zap.Logger,
) crawler.ScrapeResult {
	if w.deps.Headless == nil || w.deps.Promoter == nil || result.Headless {
		return result
	}
	if !w.deps.Promoter.ShouldPromote(result.Status, result.Body) {
		return result
	}
	promoted, err := crawler.Race(ctx, func(ctx context.Context) (crawler.ScrapeResult, error) {
		return w.deps.Headless.Scrape(ctx, req)
	})
	if err != nil {
		logger.Warn("headless promotion failed", zap.Error(err))
		return result
	}
	promoted.Headless = true
	logger.Info("headless promotion applied")
	return promoted
}

// persist writes the raw page and the result document to the blob store.
func (w *Worker) persist(ctx context.Context, job crawler.Job, result crawler.ScrapeResult) (crawler.ScrapeResult, error) {
	if w.deps.Blobs == nil {
		return result, nil
	}
	if len(result.Body) > 0 && w.deps.Hasher != nil {
		hash, err := w.deps.Hasher.Hash(result.Body)
		if err != nil {
			return result, fmt.Errorf("hash page: %w", err)
		}
		pagePath := fmt.Sprintf("%s/%s/%s.html", w.cfg.BlobPrefix, job.ID, hash)
		uri, err := w.deps.Blobs.PutObject(ctx, pagePath, "text/html; charset=utf-8", bytes.NewReader(result.Body))
		if err != nil {
			return result, fmt.Errorf("save page: %w", err)
		}
		result.ContentHash = hash
		result.PageURI = uri
	}
	resultPath := fmt.Sprintf("%s/%s.json", w.cfg.BlobPrefix, job.ID)
	doc, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("marshal result: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, resultPath, "application/json", bytes.NewReader(doc))
	if err != nil {
		return result, fmt.Errorf("save result: %w", err)
	}
	result.StorageURI = uri
	return result, nil
}

func (w *Worker) complete(ctx context.Context, job crawler.Job, result crawler.ScrapeResult, logger *zap.Logger) {
	now := w.deps.Clock.Now()
	result.Body = nil
	if result.ScrapedAt.IsZero() {
		result.ScrapedAt = now
	}
	if err := w.deps.Store.Complete(ctx, job.ID, job.ClaimID, result, now); err != nil {
		w.logStoreError(logger, "complete", err)
		return
	}
	job.State = crawler.JobStateCompleted
	job.Progress = crawler.ProgressFinished
	job.Result = &result
	job.FinishedAt = &now
	metrics.ObserveJob(string(job.State))
	w.deps.Listener.Notify(events.FromJob(events.JobCompleted, job, now))
	logger.Info("job completed", zap.Int("status", result.Status), zap.Bool("headless", result.Headless))
}

func (w *Worker) handleFailure(ctx context.Context, job crawler.Job, cause error, logger *zap.Logger) {
	now := w.deps.Clock.Now()
	decision := w.deps.Policy.Decide(job.AttemptsMade, job.Options.MaxRetries, cause)
	if decision.Action == crawler.ActionRetry {
		availableAt := now.Add(decision.Delay)
		if err := w.deps.Store.Delay(ctx, job.ID, job.ClaimID, cause.Error(), availableAt, now); err != nil {
			w.logStoreError(logger, "delay", err)
			return
		}
		metrics.ObserveJob(string(crawler.JobStateDelayed))
		logger.Warn("attempt failed, retry scheduled", zap.Duration("delay", decision.Delay), zap.Error(cause))
		return
	}

	reason := decision.Reason
	if reason == "" {
		reason = cause.Error()
	}
	if err := w.deps.Store.Fail(ctx, job.ID, job.ClaimID, reason, now); err != nil {
		w.logStoreError(logger, "fail", err)
		return
	}
	job.State = crawler.JobStateFailed
	job.FailureReason = reason
	job.FinishedAt = &now
	metrics.ObserveJob(string(job.State))
	w.deps.Listener.Notify(events.FromJob(events.JobFailed, job, now))
	logger.Error("job failed", zap.String("reason", reason))
}

// release hands an interrupted attempt back to the queue during shutdown.
func (w *Worker) release(job crawler.Job, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_, err := w.deps.Store.Resolve(ctx, job.ID,
		[]crawler.JobState{crawler.JobStateActive}, crawler.JobStateWaiting, "", false, w.deps.Clock.Now())
	if err != nil && !errors.Is(err, crawler.ErrInvalidState) {
		logger.Warn("release on shutdown failed", zap.Error(err))
		return
	}
	logger.Info("job released on shutdown")
}

func (w *Worker) logStoreError(logger *zap.Logger, op string, err error) {
	if errors.Is(err, crawler.ErrClaimLost) || errors.Is(err, crawler.ErrNotFound) {
		logger.Info("claim lost, discarding attempt outcome", zap.String("op", op))
		return
	}
	logger.Error("job store update failed", zap.String("op", op), zap.Error(err))
}

// raceErr maps a limiter failure caused by the job deadline to ErrTimeout.
func raceErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", crawler.ErrTimeout, err)
	}
	return err
}
