// Package queue is the job facade: submission, lookup, retry and cancel on top
// of a JobStore, plus the worker pool and sweeps that drain it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/dispatcher"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/recovery"
	"github.com/JakeFAU/scrapeq/internal/worker"
)

const defaultConcurrency = 2

// Config sizes the pool and carries job defaults.
type Config struct {
	Concurrency        int
	PollInterval       time.Duration
	ClaimCheckInterval time.Duration
	BlobPrefix         string
	DefaultTimeoutMs   int
	DefaultMaxRetries  int
	Stall              recovery.StallConfig
	Retention          recovery.RetentionConfig
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Store      crawler.JobStore
	Scraper    crawler.Scraper
	Headless   crawler.Scraper
	Promoter   worker.Promoter
	Blobs      crawler.BlobStore
	Hasher     crawler.Hasher
	Proxies    crawler.ProxySource
	Identities crawler.IdentitySource
	Limiter    worker.DomainWaiter
	Policy     crawler.RetryPolicy
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
	Listener   events.Listener
}

// schemaEnsurer is implemented by stores that need DDL before first use.
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Queue owns the job lifecycle. The zero value is not usable; call New.
type Queue struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	active *worker.ActiveSet
	wake   *worker.Signal

	mu      sync.Mutex
	ready   atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	stopped bool
}

// New constructs a Queue. Nothing runs until Start.
func New(deps Deps, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if deps.Listener == nil {
		deps.Listener = events.Nop
	}
	return &Queue{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("queue"),
		active: worker.NewActiveSet(),
		wake:   worker.NewSignal(),
	}
}

// Start prepares the store and launches the workers and sweeps. The pool keeps
// running after ctx is done; use Close to stop it.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Load() {
		return nil
	}
	if q.stopped {
		return fmt.Errorf("queue closed: %w", crawler.ErrNotInitialized)
	}
	if ensurer, ok := q.deps.Store.(schemaEnsurer); ok {
		if err := ensurer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare job store: %w", err)
		}
	}

	group := dispatcher.New(q.logger)
	for i := range q.cfg.Concurrency {
		name := "worker-" + strconv.Itoa(i+1)
		group.Add(name, worker.New(name, q.workerDeps(), worker.Config{
			PollInterval:       q.cfg.PollInterval,
			ClaimCheckInterval: q.cfg.ClaimCheckInterval,
			BlobPrefix:         q.cfg.BlobPrefix,
		}, q.logger))
	}
	group.Add("stall_monitor", recovery.NewStallMonitor(
		q.deps.Store, q.active, q.wake, q.deps.Listener, q.deps.Clock, q.cfg.Stall, q.logger))
	group.Add("retention", recovery.NewRetentionSweeper(q.deps.Store, q.deps.Clock, q.cfg.Retention, q.logger))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		if err := group.Run(runCtx); err != nil {
			q.logger.Error("worker pool stopped", zap.Error(err))
			q.mu.Lock()
			q.runErr = err
			q.mu.Unlock()
		}
	}()
	q.ready.Store(true)
	q.logger.Info("queue started", zap.Int("concurrency", q.cfg.Concurrency))
	return nil
}

func (q *Queue) workerDeps() worker.Deps {
	return worker.Deps{
		Store:      q.deps.Store,
		Scraper:    q.deps.Scraper,
		Headless:   q.deps.Headless,
		Promoter:   q.deps.Promoter,
		Blobs:      q.deps.Blobs,
		Hasher:     q.deps.Hasher,
		Proxies:    q.deps.Proxies,
		Identities: q.deps.Identities,
		Limiter:    q.deps.Limiter,
		Policy:     q.deps.Policy,
		IDs:        q.deps.IDs,
		Clock:      q.deps.Clock,
		Active:     q.active,
		Wake:       q.wake,
		Listener:   q.deps.Listener,
	}
}

// Ready reports whether Start has completed and Close has not been called.
func (q *Queue) Ready() bool {
	return q.ready.Load()
}

// Close stops workers and sweeps and waits for them, or for ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.ready.Store(false)
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue close: %w", ctx.Err())
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runErr
}

// Submit validates and stores a new waiting job.
func (q *Queue) Submit(ctx context.Context, rawURL string, opts crawler.JobOptions) (crawler.JobHandle, error) {
	if !q.Ready() {
		return crawler.JobHandle{}, crawler.ErrNotInitialized
	}
	target, err := crawler.ValidateTarget(rawURL)
	if err != nil {
		return crawler.JobHandle{}, err
	}
	id, err := q.deps.IDs.NewID()
	if err != nil {
		return crawler.JobHandle{}, fmt.Errorf("job id: %w", err)
	}
	now := q.deps.Clock.Now()
	job := crawler.Job{
		ID:          id,
		URL:         target,
		Options:     q.applyDefaults(opts),
		State:       crawler.JobStateWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	if err := q.deps.Store.CreateJob(ctx, job); err != nil {
		return crawler.JobHandle{}, fmt.Errorf("create job: %w", err)
	}
	q.deps.Listener.Notify(events.FromJob(events.JobCreated, job, now))
	q.wake.Broadcast()
	q.logger.Debug("job submitted", zap.String("job_id", id), zap.String("url", target))
	return crawler.JobHandle{ID: id, State: job.State}, nil
}

// applyDefaults fills unset options from the queue config before the
// built-in defaults.
func (q *Queue) applyDefaults(opts crawler.JobOptions) crawler.JobOptions {
	if opts.TimeoutMs <= 0 && q.cfg.DefaultTimeoutMs > 0 {
		opts.TimeoutMs = q.cfg.DefaultTimeoutMs
	}
	if opts.MaxRetries == 0 && q.cfg.DefaultMaxRetries != 0 {
		opts.MaxRetries = q.cfg.DefaultMaxRetries
	}
	return opts.WithDefaults()
}

// Get returns the job with id.
func (q *Queue) Get(ctx context.Context, id string) (crawler.Job, error) {
	if !q.Ready() {
		return crawler.Job{}, crawler.ErrNotInitialized
	}
	job, err := q.deps.Store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns one page of jobs, oldest first.
func (q *Queue) List(ctx context.Context, filter crawler.ListFilter) (crawler.JobPage, error) {
	if !q.Ready() {
		return crawler.JobPage{}, crawler.ErrNotInitialized
	}
	if filter.State != "" && !filter.State.Valid() {
		return crawler.JobPage{}, fmt.Errorf("%w: unknown state %q", crawler.ErrInvalidRequest, filter.State)
	}
	page, err := q.deps.Store.ListJobs(ctx, filter.Normalize())
	if err != nil {
		return crawler.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	return page, nil
}

// Retry sends a failed or stalled job back to waiting and counts the attempt.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if !q.Ready() {
		return crawler.ErrNotInitialized
	}
	job, err := q.deps.Store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	retryable := []crawler.JobState{crawler.JobStateFailed, crawler.JobStateStalled}
	if !slices.Contains(retryable, job.State) {
		return fmt.Errorf("retry job %s in state %s: %w", id, job.State, crawler.ErrInvalidState)
	}
	if job.AttemptsMade >= job.Options.MaxRetries {
		return fmt.Errorf("retry job %s after %d attempts: %w", id, job.AttemptsMade, crawler.ErrMaxRetriesExceeded)
	}
	if _, err := q.deps.Store.Resolve(ctx, id, retryable, crawler.JobStateWaiting, "", true, q.deps.Clock.Now()); err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	q.wake.Broadcast()
	q.logger.Info("job retried", zap.String("job_id", id), zap.Int("attempts_made", job.AttemptsMade+1))
	return nil
}

// Cancel fails a job that has not finished. A running attempt is aborted and
// its late result is discarded by the claim check.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if !q.Ready() {
		return crawler.ErrNotInitialized
	}
	now := q.deps.Clock.Now()
	from := []crawler.JobState{
		crawler.JobStateWaiting,
		crawler.JobStateDelayed,
		crawler.JobStateActive,
		crawler.JobStateStalled,
	}
	job, err := q.deps.Store.Resolve(ctx, id, from, crawler.JobStateFailed, crawler.ReasonCancelled, false, now)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidState) {
			return fmt.Errorf("cancel job %s in state %s: %w", id, job.State, crawler.ErrInvalidState)
		}
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	q.active.Cancel(id)
	metrics.ObserveJob(string(crawler.JobStateFailed))
	q.deps.Listener.Notify(events.FromJob(events.JobFailed, job, now))
	q.logger.Info("job cancelled", zap.String("job_id", id))
	return nil
}

// Active reports how many attempts are running right now.
func (q *Queue) Active() int {
	return q.active.Len()
}
