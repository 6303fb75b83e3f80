package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/recovery"
	"github.com/JakeFAU/scrapeq/internal/storage/memory"
)

type scrapeFunc func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error)

func (f scrapeFunc) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
	return f(ctx, req)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Notify(evt events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) count(names ...events.Name) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, evt := range l.events {
		for _, name := range names {
			if evt.Name == name {
				n++
			}
		}
	}
	return n
}

func instant(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
	return crawler.ScrapeResult{URL: req.URL, Status: 200, Fields: map[string]string{}}, nil
}

// blockUntilCancelled hangs every scrape until its context ends.
func blockUntilCancelled(ctx context.Context, _ crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
	<-ctx.Done()
	return crawler.ScrapeResult{}, ctx.Err()
}

func newQueue(t *testing.T, scraper crawler.Scraper, listener events.Listener, cfg Config) (*Queue, *memory.JobStore) {
	t.Helper()
	store := memory.NewJobStore()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	q := New(Deps{
		Store:    store,
		Scraper:  scraper,
		Policy:   crawler.NewExponentialRetryPolicy(time.Millisecond, 5*time.Millisecond),
		IDs:      uuid.New(),
		Clock:    system.New(),
		Listener: listener,
	}, cfg, nil)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, q.Close(ctx))
	})
	return q, store
}

func waitForState(t *testing.T, q *Queue, id string, state crawler.JobState) crawler.Job {
	t.Helper()
	var job crawler.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 3*time.Second, 5*time.Millisecond)
	return job
}

func TestQueueRejectsBeforeStart(t *testing.T) {
	t.Parallel()

	q := New(Deps{Store: memory.NewJobStore()}, Config{}, nil)
	require.False(t, q.Ready())
	_, err := q.Submit(context.Background(), "https://shop.example/p/1", crawler.JobOptions{})
	require.ErrorIs(t, err, crawler.ErrNotInitialized)
	_, err = q.Get(context.Background(), "x")
	require.ErrorIs(t, err, crawler.ErrNotInitialized)
	require.ErrorIs(t, q.Retry(context.Background(), "x"), crawler.ErrNotInitialized)
	require.ErrorIs(t, q.Cancel(context.Background(), "x"), crawler.ErrNotInitialized)
	require.NoError(t, q.Close(context.Background()))
}

func TestQueueSubmitValidatesURL(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, scrapeFunc(instant), nil, Config{})
	_, err := q.Submit(context.Background(), "ftp://shop.example/file", crawler.JobOptions{})
	require.ErrorIs(t, err, crawler.ErrInvalidRequest)
	_, err = q.Get(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestQueueSubmitAppliesConfiguredDefaults(t *testing.T) {
	t.Parallel()

	q, store := newQueue(t, scrapeFunc(blockUntilCancelled), nil, Config{
		Concurrency:       1,
		DefaultTimeoutMs:  1500,
		DefaultMaxRetries: 7,
	})
	handle, err := q.Submit(context.Background(), "https://shop.example/p/1", crawler.JobOptions{})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateWaiting, handle.State)

	job, err := store.GetJob(context.Background(), handle.ID)
	require.NoError(t, err)
	require.Equal(t, 1500, job.Options.TimeoutMs)
	require.Equal(t, 7, job.Options.MaxRetries)
	require.NotNil(t, job.Options.Selectors)
}

func TestQueueEndToEndEmitsTerminalEvents(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	var inFlight, peak atomic.Int32
	scraper := scrapeFunc(func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return instant(ctx, req)
	})
	q, _ := newQueue(t, scraper, log, Config{Concurrency: 2})

	ids := make([]string, 0, 3)
	for _, u := range []string{"https://shop.example/p/1", "https://shop.example/p/2", "https://shop.example/p/3"} {
		handle, err := q.Submit(context.Background(), u, crawler.JobOptions{})
		require.NoError(t, err)
		ids = append(ids, handle.ID)
	}
	for _, id := range ids {
		job := waitForState(t, q, id, crawler.JobStateCompleted)
		require.Equal(t, crawler.ProgressFinished, job.Progress)
	}
	require.Eventually(t, func() bool {
		return log.count(events.JobCompleted, events.JobFailed) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, log.count(events.JobCreated))
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.Zero(t, q.Active())

	page, err := q.List(context.Background(), crawler.ListFilter{State: crawler.JobStateCompleted})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
}

func TestQueueStallRecoveryFreesSlot(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	scraper := scrapeFunc(func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		if calls.Add(1) == 1 {
			return blockUntilCancelled(ctx, req)
		}
		return instant(ctx, req)
	})
	log := &eventLog{}
	q, _ := newQueue(t, scraper, log, Config{
		Concurrency: 1,
		Stall:       recovery.StallConfig{Interval: 10 * time.Millisecond, Threshold: 50 * time.Millisecond},
	})

	hung, err := q.Submit(context.Background(), "https://shop.example/p/hung", crawler.JobOptions{})
	require.NoError(t, err)
	waitForState(t, q, hung.ID, crawler.JobStateActive)
	next, err := q.Submit(context.Background(), "https://shop.example/p/next", crawler.JobOptions{})
	require.NoError(t, err)

	stalled := waitForState(t, q, hung.ID, crawler.JobStateFailed)
	require.Equal(t, crawler.ReasonStalled, stalled.FailureReason)
	waitForState(t, q, next.ID, crawler.JobStateCompleted)

	// The hung attempt's late failure lost its claim and did not overwrite recovery.
	stalled, err = q.Get(context.Background(), hung.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonStalled, stalled.FailureReason)
}

func TestQueueStallRecoveryWithClaimChecks(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	q, _ := newQueue(t, scrapeFunc(blockUntilCancelled), log, Config{
		Concurrency:        1,
		ClaimCheckInterval: 10 * time.Millisecond,
		Stall:              recovery.StallConfig{Interval: 10 * time.Millisecond, Threshold: 50 * time.Millisecond},
	})

	hung, err := q.Submit(context.Background(), "https://shop.example/p/hung", crawler.JobOptions{TimeoutMs: 5000})
	require.NoError(t, err)

	stalled := waitForState(t, q, hung.ID, crawler.JobStateFailed)
	require.Equal(t, crawler.ReasonStalled, stalled.FailureReason)
	require.Eventually(t, func() bool { return q.active.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return log.count(events.JobFailed) == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueueRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	scraper := scrapeFunc(func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		if calls.Add(1) == 1 {
			return crawler.ScrapeResult{}, crawler.ErrInvalidRequest
		}
		return instant(ctx, req)
	})
	q, _ := newQueue(t, scraper, nil, Config{Concurrency: 1})

	handle, err := q.Submit(context.Background(), "https://shop.example/p/1", crawler.JobOptions{MaxRetries: 2})
	require.NoError(t, err)
	failed := waitForState(t, q, handle.ID, crawler.JobStateFailed)
	require.Zero(t, failed.AttemptsMade)

	require.NoError(t, q.Retry(context.Background(), handle.ID))
	done := waitForState(t, q, handle.ID, crawler.JobStateCompleted)
	require.Equal(t, 1, done.AttemptsMade)

	require.ErrorIs(t, q.Retry(context.Background(), handle.ID), crawler.ErrInvalidState)
	require.ErrorIs(t, q.Retry(context.Background(), "missing"), crawler.ErrNotFound)
}

func TestQueueRetryRespectsCeiling(t *testing.T) {
	t.Parallel()

	scraper := scrapeFunc(func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		return crawler.ScrapeResult{}, errors.New("upstream exploded")
	})
	q, _ := newQueue(t, scraper, nil, Config{Concurrency: 1})

	handle, err := q.Submit(context.Background(), "https://shop.example/p/1", crawler.JobOptions{MaxRetries: -1})
	require.NoError(t, err)
	waitForState(t, q, handle.ID, crawler.JobStateFailed)
	require.ErrorIs(t, q.Retry(context.Background(), handle.ID), crawler.ErrMaxRetriesExceeded)
}

func TestQueueCancel(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	q, _ := newQueue(t, scrapeFunc(blockUntilCancelled), log, Config{Concurrency: 1})

	running, err := q.Submit(context.Background(), "https://shop.example/p/1", crawler.JobOptions{})
	require.NoError(t, err)
	waitForState(t, q, running.ID, crawler.JobStateActive)
	queued, err := q.Submit(context.Background(), "https://shop.example/p/2", crawler.JobOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(context.Background(), queued.ID))
	job, err := q.Get(context.Background(), queued.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateFailed, job.State)
	require.Equal(t, crawler.ReasonCancelled, job.FailureReason)

	require.NoError(t, q.Cancel(context.Background(), running.ID))
	require.Eventually(t, func() bool { return q.Active() == 0 }, time.Second, 5*time.Millisecond)
	job, err = q.Get(context.Background(), running.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.ReasonCancelled, job.FailureReason)

	require.ErrorIs(t, q.Cancel(context.Background(), running.ID), crawler.ErrInvalidState)
	require.ErrorIs(t, q.Cancel(context.Background(), "missing"), crawler.ErrNotFound)
	require.Equal(t, 2, log.count(events.JobFailed))
}

func TestQueueListRejectsUnknownState(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, scrapeFunc(instant), nil, Config{})
	_, err := q.List(context.Background(), crawler.ListFilter{State: "paused"})
	require.ErrorIs(t, err, crawler.ErrInvalidRequest)
}
