package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/id/uuid"
	"github.com/JakeFAU/scrapeq/internal/storage/memory"
)

type scrapeFunc func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error)

func (f scrapeFunc) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
	return f(ctx, req)
}

type promoteAll bool

func (p promoteAll) ShouldPromote(int, []byte) bool { return bool(p) }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type stubProxies struct {
	mu     sync.Mutex
	proxy  crawler.Proxy
	banned []string
}

func (s *stubProxies) Next() (crawler.Proxy, error) { return s.proxy, nil }

func (s *stubProxies) Ban(p crawler.Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned = append(s.banned, p.Key())
}

func (s *stubProxies) BanCurrent() {}

func (s *stubProxies) bans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.banned...)
}

func okScraper(body string) scrapeFunc {
	return func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		return crawler.ScrapeResult{
			URL:    req.URL,
			Status: 200,
			Title:  "Widget",
			Fields: map[string]string{"price": "9.99"},
			Body:   []byte(body),
		}, nil
	}
}

func testDeps(store *memory.JobStore, scraper crawler.Scraper, listener events.Listener) Deps {
	return Deps{
		Store:    store,
		Scraper:  scraper,
		Policy:   crawler.NewExponentialRetryPolicy(time.Millisecond, 5*time.Millisecond),
		IDs:      uuid.New(),
		Clock:    system.New(),
		Listener: listener,
	}
}

func seed(t *testing.T, store *memory.JobStore, id string, opts crawler.JobOptions) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(context.Background(), crawler.Job{
		ID:        id,
		URL:       "https://shop.example/p/" + id,
		Options:   opts.WithDefaults(),
		State:     crawler.JobStateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitForState(t *testing.T, store *memory.JobStore, id string, state crawler.JobState) crawler.Job {
	t.Helper()
	var job crawler.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), id)
		return err == nil && job.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	rec := &recorder{}
	seed(t, store, "job-1", crawler.JobOptions{})

	startWorker(t, New("w1", testDeps(store, okScraper("<html></html>"), rec), Config{PollInterval: 5 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateCompleted)
	require.Equal(t, crawler.ProgressFinished, job.Progress)
	require.NotNil(t, job.Result)
	require.Equal(t, "9.99", job.Result.Fields["price"])
	require.Empty(t, job.Result.StorageURI)
	require.Nil(t, job.Result.Body)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	evt := rec.snapshot()[0]
	require.Equal(t, events.JobCompleted, evt.Name)
	require.Equal(t, "job-1", evt.JobID)
	require.NotNil(t, evt.Result)
}

func TestWorkerSavesResultAndPage(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	blobs := memory.NewBlobStore()
	seed(t, store, "job-1", crawler.JobOptions{SaveResult: true})

	deps := testDeps(store, okScraper("<html>widget</html>"), nil)
	deps.Blobs = blobs
	deps.Hasher = sha256.New()
	startWorker(t, New("w1", deps, Config{PollInterval: 5 * time.Millisecond, BlobPrefix: "/pages/"}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateCompleted)
	require.NotEmpty(t, job.Result.ContentHash)
	require.Equal(t, "memory://pages/job-1.json", job.Result.StorageURI)
	require.Equal(t, "memory://pages/job-1/"+job.Result.ContentHash+".html", job.Result.PageURI)

	page, ok := blobs.Object("pages/job-1/" + job.Result.ContentHash + ".html")
	require.True(t, ok)
	require.Equal(t, "<html>widget</html>", string(page))
	doc, ok := blobs.Object("pages/job-1.json")
	require.True(t, ok)
	require.Contains(t, string(doc), `"price":"9.99"`)
	require.Equal(t, "application/json", blobs.ContentType("pages/job-1.json"))
	require.Len(t, blobs.Paths("pages/job-1"), 2)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	rec := &recorder{}
	seed(t, store, "job-1", crawler.JobOptions{MaxRetries: 2})

	var mu sync.Mutex
	calls := 0
	scraper := scrapeFunc(func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return crawler.ScrapeResult{}, crawler.NewNetworkError("dial", errors.New("connection refused"))
	})
	startWorker(t, New("w1", testDeps(store, scraper, rec), Config{PollInterval: 2 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateFailed)
	require.Equal(t, 2, job.AttemptsMade)
	require.Contains(t, job.FailureReason, crawler.ErrMaxRetriesExceeded.Error())
	mu.Lock()
	require.Equal(t, 3, calls)
	mu.Unlock()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, events.JobFailed, rec.snapshot()[0].Name)
	require.Equal(t, job.FailureReason, rec.snapshot()[0].Reason)
}

func TestWorkerRetriesServerErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{MaxRetries: 3})
	proxies := &stubProxies{proxy: crawler.Proxy{Host: "10.0.0.1", Port: 3128}}

	var mu sync.Mutex
	calls := 0
	scraper := scrapeFunc(func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return crawler.ScrapeResult{URL: req.URL, Status: 503, Body: []byte("maintenance")}, nil
		}
		return okScraper("<html></html>")(ctx, req)
	})
	deps := testDeps(store, scraper, nil)
	deps.Proxies = proxies
	startWorker(t, New("w1", deps, Config{PollInterval: 2 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateCompleted)
	require.Equal(t, 1, job.AttemptsMade)
	require.NotNil(t, job.Result)
	require.Equal(t, 200, job.Result.Status)
	require.Empty(t, proxies.bans(), "server errors do not ban the proxy")
}

func TestWorkerFailsPersistentServerErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{MaxRetries: 1})
	scraper := scrapeFunc(func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		return crawler.ScrapeResult{URL: req.URL, Status: 502}, nil
	})
	startWorker(t, New("w1", testDeps(store, scraper, nil), Config{PollInterval: 2 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateFailed)
	require.Nil(t, job.Result)
	require.Contains(t, job.FailureReason, crawler.ErrMaxRetriesExceeded.Error())
	require.Contains(t, job.FailureReason, "upstream status 502")
}

func TestWorkerFailsImmediatelyOnInvalidRequest(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{MaxRetries: 5})
	scraper := scrapeFunc(func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		return crawler.ScrapeResult{}, crawler.ErrInvalidRequest
	})
	startWorker(t, New("w1", testDeps(store, scraper, nil), Config{PollInterval: 5 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateFailed)
	require.Zero(t, job.AttemptsMade)
}

func TestWorkerBansProxyOnBlock(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{MaxRetries: -1})
	proxies := &stubProxies{proxy: crawler.Proxy{Host: "10.0.0.1", Port: 3128}}
	scraper := scrapeFunc(func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		if req.Proxy == nil {
			return crawler.ScrapeResult{}, crawler.ErrInvalidRequest
		}
		return crawler.ScrapeResult{URL: req.URL, Status: 403}, nil
	})
	deps := testDeps(store, scraper, nil)
	deps.Proxies = proxies
	startWorker(t, New("w1", deps, Config{PollInterval: 5 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateFailed)
	require.Contains(t, job.FailureReason, "blocked: status 403")
	require.Equal(t, []string{"10.0.0.1:3128"}, proxies.bans())
}

func TestWorkerPromotesToHeadless(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{})
	headless := scrapeFunc(func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		return crawler.ScrapeResult{URL: req.URL, Status: 200, Title: "Rendered"}, nil
	})
	deps := testDeps(store, okScraper(`<div id="root"></div>`), nil)
	deps.Headless = headless
	deps.Promoter = promoteAll(true)
	startWorker(t, New("w1", deps, Config{PollInterval: 5 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateCompleted)
	require.True(t, job.Result.Headless)
	require.Equal(t, "Rendered", job.Result.Title)
}

func TestWorkerKeepsPrimaryResultWhenPromotionFails(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{})
	headless := scrapeFunc(func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		return crawler.ScrapeResult{}, errors.New("chrome crashed")
	})
	deps := testDeps(store, okScraper("<html></html>"), nil)
	deps.Headless = headless
	deps.Promoter = promoteAll(true)
	startWorker(t, New("w1", deps, Config{PollInterval: 5 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateCompleted)
	require.False(t, job.Result.Headless)
	require.Equal(t, "Widget", job.Result.Title)
}

func TestWorkerTimesOutSlowScrape(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{TimeoutMs: 20, MaxRetries: -1})
	scraper := scrapeFunc(func(ctx context.Context, _ crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		<-ctx.Done()
		return crawler.ScrapeResult{}, ctx.Err()
	})
	startWorker(t, New("w1", testDeps(store, scraper, nil), Config{PollInterval: 5 * time.Millisecond}, nil))

	job := waitForState(t, store, "job-1", crawler.JobStateFailed)
	require.Contains(t, job.FailureReason, crawler.ErrTimeout.Error())
}

func TestWorkerClaimCheckDoesNotRefreshUpdatedAt(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{})
	release := make(chan struct{})
	scraper := scrapeFunc(func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return crawler.ScrapeResult{}, ctx.Err()
		}
		return crawler.ScrapeResult{URL: req.URL, Status: 200}, nil
	})
	startWorker(t, New("w1", testDeps(store, scraper, nil), Config{
		PollInterval:       5 * time.Millisecond,
		ClaimCheckInterval: 5 * time.Millisecond,
	}, nil))

	claimed := waitForState(t, store, "job-1", crawler.JobStateActive)
	time.Sleep(50 * time.Millisecond)
	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateActive, job.State)
	require.True(t, job.UpdatedAt.Equal(claimed.UpdatedAt), "a hung scrape makes no progress")
	require.Equal(t, crawler.ProgressStarted, job.Progress)

	close(release)
	waitForState(t, store, "job-1", crawler.JobStateCompleted)
}

func TestWorkerAbandonsAttemptWhenClaimIsTakenElsewhere(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{})
	abandoned := make(chan struct{})
	scraper := scrapeFunc(func(ctx context.Context, _ crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		<-ctx.Done()
		close(abandoned)
		return crawler.ScrapeResult{}, ctx.Err()
	})
	startWorker(t, New("w1", testDeps(store, scraper, nil), Config{
		PollInterval:       5 * time.Millisecond,
		ClaimCheckInterval: 5 * time.Millisecond,
	}, nil))

	// A stall monitor in another process has no handle on this worker's
	// context; only the store changes.
	claimed := waitForState(t, store, "job-1", crawler.JobStateActive)
	require.NoError(t, store.MarkStalled(context.Background(), "job-1", claimed.ClaimID, time.Now().UTC()))

	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Fatal("scrape was not cancelled after the claim moved")
	}
	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateStalled, job.State, "the stale attempt does not overwrite recovery")
}

func TestWorkerReleasesJobOnShutdown(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	seed(t, store, "job-1", crawler.JobOptions{})
	started := make(chan struct{})
	scraper := scrapeFunc(func(ctx context.Context, _ crawler.ScrapeRequest) (crawler.ScrapeResult, error) {
		close(started)
		<-ctx.Done()
		return crawler.ScrapeResult{}, ctx.Err()
	})
	cancel := startWorker(t, New("w1", testDeps(store, scraper, nil), Config{PollInterval: 5 * time.Millisecond}, nil))

	<-started
	cancel()
	job := waitForState(t, store, "job-1", crawler.JobStateWaiting)
	require.Zero(t, job.AttemptsMade)
	require.Empty(t, job.ClaimID)
}

func TestWorkerWakesOnSignal(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	wake := NewSignal()
	deps := testDeps(store, okScraper(""), nil)
	deps.Wake = wake
	startWorker(t, New("w1", deps, Config{PollInterval: time.Hour}, nil))

	// Give the worker time to find the queue empty and park.
	time.Sleep(20 * time.Millisecond)
	seed(t, store, "job-1", crawler.JobOptions{})
	wake.Broadcast()
	waitForState(t, store, "job-1", crawler.JobStateCompleted)
}

func TestActiveSetCancelClaim(t *testing.T) {
	t.Parallel()

	set := NewActiveSet()
	ctx, cancel := context.WithCancel(context.Background())
	set.Register("job-1", "claim-a", cancel)

	require.False(t, set.CancelClaim("job-1", "claim-b"))
	require.NoError(t, ctx.Err())
	require.True(t, set.CancelClaim("job-1", "claim-a"))
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	set.Remove("job-1", "claim-b")
	require.Equal(t, 1, set.Len())
	set.Remove("job-1", "claim-a")
	require.Zero(t, set.Len())
	require.False(t, set.Cancel("job-1"))
}
