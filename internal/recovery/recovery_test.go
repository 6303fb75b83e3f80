package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
	"github.com/JakeFAU/scrapeq/internal/storage/memory"
)

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type cancelRecorder struct {
	mu     sync.Mutex
	claims []string
}

func (c *cancelRecorder) CancelClaim(jobID, claimID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = append(c.claims, jobID+"/"+claimID)
	return true
}

type wakeCounter struct {
	mu sync.Mutex
	n  int
}

func (w *wakeCounter) Broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
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

func claimedJob(t *testing.T, store *memory.JobStore, id string, maxRetries int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{
		ID:        id,
		URL:       "https://shop.example/p/" + id,
		Options:   crawler.JobOptions{MaxRetries: maxRetries}.WithDefaults(),
		State:     crawler.JobStateWaiting,
		CreatedAt: t0,
		UpdatedAt: t0,
	}))
	job, err := store.ClaimNext(ctx, "claim-"+id, t0)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
}

func TestStallMonitorFailsStalledJob(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	claimedJob(t, store, "a", 3)
	clock := system.NewManual(t0.Add(time.Minute))
	active := &cancelRecorder{}
	log := &eventLog{}
	monitor := NewStallMonitor(store, active, nil, log, clock, StallConfig{Threshold: 30 * time.Second}, nil)

	n, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := store.GetJob(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateFailed, job.State)
	require.Equal(t, crawler.ReasonStalled, job.FailureReason)
	require.Equal(t, []string{"a/claim-a"}, active.claims)
	require.Len(t, log.events, 1)
	require.Equal(t, events.JobFailed, log.events[0].Name)
	require.Equal(t, crawler.ReasonStalled, log.events[0].Reason)

	err = store.Complete(context.Background(), "a", "claim-a", crawler.ScrapeResult{}, clock.Now())
	require.ErrorIs(t, err, crawler.ErrClaimLost, "the stale worker cannot overwrite recovery")
}

func TestStallMonitorRequeuesWhenAttemptsRemain(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	claimedJob(t, store, "a", 3)
	wake := &wakeCounter{}
	log := &eventLog{}
	monitor := NewStallMonitor(store, nil, wake, log, system.NewManual(t0.Add(time.Minute)),
		StallConfig{Threshold: 30 * time.Second, Requeue: true}, nil)

	n, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := store.GetJob(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateWaiting, job.State)
	require.Equal(t, 1, job.AttemptsMade)
	require.Equal(t, 1, wake.n)
	require.Empty(t, log.events)
}

func TestStallMonitorRequeueRespectsCeiling(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	claimedJob(t, store, "a", -1)
	monitor := NewStallMonitor(store, nil, nil, nil, system.NewManual(t0.Add(time.Minute)),
		StallConfig{Threshold: 30 * time.Second, Requeue: true}, nil)

	_, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	job, err := store.GetJob(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateFailed, job.State)
}

func TestStallMonitorIgnoresFreshClaims(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	claimedJob(t, store, "a", 3)
	monitor := NewStallMonitor(store, nil, nil, nil, system.NewManual(t0.Add(10 * time.Second)),
		StallConfig{Threshold: 30 * time.Second}, nil)

	n, err := monitor.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	job, err := store.GetJob(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateActive, job.State)
}

func TestStallMonitorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	claimedJob(t, store, "a", 3)
	monitor := NewStallMonitor(store, nil, nil, nil, system.NewManual(t0.Add(time.Hour)),
		StallConfig{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), "a")
		return err == nil && job.State == crawler.JobStateFailed
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRetentionSweeperPurgesOldTerminalJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewJobStore()
	claimedJob(t, store, "old", 3)
	require.NoError(t, store.Complete(ctx, "old", "claim-old", crawler.ScrapeResult{}, t0))
	claimedJob(t, store, "live", 3)

	clock := system.NewManual(t0.Add(time.Hour))
	sweeper := NewRetentionSweeper(store, clock, RetentionConfig{TTL: 2 * time.Hour}, nil)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Set(t0.Add(3 * time.Hour))
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.GetJob(ctx, "old")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.GetJob(ctx, "live")
	require.NoError(t, err)
}
