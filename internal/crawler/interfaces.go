package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs. Every mutation after ClaimNext is conditional on the
// claim ID so that a worker that lost its claim cannot overwrite recovery.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter ListFilter) (JobPage, error)
	// ClaimNext atomically moves the oldest runnable job to active.
	// It returns ErrNotFound when nothing is runnable.
	ClaimNext(ctx context.Context, claimID string, now time.Time) (Job, error)
	UpdateProgress(ctx context.Context, jobID, claimID string, progress int, now time.Time) error
	Complete(ctx context.Context, jobID, claimID string, result ScrapeResult, now time.Time) error
	Fail(ctx context.Context, jobID, claimID string, reason string, now time.Time) error
	Delay(ctx context.Context, jobID, claimID string, reason string, availableAt, now time.Time) error
	// MarkStalled moves an active job to stalled when its claim still matches.
	MarkStalled(ctx context.Context, jobID, claimID string, now time.Time) error
	// Resolve moves a job out of one of the from states. Used by cancel, retry
	// and stall recovery; the returned job reflects the new state.
	Resolve(ctx context.Context, jobID string, from []JobState, to JobState, reason string, bumpAttempts bool, now time.Time) (Job, error)
	ListStale(ctx context.Context, before time.Time) ([]Job, error)
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes event payloads to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Scraper extracts fields from a page.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResult, error)
}

// Renderer fetches a page and returns its links.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResponse, error)
}

// CaptchaSolver returns a response token for a challenge.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge Challenge) (string, error)
}

// ProxySource hands out proxies and records bans. Ban targets a specific
// proxy so concurrent callers never ban a proxy issued to someone else.
type ProxySource interface {
	Next() (Proxy, error)
	Ban(proxy Proxy)
	BanCurrent()
}

// IdentitySource hands out user-agent strings.
type IdentitySource interface {
	Next() (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
