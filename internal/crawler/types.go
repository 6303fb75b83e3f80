// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// JobState represents the lifecycle state of a scrape job.
type JobState string

// Job states persisted in the job store.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
	JobStateStalled   JobState = "stalled"
)

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed, JobStateDelayed, JobStateStalled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state eligible for retention purging.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Progress checkpoints reported by workers.
const (
	ProgressStarted  = 10
	ProgressFetched  = 60
	ProgressFinished = 100
)

// Failure reasons recorded by recovery paths.
const (
	ReasonStalled   = "stalled"
	ReasonCancelled = "cancelled"
)

const (
	defaultJobTimeoutMs  = 60_000
	defaultJobMaxRetries = 3
)

// JobOptions enumerates the per-job knobs a submitter may set.
type JobOptions struct {
	Selectors  map[string]string `json:"selectors,omitempty"`
	SaveResult bool              `json:"save_result"`
	TimeoutMs  int               `json:"timeout_ms"`
	MaxRetries int               `json:"max_retries"`
}

// WithDefaults fills unset fields. A negative MaxRetries disables retries.
func (o JobOptions) WithDefaults() JobOptions {
	if o.Selectors == nil {
		o.Selectors = map[string]string{}
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = defaultJobTimeoutMs
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultJobMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Timeout converts TimeoutMs to a duration.
func (o JobOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Job is the record owned by the job store.
type Job struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	Options       JobOptions    `json:"options"`
	State         JobState      `json:"state"`
	AttemptsMade  int           `json:"attempts_made"`
	Progress      int           `json:"progress"`
	Result        *ScrapeResult `json:"result,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	// UpdatedAt is bumped on every progress report; the stall monitor reads it.
	UpdatedAt time.Time `json:"updated_at"`
	// AvailableAt gates delayed jobs.
	AvailableAt time.Time `json:"-"`
	// ClaimID identifies the worker lifecycle currently holding the job.
	ClaimID string `json:"-"`
}

// JobHandle is returned by submit.
type JobHandle struct {
	ID    string   `json:"id"`
	State JobState `json:"state"`
}

// ListFilter narrows job listings. Page is 1-based.
type ListFilter struct {
	State JobState
	Page  int
	Limit int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Normalize clamps Page to at least 1 and Limit to [1, 500], defaulting to 50.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	return f
}

// Offset is the number of rows skipped before the page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs  []Job `json:"jobs"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int   `json:"total"`
}

// ScrapeRequest is handed to the scrape capability.
type ScrapeRequest struct {
	URL      string
	Options  JobOptions
	Proxy    *Proxy
	Identity string
}

// ScrapeResult holds extracted fields.
type ScrapeResult struct {
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	Title       string            `json:"title,omitempty"`
	Fields      map[string]string `json:"fields"`
	Headless    bool              `json:"headless"`
	ContentHash string            `json:"content_hash,omitempty"`
	// StorageURI points at the saved result document, PageURI at the raw page.
	StorageURI string    `json:"storage_uri,omitempty"`
	PageURI    string    `json:"page_uri,omitempty"`
	ScrapedAt  time.Time `json:"scraped_at"`
	// Body is the raw document; it is persisted separately, never inline.
	Body []byte `json:"-"`
}

// Proxy is an upstream proxy endpoint.
type Proxy struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`
}

// Key identifies the proxy in the ban set.
func (p Proxy) Key() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL renders the proxy as scheme://[user:pass@]host:port with the
// credentials percent-encoded.
func (p Proxy) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: p.Key()}
	switch {
	case p.Username != "" && p.Password != "":
		u.User = url.UserPassword(p.Username, p.Password)
	case p.Username != "":
		u.User = url.User(p.Username)
	}
	return u.String()
}

// FrontierEntry is one unit of crawl work.
type FrontierEntry struct {
	URL   string
	Depth int
}

// DiscoverParams bounds a crawl.
type DiscoverParams struct {
	MaxDepth          int           `json:"depth"`
	MaxURLs           int           `json:"max_urls"`
	Include           []string      `json:"patterns"`
	Exclude           []string      `json:"exclude_patterns"`
	PerRequestTimeout time.Duration `json:"-"`
	Timeout           time.Duration `json:"-"`
}

// DiscoverResult is the deduplicated URL set found by a crawl.
type DiscoverResult struct {
	URLs  []string `json:"urls"`
	Total int      `json:"total"`
}

// RenderRequest is handed to the render capability.
type RenderRequest struct {
	URL      string
	Proxy    *Proxy
	Identity string
	Timeout  time.Duration
}

// RenderResponse carries the rendered document and its outbound links.
type RenderResponse struct {
	URL    string
	Status int
	HTML   []byte
	Links  []string
}

// Challenge describes a CAPTCHA found on a page.
type Challenge struct {
	Kind    string
	SiteKey string
	PageURL string
}
