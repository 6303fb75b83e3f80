package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

// Name identifies the kind of lifecycle notification.
type Name string

// Lifecycle notifications emitted by the queue.
const (
	JobCreated   Name = "job_created"
	JobCompleted Name = "job_completed"
	JobFailed    Name = "job_failed"
)

// Event is a single job lifecycle notification.
type Event struct {
	Name     Name
	JobID    string
	URL      string
	State    crawler.JobState
	Attempts int
	// Reason is set for job_failed.
	Reason string
	// Options is set for job_created.
	Options *crawler.JobOptions
	// Result is set for job_completed.
	Result *crawler.ScrapeResult
	// Duration is the wall time between start and finish of a terminal job.
	Duration time.Duration
	TS       time.Time
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	switch e.Name {
	case JobCreated, JobCompleted, JobFailed:
	default:
		return fmt.Errorf("unknown event %q", e.Name)
	}
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Key identifies the event/job pair, used to suppress identical in-flight
// deliveries.
func (e Event) Key() string {
	return string(e.Name) + "/" + e.JobID
}

// FromJob builds an event from the job record as it stands after a transition.
func FromJob(name Name, job crawler.Job, ts time.Time) Event {
	evt := Event{
		Name:     name,
		JobID:    job.ID,
		URL:      job.URL,
		State:    job.State,
		Attempts: job.AttemptsMade,
		TS:       ts.UTC(),
	}
	switch name {
	case JobCreated:
		opts := job.Options
		evt.Options = &opts
	case JobCompleted:
		evt.Result = job.Result
	case JobFailed:
		evt.Reason = job.FailureReason
	}
	if job.StartedAt != nil && job.FinishedAt != nil && job.FinishedAt.After(*job.StartedAt) {
		evt.Duration = job.FinishedAt.Sub(*job.StartedAt)
	}
	return evt
}

// Envelope is the wire form delivered to external consumers.
type Envelope struct {
	Event     Name      `json:"event"`
	Data      Payload   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the data section of an Envelope.
type Payload struct {
	JobID      string                `json:"job_id"`
	URL        string                `json:"url,omitempty"`
	State      crawler.JobState      `json:"state,omitempty"`
	Attempts   int                   `json:"attempts_made"`
	Options    *crawler.JobOptions   `json:"options,omitempty"`
	Result     *crawler.ScrapeResult `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	DurationMs int64                 `json:"duration_ms,omitempty"`
}

// Envelope converts the event to its wire form.
func (e Event) Envelope() Envelope {
	return Envelope{
		Event: e.Name,
		Data: Payload{
			JobID:      e.JobID,
			URL:        e.URL,
			State:      e.State,
			Attempts:   e.Attempts,
			Options:    e.Options,
			Result:     e.Result,
			Error:      e.Reason,
			DurationMs: e.Duration.Milliseconds(),
		},
		Timestamp: e.TS,
	}
}

// Attributes exposes routing metadata for transports that carry headers
// alongside the body.
func (env Envelope) Attributes() map[string]string {
	return map[string]string{
		"event":  string(env.Event),
		"job_id": env.Data.JobID,
	}
}
