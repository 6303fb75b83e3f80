// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

// JobStore keeps jobs in a map guarded by a single mutex, which makes every
// claim and transition atomic.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	order []string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrAlreadyExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	s.order = append(s.order, job.ID)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns one page of jobs, oldest first.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.ListFilter) (crawler.JobPage, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matched := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.State == "" || job.State == filter.State {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	page := crawler.JobPage{Jobs: []crawler.Job{}, Page: filter.Page, Limit: filter.Limit, Total: len(matched)}
	start := filter.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+filter.Limit, len(matched))
	for _, job := range matched[start:end] {
		page.Jobs = append(page.Jobs, cloneJob(job))
	}
	return page, nil
}

// ClaimNext moves the oldest runnable job to active. Waiting jobs are always
// runnable; delayed jobs once AvailableAt has passed.
func (s *JobStore) ClaimNext(_ context.Context, claimID string, now time.Time) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		job := s.jobs[id]
		if !runnable(job, now) {
			continue
		}
		job.State = crawler.JobStateActive
		job.ClaimID = claimID
		job.Progress = crawler.ProgressStarted
		job.StartedAt = pointerTime(now)
		job.FinishedAt = nil
		job.UpdatedAt = now
		s.jobs[id] = job
		return cloneJob(job), nil
	}
	return crawler.Job{}, crawler.ErrNotFound
}

func runnable(job crawler.Job, now time.Time) bool {
	switch job.State {
	case crawler.JobStateWaiting:
		return true
	case crawler.JobStateDelayed:
		return !job.AvailableAt.After(now)
	default:
		return false
	}
}

// UpdateProgress records a checkpoint and refreshes UpdatedAt.
func (s *JobStore) UpdateProgress(_ context.Context, jobID, claimID string, progress int, now time.Time) error {
	return s.mutateClaimed(jobID, claimID, func(job *crawler.Job) {
		job.Progress = progress
		job.UpdatedAt = now
	})
}

// Complete stores the result and finishes the job.
func (s *JobStore) Complete(_ context.Context, jobID, claimID string, result crawler.ScrapeResult, now time.Time) error {
	return s.mutateClaimed(jobID, claimID, func(job *crawler.Job) {
		job.State = crawler.JobStateCompleted
		job.Progress = crawler.ProgressFinished
		job.Result = &result
		job.FailureReason = ""
		finish(job, now)
	})
}

// Fail finishes the job with reason.
func (s *JobStore) Fail(_ context.Context, jobID, claimID string, reason string, now time.Time) error {
	return s.mutateClaimed(jobID, claimID, func(job *crawler.Job) {
		job.State = crawler.JobStateFailed
		job.FailureReason = reason
		finish(job, now)
	})
}

// Delay parks the job until availableAt and counts the failed attempt.
func (s *JobStore) Delay(_ context.Context, jobID, claimID string, reason string, availableAt, now time.Time) error {
	return s.mutateClaimed(jobID, claimID, func(job *crawler.Job) {
		job.State = crawler.JobStateDelayed
		job.AttemptsMade++
		job.FailureReason = reason
		job.AvailableAt = availableAt
		job.ClaimID = ""
		job.UpdatedAt = now
	})
}

// MarkStalled moves an active job to stalled.
func (s *JobStore) MarkStalled(_ context.Context, jobID, claimID string, now time.Time) error {
	return s.mutateClaimed(jobID, claimID, func(job *crawler.Job) {
		job.State = crawler.JobStateStalled
		job.ClaimID = ""
		job.UpdatedAt = now
	})
}

// Resolve moves a job out of one of the from states.
func (s *JobStore) Resolve(
	_ context.Context,
	jobID string,
	from []crawler.JobState,
	to crawler.JobState,
	reason string,
	bumpAttempts bool,
	now time.Time,
) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if !slices.Contains(from, job.State) {
		return cloneJob(job), fmt.Errorf("job %s is %s: %w", jobID, job.State, crawler.ErrInvalidState)
	}
	if bumpAttempts {
		job.AttemptsMade++
	}
	job.State = to
	switch to {
	case crawler.JobStateWaiting:
		job.Progress = 0
		job.Result = nil
		job.FailureReason = ""
		job.StartedAt = nil
		job.FinishedAt = nil
		job.AvailableAt = now
		job.ClaimID = ""
		job.UpdatedAt = now
	default:
		job.FailureReason = reason
		finish(&job, now)
	}
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListStale returns active jobs whose UpdatedAt is older than before.
func (s *JobStore) ListStale(_ context.Context, before time.Time) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []crawler.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.State == crawler.JobStateActive && job.UpdatedAt.Before(before) {
			stale = append(stale, cloneJob(job))
		}
	}
	return stale, nil
}

// PurgeFinished deletes terminal jobs that finished before the cutoff.
func (s *JobStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	purged := 0
	for _, id := range s.order {
		job := s.jobs[id]
		if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(before) {
			delete(s.jobs, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return purged, nil
}

func (s *JobStore) mutateClaimed(jobID, claimID string, fn func(job *crawler.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	if job.State != crawler.JobStateActive || job.ClaimID != claimID {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrClaimLost)
	}
	fn(&job)
	s.jobs[jobID] = job
	return nil
}

func finish(job *crawler.Job, now time.Time) {
	job.ClaimID = ""
	job.FinishedAt = pointerTime(now)
	job.UpdatedAt = now
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneJob(job crawler.Job) crawler.Job {
	if job.Options.Selectors != nil {
		selectors := make(map[string]string, len(job.Options.Selectors))
		for k, v := range job.Options.Selectors {
			selectors[k] = v
		}
		job.Options.Selectors = selectors
	}
	if job.Result != nil {
		result := *job.Result
		job.Result = &result
	}
	return job
}
