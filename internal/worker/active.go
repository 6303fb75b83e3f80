package worker

import (
	"context"
	"sync"
)

// ActiveSet tracks the cancel function of every job a worker is running so
// that Cancel and the stall monitor can free the slot.
type ActiveSet struct {
	mu   sync.Mutex
	jobs map[string]activeJob
}

type activeJob struct {
	claimID string
	cancel  context.CancelFunc
}

// NewActiveSet returns an empty registry.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{jobs: make(map[string]activeJob)}
}

// Register records the cancel function for a claimed job.
func (s *ActiveSet) Register(jobID, claimID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = activeJob{claimID: claimID, cancel: cancel}
}

// Cancel cancels the running attempt of jobID, whatever its claim.
func (s *ActiveSet) Cancel(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		job.cancel()
	}
	return ok
}

// CancelClaim cancels jobID only while claimID still holds it.
func (s *ActiveSet) CancelClaim(jobID, claimID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok || job.claimID != claimID {
		return false
	}
	job.cancel()
	return true
}

// Remove forgets jobID if claimID still holds it.
func (s *ActiveSet) Remove(jobID, claimID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.claimID == claimID {
		delete(s.jobs, jobID)
	}
}

// Len reports how many attempts are running.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
