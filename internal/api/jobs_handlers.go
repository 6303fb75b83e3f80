package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

const lookupTimeout = 3 * time.Second

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	job, err := s.jobs.Get(ctx, chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// listJobs handles GET /v1/jobs?state=&page=&limit=. It returns 400 for
// malformed paging or an unknown state.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	page, err := s.jobs.List(ctx, filter)
	if err != nil {
		s.writeServiceError(w, "list jobs", err)
		return
	}
	views := make([]jobView, 0, len(page.Jobs))
	for _, job := range page.Jobs {
		views = append(views, toJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  views,
		"page":  page.Page,
		"limit": page.Limit,
		"total": page.Total,
	})
}

// retryJob handles POST /v1/jobs/{job_id}/retry.
func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Retry(r.Context(), jobID); err != nil {
		s.writeServiceError(w, "retry job", err)
		return
	}
	s.logger.Info("job retried via API", zap.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "state": string(crawler.JobStateWaiting)})
}

// cancelJob handles DELETE /v1/jobs/{job_id}.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeServiceError(w, "cancel job", err)
		return
	}
	s.logger.Info("job cancelled via API", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "state": string(crawler.JobStateFailed)})
}

func parseListFilter(r *http.Request) (crawler.ListFilter, error) {
	q := r.URL.Query()
	var filter crawler.ListFilter
	if state := strings.ToLower(strings.TrimSpace(q.Get("state"))); state != "" {
		filter.State = crawler.JobState(state)
		if !filter.State.Valid() {
			return filter, errors.New("invalid state")
		}
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page <= 0 {
			return filter, errors.New("invalid page")
		}
		filter.Page = page
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter.Normalize(), nil
}

// jobView is the query shape: result on success, failure_reason otherwise.
type jobView struct {
	ID            string                `json:"id"`
	URL           string                `json:"url"`
	State         crawler.JobState      `json:"state"`
	Progress      int                   `json:"progress"`
	AttemptsMade  int                   `json:"attempts_made"`
	Result        *crawler.ScrapeResult `json:"result,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
}

func toJobView(job crawler.Job) jobView {
	return jobView{
		ID:            job.ID,
		URL:           job.URL,
		State:         job.State,
		Progress:      job.Progress,
		AttemptsMade:  job.AttemptsMade,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
}
