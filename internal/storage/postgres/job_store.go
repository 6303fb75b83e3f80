// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapeq/internal/crawler"
)

const (
	defaultTable        = "scrape_jobs"
	uniqueViolationCode = "23505"
	jobColumns          = `id, url, options, state, attempts_made, progress, result, failure_reason,
	claim_id, created_at, started_at, finished_at, updated_at, available_at`
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists jobs in a single table. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so several processes can share a queue.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &JobStore{pool: p, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table and its claim index when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	options JSONB NOT NULL,
	state TEXT NOT NULL,
	attempts_made INT NOT NULL DEFAULT 0,
	progress INT NOT NULL DEFAULT 0,
	result JSONB,
	failure_reason TEXT NOT NULL DEFAULT '',
	claim_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	available_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_runnable_idx ON %[1]s (state, available_at, created_at);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	available := job.AvailableAt
	if available.IsZero() {
		available = job.CreatedAt
	}
	query := fmt.Sprintf(`INSERT INTO %s (
	id, url, options, state, attempts_made, progress, failure_reason, claim_id, created_at, updated_at, available_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		options,
		string(job.State),
		job.AttemptsMade,
		job.Progress,
		job.FailureReason,
		job.ClaimID,
		job.CreatedAt,
		job.UpdatedAt,
		available,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("job %s: %w", job.ID, crawler.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns one page of jobs, oldest first.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.ListFilter) (crawler.JobPage, error) {
	filter = filter.Normalize()
	page := crawler.JobPage{Jobs: []crawler.Job{}, Page: filter.Page, Limit: filter.Limit}
	state := string(filter.State)

	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s WHERE ($1 = '' OR state = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, countQuery, state).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count jobs: %w", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR state = $1)
ORDER BY created_at, id LIMIT $2 OFFSET $3`, jobColumns, s.table)
	jobs, err := s.queryJobs(ctx, query, state, filter.Limit, filter.Offset())
	if err != nil {
		return page, fmt.Errorf("list jobs: %w", err)
	}
	page.Jobs = append(page.Jobs, jobs...)
	return page, nil
}

// ClaimNext moves the oldest runnable job to active.
func (s *JobStore) ClaimNext(ctx context.Context, claimID string, now time.Time) (crawler.Job, error) {
	query := fmt.Sprintf(`UPDATE %[1]s SET state = 'active', claim_id = $1, progress = $2,
	started_at = $3, finished_at = NULL, updated_at = $3
WHERE id = (
	SELECT id FROM %[1]s
	WHERE state = 'waiting' OR (state = 'delayed' AND available_at <= $3)
	ORDER BY available_at, created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[2]s`, s.table, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, claimID, crawler.ProgressStarted, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// UpdateProgress records a checkpoint and refreshes updated_at.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID, claimID string, progress int, now time.Time) error {
	return s.execClaimed(ctx, jobID, claimID, `progress = $3, updated_at = $4`, progress, now)
}

// Complete stores the result and finishes the job.
func (s *JobStore) Complete(ctx context.Context, jobID, claimID string, result crawler.ScrapeResult, now time.Time) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.execClaimed(ctx, jobID, claimID,
		`state = 'completed', progress = $3, result = $4, failure_reason = '', claim_id = '', finished_at = $5, updated_at = $5`,
		crawler.ProgressFinished, payload, now)
}

// Fail finishes the job with reason.
func (s *JobStore) Fail(ctx context.Context, jobID, claimID string, reason string, now time.Time) error {
	return s.execClaimed(ctx, jobID, claimID,
		`state = 'failed', failure_reason = $3, claim_id = '', finished_at = $4, updated_at = $4`,
		reason, now)
}

// Delay parks the job until availableAt and counts the failed attempt.
func (s *JobStore) Delay(ctx context.Context, jobID, claimID string, reason string, availableAt, now time.Time) error {
	return s.execClaimed(ctx, jobID, claimID,
		`state = 'delayed', attempts_made = attempts_made + 1, failure_reason = $3, available_at = $4, claim_id = '', updated_at = $5`,
		reason, availableAt, now)
}

// MarkStalled moves an active job to stalled.
func (s *JobStore) MarkStalled(ctx context.Context, jobID, claimID string, now time.Time) error {
	return s.execClaimed(ctx, jobID, claimID, `state = 'stalled', claim_id = '', updated_at = $3`, now)
}

// execClaimed runs an UPDATE guarded by the active claim. Zero affected rows
// means the claim is gone (or the job was purged).
func (s *JobStore) execClaimed(ctx context.Context, jobID, claimID, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1 AND claim_id = $2 AND state = 'active'`, s.table, set)
	tag, err := s.pool.Exec(ctx, query, append([]any{jobID, claimID}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrClaimLost)
	}
	return nil
}

// Resolve moves a job out of one of the from states.
func (s *JobStore) Resolve(
	ctx context.Context,
	jobID string,
	from []crawler.JobState,
	to crawler.JobState,
	reason string,
	bumpAttempts bool,
	now time.Time,
) (crawler.Job, error) {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, string(st))
	}
	bump := 0
	if bumpAttempts {
		bump = 1
	}
	set := `failure_reason = $4, claim_id = '', finished_at = $5, updated_at = $5`
	if to == crawler.JobStateWaiting {
		set = `progress = 0, result = NULL, failure_reason = $4, started_at = NULL, finished_at = NULL,
	available_at = $5, claim_id = '', updated_at = $5`
		reason = ""
	}
	query := fmt.Sprintf(`UPDATE %s SET state = $2, attempts_made = attempts_made + $3, %s
WHERE id = $1 AND state = ANY($6)
RETURNING %s`, s.table, set, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, string(to), bump, reason, now, states))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("resolve job %s: %w", jobID, err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return crawler.Job{}, getErr
	}
	return current, fmt.Errorf("job %s is %s: %w", jobID, current.State, crawler.ErrInvalidState)
}

// ListStale returns active jobs whose updated_at is older than before.
func (s *JobStore) ListStale(ctx context.Context, before time.Time) ([]crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = 'active' AND updated_at < $1 ORDER BY updated_at`,
		jobColumns, s.table)
	jobs, err := s.queryJobs(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}

// PurgeFinished deletes terminal jobs that finished before the cutoff.
func (s *JobStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE state IN ('completed', 'failed') AND finished_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job      crawler.Job
		state    string
		options  []byte
		result   []byte
		started  *time.Time
		finished *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&options,
		&state,
		&job.AttemptsMade,
		&job.Progress,
		&result,
		&job.FailureReason,
		&job.ClaimID,
		&job.CreatedAt,
		&started,
		&finished,
		&job.UpdatedAt,
		&job.AvailableAt,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.State = crawler.JobState(state)
	job.StartedAt = started
	job.FinishedAt = finished
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return crawler.Job{}, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(result) > 0 {
		var res crawler.ScrapeResult
		if err := json.Unmarshal(result, &res); err != nil {
			return crawler.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}
