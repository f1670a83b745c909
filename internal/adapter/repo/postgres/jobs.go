package postgres

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/relayq/relayq/internal/domain"
)

const jobColumns = `id, job_type, priority, status, payload, max_retries, retry_count,
	created_at, started_at, completed_at, scheduled_for, worker_id, error_message`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Type, &j.Priority, &j.Status, &j.Payload, &j.MaxRetries,
		&j.RetryCount, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ScheduledFor,
		&j.WorkerID, &j.ErrorMessage)
	return j, err
}

// Submit inserts a new job in PENDING and returns its id.
func (s *Store) Submit(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Submit")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, job_type, priority, status, payload, max_retries, retry_count, created_at, scheduled_for)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)`
	_, err := s.Pool.Exec(ctx, q, id, j.Type, j.Priority, domain.JobPending, j.Payload, j.MaxRetries, createdAt, j.ScheduledFor)
	if err != nil {
		return "", fmt.Errorf("op=job.submit: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (s *Store) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// GetAttempts loads all retry attempts for a job, ordered by attempt number.
func (s *Store) GetAttempts(ctx domain.Context, jobID string) ([]domain.RetryAttempt, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetAttempts")
	defer span.End()
	q := `SELECT id, job_id, attempt_number, started_at, failed_at, error_message, error_traceback, next_retry_at
		FROM retry_attempts WHERE job_id=$1 ORDER BY attempt_number`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.get_attempts: %w", err)
	}
	defer rows.Close()
	attempts := make([]domain.RetryAttempt, 0)
	for rows.Next() {
		var a domain.RetryAttempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNumber, &a.StartedAt, &a.FailedAt,
			&a.ErrorMessage, &a.ErrorTraceback, &a.NextRetryAt); err != nil {
			return nil, fmt.Errorf("op=job.get_attempts_scan: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.get_attempts_rows: %w", err)
	}
	return attempts, nil
}

// BuildListQuery assembles the filtered job listing query and its arguments.
// Exported for tests; filters compose with AND and results are ordered by
// created_at DESC.
func BuildListQuery(f domain.JobFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + jobColumns + ` FROM jobs`)
	var conds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, col+"=$"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Priority != "" {
		add("priority", f.Priority)
	}
	if f.JobType != "" {
		add("job_type", f.JobType)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	sb.WriteString(" ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args)))
	args = append(args, f.Offset)
	sb.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	return sb.String(), args
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	q, args := BuildListQuery(f)
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	jobs := make([]domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_rows: %w", err)
	}
	return jobs, nil
}

// Cancel moves a PENDING or RETRYING job to CANCELLED. Any other source
// state is an invalid transition; terminal jobs are never mutated.
func (s *Store) Cancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	q := `UPDATE jobs SET status=$2 WHERE id=$1 AND status IN ($3,$4)`
	tag, err := s.Pool.Exec(ctx, q, id, domain.JobCancelled, domain.JobPending, domain.JobRetrying)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.JobStatus
		if err := s.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
			}
			return fmt.Errorf("op=job.cancel: %w", err)
		}
		return fmt.Errorf("op=job.cancel: cannot cancel %s job: %w", status, domain.ErrInvalidTransition)
	}
	return nil
}

// ClaimRunning transitions PENDING|RETRYING -> RUNNING for the given worker,
// stamping started_at on the first claim only. Re-claiming a job this worker
// already runs is a no-op; any other source state fails with
// ErrInvalidTransition so stale deliveries are dropped.
func (s *Store) ClaimRunning(ctx domain.Context, id, workerID string) (domain.Job, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimRunning")
	defer span.End()
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	switch j.Status {
	case domain.JobPending, domain.JobRetrying:
		// proceed
	case domain.JobRunning:
		if j.WorkerID != nil && *j.WorkerID == workerID {
			return j, nil
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: already running on another worker: %w", domain.ErrInvalidTransition)
	default:
		return domain.Job{}, fmt.Errorf("op=job.claim: cannot claim %s job: %w", j.Status, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	startedAt := j.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, started_at=$3, worker_id=$4 WHERE id=$1`,
		id, domain.JobRunning, startedAt, workerID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim_commit: %w", err)
	}
	j.Status = domain.JobRunning
	j.StartedAt = startedAt
	j.WorkerID = &workerID
	return j, nil
}

// MarkCompleted transitions RUNNING -> COMPLETED, stamping completed_at and
// clearing error_message.
func (s *Store) MarkCompleted(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	q := `UPDATE jobs SET status=$2, completed_at=$3, error_message=NULL WHERE id=$1 AND status=$4`
	tag, err := s.Pool.Exec(ctx, q, id, domain.JobCompleted, time.Now().UTC(), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.JobStatus
		if err := s.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
			}
			return fmt.Errorf("op=job.complete: %w", err)
		}
		return fmt.Errorf("op=job.complete: cannot complete %s job: %w", status, domain.ErrInvalidTransition)
	}
	return nil
}
