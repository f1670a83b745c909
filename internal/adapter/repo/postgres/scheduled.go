package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/relayq/relayq/internal/domain"
)

const scheduledColumns = `id, name, job_type, cron_expression, payload, priority,
	is_active, last_run_at, next_run_at, created_at`

func scanScheduled(row pgx.Row) (domain.ScheduledJob, error) {
	var sj domain.ScheduledJob
	err := row.Scan(&sj.ID, &sj.Name, &sj.JobType, &sj.CronExpression, &sj.Payload,
		&sj.Priority, &sj.IsActive, &sj.LastRunAt, &sj.NextRunAt, &sj.CreatedAt)
	return sj, err
}

// CreateScheduledJob inserts a recurring definition. Names are unique; a
// duplicate maps to ErrConflict.
func (s *Store) CreateScheduledJob(ctx domain.Context, sj domain.ScheduledJob) (domain.ScheduledJob, error) {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.Create")
	defer span.End()
	if sj.ID == "" {
		sj.ID = uuid.New().String()
	}
	if sj.CreatedAt.IsZero() {
		sj.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO scheduled_jobs (id, name, job_type, cron_expression, payload, priority, is_active, next_run_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.Pool.Exec(ctx, q, sj.ID, sj.Name, sj.JobType, sj.CronExpression, sj.Payload,
		sj.Priority, sj.IsActive, sj.NextRunAt, sj.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ScheduledJob{}, fmt.Errorf("op=scheduled.create: name %q: %w", sj.Name, domain.ErrConflict)
		}
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduled.create: %w", err)
	}
	return sj, nil
}

// ListScheduledJobs returns definitions ordered by next_run_at. A nil
// isActive lists all.
func (s *Store) ListScheduledJobs(ctx domain.Context, isActive *bool, limit, offset int) ([]domain.ScheduledJob, error) {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.List")
	defer span.End()

	var args []any
	where := ""
	if isActive != nil {
		args = append(args, *isActive)
		where = " WHERE is_active=$1"
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	q := `SELECT ` + scheduledColumns + ` FROM scheduled_jobs` + where +
		` ORDER BY next_run_at LIMIT $` + strconv.Itoa(len(args))
	args = append(args, offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=scheduled.list: %w", err)
	}
	defer rows.Close()
	defs := make([]domain.ScheduledJob, 0)
	for rows.Next() {
		sj, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scheduled.list_scan: %w", err)
		}
		defs = append(defs, sj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scheduled.list_rows: %w", err)
	}
	return defs, nil
}

// GetScheduledJob loads a definition by id.
func (s *Store) GetScheduledJob(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.Get")
	defer span.End()
	q := `SELECT ` + scheduledColumns + ` FROM scheduled_jobs WHERE id=$1`
	sj, err := scanScheduled(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScheduledJob{}, fmt.Errorf("op=scheduled.get: %w", domain.ErrNotFound)
		}
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduled.get: %w", err)
	}
	return sj, nil
}

// DeleteScheduledJob removes a definition. Jobs it already materialized are
// untouched.
func (s *Store) DeleteScheduledJob(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.Delete")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=scheduled.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheduled.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// ToggleScheduledJob flips is_active and returns the updated definition.
func (s *Store) ToggleScheduledJob(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.Toggle")
	defer span.End()
	q := `UPDATE scheduled_jobs SET is_active=NOT is_active WHERE id=$1 RETURNING ` + scheduledColumns
	sj, err := scanScheduled(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScheduledJob{}, fmt.Errorf("op=scheduled.toggle: %w", domain.ErrNotFound)
		}
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduled.toggle: %w", err)
	}
	return sj, nil
}

// DueScheduledJobs returns active definitions whose next_run_at has passed,
// soonest first.
func (s *Store) DueScheduledJobs(ctx domain.Context, now time.Time) ([]domain.ScheduledJob, error) {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.Due")
	defer span.End()
	q := `SELECT ` + scheduledColumns + ` FROM scheduled_jobs
		WHERE is_active AND next_run_at <= $1 ORDER BY next_run_at`
	rows, err := s.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("op=scheduled.due: %w", err)
	}
	defer rows.Close()
	defs := make([]domain.ScheduledJob, 0)
	for rows.Next() {
		sj, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scheduled.due_scan: %w", err)
		}
		defs = append(defs, sj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scheduled.due_rows: %w", err)
	}
	return defs, nil
}

// MaterializeFire advances a due definition with a compare-and-set on
// next_run_at and, when the CAS wins, inserts the pending job row in the same
// transaction. A losing CAS (another scheduler instance already advanced the
// definition, or it was deleted or deactivated) returns false with no side
// effects.
func (s *Store) MaterializeFire(ctx domain.Context, def domain.ScheduledJob, firedAt, nextRun time.Time, j domain.Job) (bool, error) {
	tracer := otel.Tracer("store.scheduled")
	ctx, span := tracer.Start(ctx, "scheduled.MaterializeFire")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=scheduled.fire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE scheduled_jobs SET last_run_at=$2, next_run_at=$3
		WHERE id=$1 AND next_run_at=$4 AND is_active`,
		def.ID, firedAt, nextRun, def.NextRunAt)
	if err != nil {
		return false, fmt.Errorf("op=scheduled.fire_cas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = firedAt
	}
	_, err = tx.Exec(ctx, `INSERT INTO jobs (id, job_type, priority, status, payload, max_retries, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7)`,
		j.ID, j.Type, j.Priority, domain.JobPending, j.Payload, j.MaxRetries, createdAt)
	if err != nil {
		return false, fmt.Errorf("op=scheduled.fire_insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=scheduled.fire_commit: %w", err)
	}
	return true, nil
}
