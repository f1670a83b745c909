package postgres

import (
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/relayq/relayq/internal/domain"
)

const deadLetterColumns = `id, job_id, job_type, payload, total_attempts,
	first_attempt_at, final_failure_at, failure_reason, all_error_messages`

func scanDeadLetter(row pgx.Row) (domain.DeadLetter, error) {
	var d domain.DeadLetter
	err := row.Scan(&d.ID, &d.JobID, &d.JobType, &d.Payload, &d.TotalAttempts,
		&d.FirstAttemptAt, &d.FinalFailureAt, &d.FailureReason, &d.AllErrorMessages)
	return d, err
}

// ListDeadLetters returns dead letters newest-failure-first plus the total
// count matching the filter, so pagination stays consistent.
func (s *Store) ListDeadLetters(ctx domain.Context, f domain.DeadLetterFilter) ([]domain.DeadLetter, int64, error) {
	tracer := otel.Tracer("store.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.List")
	defer span.End()

	var args []any
	where := ""
	if f.JobType != "" {
		args = append(args, f.JobType)
		where = " WHERE job_type=$1"
	}

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=deadletter.count: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters` + where +
		` ORDER BY final_failure_at DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, f.Offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=deadletter.list: %w", err)
	}
	defer rows.Close()
	letters := make([]domain.DeadLetter, 0)
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=deadletter.list_scan: %w", err)
		}
		letters = append(letters, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=deadletter.list_rows: %w", err)
	}
	return letters, total, nil
}

// GetDeadLetter loads a dead letter by id.
func (s *Store) GetDeadLetter(ctx domain.Context, id string) (domain.DeadLetter, error) {
	tracer := otel.Tracer("store.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Get")
	defer span.End()
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id=$1`
	d, err := scanDeadLetter(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DeadLetter{}, fmt.Errorf("op=deadletter.get: %w", domain.ErrNotFound)
		}
		return domain.DeadLetter{}, fmt.Errorf("op=deadletter.get: %w", err)
	}
	return d, nil
}

// DeleteDeadLetter permanently discards a dead letter. The job row and its
// attempt history stay behind as a FAILED record.
func (s *Store) DeleteDeadLetter(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Delete")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=deadletter.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=deadletter.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// RetryDeadLetter gives a quarantined job a fresh pass: it deletes the dead
// letter and the attempt history, and resets the job to PENDING with a zero
// retry count. Attempt numbers therefore restart from 1 on the next failure.
// Publishing the reset job is the caller's responsibility.
func (s *Store) RetryDeadLetter(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("store.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Retry")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=deadletter.retry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobID string
	err = tx.QueryRow(ctx, `SELECT job_id FROM dead_letters WHERE id=$1 FOR UPDATE`, id).Scan(&jobID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=deadletter.retry: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=deadletter.retry: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM dead_letters WHERE id=$1`, id); err != nil {
		return domain.Job{}, fmt.Errorf("op=deadletter.retry_delete: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM retry_attempts WHERE job_id=$1`, jobID); err != nil {
		return domain.Job{}, fmt.Errorf("op=deadletter.retry_attempts: %w", err)
	}

	q := `UPDATE jobs SET status=$2, retry_count=0, started_at=NULL, completed_at=NULL,
		worker_id=NULL, error_message=NULL WHERE id=$1 RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, q, jobID, domain.JobPending))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=deadletter.retry_reset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=deadletter.retry_commit: %w", err)
	}
	return j, nil
}
