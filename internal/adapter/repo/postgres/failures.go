package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/relayq/relayq/internal/domain"
)

// RecordFailure is the single serializable unit behind every failure report:
// it locks the job row, appends the retry attempt, increments retry_count,
// and derives the retry/dead-letter Decision with fresh counts. Two
// concurrent reports for the same job therefore serialize, and at most one
// can dead-letter (the unique index on dead_letters.job_id backstops that).
func (s *Store) RecordFailure(ctx domain.Context, id string, report domain.FailureReport) (domain.Decision, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordFailure")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.Decision{}, fmt.Errorf("op=job.record_failure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure: %w", domain.ErrNotFound)
		}
		return domain.Decision{}, fmt.Errorf("op=job.record_failure: %w", err)
	}

	failedAt := report.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	startedAt := report.StartedAt
	if startedAt.IsZero() {
		if j.StartedAt != nil {
			startedAt = *j.StartedAt
		} else {
			startedAt = failedAt
		}
	}

	attemptNumber := j.RetryCount + 1
	attemptID := uuid.New().String()

	var decision domain.Decision
	if s.Policy.ShouldRetry(attemptNumber, j.MaxRetries) {
		delay := s.Policy.Backoff(j.Type, attemptNumber)
		nextRetryAt := failedAt.Add(delay)
		decision = domain.Decision{
			Outcome:     domain.DecisionRetry,
			Delay:       delay,
			NextRetryAt: nextRetryAt,
		}
		_, err = tx.Exec(ctx, `INSERT INTO retry_attempts (id, job_id, attempt_number, started_at, failed_at, error_message, error_traceback, next_retry_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			attemptID, id, attemptNumber, startedAt, failedAt, report.ErrorMessage, report.ErrorTraceback, nextRetryAt)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_attempt: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, retry_count=$3, error_message=$4 WHERE id=$1`,
			id, domain.JobRetrying, attemptNumber, report.ErrorMessage)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_update: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx, `INSERT INTO retry_attempts (id, job_id, attempt_number, started_at, failed_at, error_message, error_traceback)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			attemptID, id, attemptNumber, startedAt, failedAt, report.ErrorMessage, report.ErrorTraceback)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_attempt: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, retry_count=$3, error_message=$4 WHERE id=$1`,
			id, domain.JobFailed, attemptNumber, report.ErrorMessage)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_update: %w", err)
		}

		// The just-inserted attempt is included, so this is the full ordered
		// failure history.
		rows, err := tx.Query(ctx, `SELECT error_message FROM retry_attempts WHERE job_id=$1 ORDER BY attempt_number`, id)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_history: %w", err)
		}
		var allErrors []string
		for rows.Next() {
			var msg string
			if err := rows.Scan(&msg); err != nil {
				rows.Close()
				return domain.Decision{}, fmt.Errorf("op=job.record_failure_history_scan: %w", err)
			}
			allErrors = append(allErrors, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_history_rows: %w", err)
		}

		dl := domain.DeadLetter{
			ID:               uuid.New().String(),
			JobID:            id,
			JobType:          j.Type,
			Payload:          j.Payload,
			TotalAttempts:    attemptNumber,
			FirstAttemptAt:   j.CreatedAt,
			FinalFailureAt:   failedAt,
			FailureReason:    report.ErrorMessage,
			AllErrorMessages: allErrors,
		}
		_, err = tx.Exec(ctx, `INSERT INTO dead_letters (id, job_id, job_type, payload, total_attempts, first_attempt_at, final_failure_at, failure_reason, all_error_messages)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			dl.ID, dl.JobID, dl.JobType, dl.Payload, dl.TotalAttempts, dl.FirstAttemptAt, dl.FinalFailureAt, dl.FailureReason, dl.AllErrorMessages)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Decision{}, fmt.Errorf("op=job.record_failure_dead_letter: %w", domain.ErrConflict)
			}
			return domain.Decision{}, fmt.Errorf("op=job.record_failure_dead_letter: %w", err)
		}
		decision = domain.Decision{
			Outcome:    domain.DecisionDeadLetter,
			DeadLetter: &dl,
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Decision{}, fmt.Errorf("op=job.record_failure_commit: %w", err)
	}
	return decision, nil
}
