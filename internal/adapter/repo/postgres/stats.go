package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/relayq/relayq/internal/domain"
)

// Stats aggregates queue-wide counters in a handful of grouped queries.
func (s *Store) Stats(ctx domain.Context) (domain.Stats, error) {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Stats")
	defer span.End()

	var st domain.Stats

	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.status: %w", err)
	}
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return domain.Stats{}, fmt.Errorf("op=stats.status_scan: %w", err)
		}
		switch status {
		case domain.JobPending:
			st.PendingJobs = n
		case domain.JobRunning:
			st.RunningJobs = n
		case domain.JobCompleted:
			st.CompletedJobs = n
		case domain.JobFailed:
			st.FailedJobs = n
		case domain.JobRetrying:
			st.RetryingJobs = n
		case domain.JobCancelled:
			st.CancelledJobs = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.status_rows: %w", err)
	}

	rows, err = s.Pool.Query(ctx, `SELECT priority, COUNT(*) FROM jobs WHERE status=$1 GROUP BY priority`, domain.JobPending)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.priority: %w", err)
	}
	for rows.Next() {
		var p domain.JobPriority
		var n int64
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return domain.Stats{}, fmt.Errorf("op=stats.priority_scan: %w", err)
		}
		switch p {
		case domain.PriorityHigh:
			st.PendingHigh = n
		case domain.PriorityMedium:
			st.PendingMedium = n
		case domain.PriorityLow:
			st.PendingLow = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.priority_rows: %w", err)
	}

	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&st.DeadLetterCount); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.dead_letters: %w", err)
	}
	return st, nil
}
