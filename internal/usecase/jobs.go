// Package usecase contains the application services between the HTTP layer
// and the adapters.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/domain"
)

// JobService covers submission, inspection, and cancellation of jobs.
type JobService struct {
	Store  domain.JobStore
	Broker domain.Broker
	Cache  domain.StatusCache
	Policy domain.RetryPolicy
	Log    *slog.Logger
}

// NewJobService constructs a JobService. A nil log falls back to the default
// logger.
func NewJobService(store domain.JobStore, broker domain.Broker, cache domain.StatusCache, policy domain.RetryPolicy, log *slog.Logger) JobService {
	if log == nil {
		log = slog.Default()
	}
	return JobService{Store: store, Broker: broker, Cache: cache, Policy: policy, Log: log}
}

// SubmitInput is a validated submission request.
type SubmitInput struct {
	Type         domain.JobType
	Priority     domain.JobPriority
	Payload      domain.Payload
	MaxRetries   *int
	ScheduledFor *time.Time
}

// Submit validates and persists a job, mirrors PENDING to the cache, and
// publishes it. A future scheduled_for publishes with a delay so the message
// stays parked until due. Cache and publish errors do not fail the
// submission; the row is the source of truth and the job is recoverable.
func (s JobService) Submit(ctx domain.Context, in SubmitInput) (domain.Job, error) {
	if !in.Type.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, in.Type)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, in.Priority)
	}
	if in.Payload == nil {
		return domain.Job{}, fmt.Errorf("%w: payload is required", domain.ErrInvalidArgument)
	}
	maxRetries := s.Policy.Rule(in.Type).MaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return domain.Job{}, fmt.Errorf("%w: max_retries must be >= 0", domain.ErrInvalidArgument)
		}
		maxRetries = *in.MaxRetries
	}

	j := domain.Job{
		Type:         in.Type,
		Priority:     in.Priority,
		Status:       domain.JobPending,
		Payload:      in.Payload,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now().UTC(),
		ScheduledFor: in.ScheduledFor,
	}
	id, err := s.Store.Submit(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	j.ID = id

	if err := s.Cache.SetJobStatus(ctx, id, domain.JobPending); err != nil {
		s.Log.Warn("status cache write failed", slog.String("job_id", id), slog.Any("error", err))
	}

	var delay time.Duration
	if in.ScheduledFor != nil {
		if d := time.Until(*in.ScheduledFor); d > 0 {
			delay = d
		}
	}
	msg := domain.JobMessage{JobID: id, JobType: string(j.Type), Payload: j.Payload}
	if err := s.Broker.Publish(ctx, msg, j.Priority, delay); err != nil {
		s.Log.Error("publish failed after submit", slog.String("job_id", id), slog.Any("error", err))
	} else {
		observability.SubmitJob(string(j.Type), string(j.Priority))
		observability.PublishMessage(string(j.Priority), delay > 0)
	}
	return j, nil
}

// JobWithAttempts is a job plus its full attempt history. CachedStatus is the
// cache mirror's view when present; the row status is authoritative.
type JobWithAttempts struct {
	Job          domain.Job
	Attempts     []domain.RetryAttempt
	CachedStatus *domain.JobStatus
}

// Get returns the job and its retry history. The status cache is consulted
// first; a hit is surfaced alongside the row but never replaces it.
func (s JobService) Get(ctx domain.Context, id string) (JobWithAttempts, error) {
	var cached *domain.JobStatus
	if status, ok, err := s.Cache.GetJobStatus(ctx, id); err != nil {
		s.Log.Warn("status cache read failed", slog.String("job_id", id), slog.Any("error", err))
	} else if ok {
		cached = &status
	}
	j, err := s.Store.Get(ctx, id)
	if err != nil {
		return JobWithAttempts{}, err
	}
	attempts, err := s.Store.GetAttempts(ctx, id)
	if err != nil {
		return JobWithAttempts{}, err
	}
	return JobWithAttempts{Job: j, Attempts: attempts, CachedStatus: cached}, nil
}

// List returns jobs matching the filter.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, f.Priority)
	}
	return s.Store.List(ctx, f)
}

// Cancel cancels a PENDING or RETRYING job and mirrors the transition. The
// broker message is not recalled; the worker drops it on claim.
func (s JobService) Cancel(ctx domain.Context, id string) error {
	if err := s.Store.Cancel(ctx, id); err != nil {
		return err
	}
	if err := s.Cache.SetJobStatus(ctx, id, domain.JobCancelled); err != nil {
		s.Log.Warn("status cache write failed", slog.String("job_id", id), slog.Any("error", err))
	}
	return nil
}

// QueueStats is the stats endpoint's aggregate view.
type QueueStats struct {
	Stats         domain.Stats
	ActiveWorkers []string
}

// Stats aggregates store counters with the live worker set.
func (s JobService) Stats(ctx domain.Context) (QueueStats, error) {
	st, err := s.Store.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	workers, err := s.Cache.ActiveWorkers(ctx)
	if err != nil {
		s.Log.Warn("active worker scan failed", slog.Any("error", err))
		workers = []string{}
	}
	return QueueStats{Stats: st, ActiveWorkers: workers}, nil
}
