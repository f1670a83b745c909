// Package scheduler materializes recurring job definitions into queue jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/domain"
)

// Parser accepts standard five-field cron expressions.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler polls for due definitions and fires them. Multiple instances can
// run concurrently; the store's compare-and-set on next_run_at makes each
// fire exclusive, losers skip publishing.
type Scheduler struct {
	Store        domain.ScheduleStore
	Broker       domain.Broker
	Cache        domain.StatusCache
	Policy       domain.RetryPolicy
	PollInterval time.Duration
	Log          *slog.Logger

	now func() time.Time
}

// New constructs a Scheduler.
func New(store domain.ScheduleStore, broker domain.Broker, cache domain.StatusCache, policy domain.RetryPolicy, pollInterval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		Store:        store,
		Broker:       broker,
		Cache:        cache,
		Policy:       policy,
		PollInterval: pollInterval,
		Log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is done. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due definition once. A definition that missed several
// windows (scheduler downtime) fires a single catch-up job, not one per
// missed window: next_run_at advances from now, not from the missed slot.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.Store.DueScheduledJobs(ctx, now)
	if err != nil {
		s.Log.Error("due scan failed", slog.Any("error", err))
		return
	}
	for _, def := range due {
		s.fire(ctx, def, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, def domain.ScheduledJob, now time.Time) {
	log := s.Log.With(slog.String("schedule", def.Name), slog.String("job_type", string(def.JobType)))

	sched, err := Parser.Parse(def.CronExpression)
	if err != nil {
		log.Error("invalid cron expression in store", slog.String("expr", def.CronExpression), slog.Any("error", err))
		return
	}
	nextRun := sched.Next(now)

	j := domain.Job{
		ID:         uuid.New().String(),
		Type:       def.JobType,
		Priority:   def.Priority,
		Status:     domain.JobPending,
		Payload:    def.Payload,
		MaxRetries: s.Policy.Rule(def.JobType).MaxRetries,
		CreatedAt:  now,
	}
	won, err := s.Store.MaterializeFire(ctx, def, now, nextRun, j)
	if err != nil {
		log.Error("fire failed", slog.Any("error", err))
		return
	}
	if !won {
		log.Debug("fire lost to another instance")
		return
	}

	if err := s.Cache.SetJobStatus(ctx, j.ID, domain.JobPending); err != nil {
		log.Warn("status cache write failed", slog.Any("error", err))
	}
	msg := domain.JobMessage{JobID: j.ID, JobType: string(j.Type), Payload: j.Payload}
	if err := s.Broker.Publish(ctx, msg, j.Priority, 0); err != nil {
		// The pending row exists but the message is lost until re-published.
		log.Error("publish failed after fire", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	observability.ScheduledFiresTotal.WithLabelValues(def.Name).Inc()
	observability.PublishMessage(string(j.Priority), false)
	log.Info("schedule fired", slog.String("job_id", j.ID), slog.Time("next_run", nextRun))
}
