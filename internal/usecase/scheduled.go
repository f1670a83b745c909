package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayq/relayq/internal/domain"
)

// CronParser accepts standard five-field cron expressions.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleService manages recurring job definitions.
type ScheduleService struct {
	Store domain.ScheduleStore
}

// NewScheduleService constructs a ScheduleService.
func NewScheduleService(store domain.ScheduleStore) ScheduleService {
	return ScheduleService{Store: store}
}

// CreateScheduleInput is a validated definition request.
type CreateScheduleInput struct {
	Name           string
	JobType        domain.JobType
	CronExpression string
	Payload        domain.Payload
	Priority       domain.JobPriority
	IsActive       *bool
}

// Create validates the cron expression, computes the initial next_run_at, and
// persists the definition. A duplicate name is a validation failure, same as
// a bad cron expression.
func (s ScheduleService) Create(ctx domain.Context, in CreateScheduleInput) (domain.ScheduledJob, error) {
	if in.Name == "" {
		return domain.ScheduledJob{}, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	if !in.JobType.Valid() {
		return domain.ScheduledJob{}, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, in.JobType)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.ScheduledJob{}, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, in.Priority)
	}
	if in.Payload == nil {
		in.Payload = domain.Payload{}
	}
	sched, err := CronParser.Parse(in.CronExpression)
	if err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("%w: invalid cron expression %q: %v", domain.ErrInvalidArgument, in.CronExpression, err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	now := time.Now().UTC()
	def := domain.ScheduledJob{
		Name:           in.Name,
		JobType:        in.JobType,
		CronExpression: in.CronExpression,
		Payload:        in.Payload,
		Priority:       in.Priority,
		IsActive:       active,
		NextRunAt:      sched.Next(now),
		CreatedAt:      now,
	}
	created, err := s.Store.CreateScheduledJob(ctx, def)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ScheduledJob{}, fmt.Errorf("%w: schedule name %q already exists", domain.ErrInvalidArgument, in.Name)
		}
		return domain.ScheduledJob{}, err
	}
	return created, nil
}

// List returns definitions, optionally filtered by active state.
func (s ScheduleService) List(ctx domain.Context, isActive *bool, limit, offset int) ([]domain.ScheduledJob, error) {
	return s.Store.ListScheduledJobs(ctx, isActive, limit, offset)
}

// Get returns a definition.
func (s ScheduleService) Get(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	return s.Store.GetScheduledJob(ctx, id)
}

// Delete removes a definition; already-materialized jobs are untouched.
func (s ScheduleService) Delete(ctx domain.Context, id string) error {
	return s.Store.DeleteScheduledJob(ctx, id)
}

// Toggle flips a definition's active state and returns the updated row.
func (s ScheduleService) Toggle(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	return s.Store.ToggleScheduledJob(ctx, id)
}
