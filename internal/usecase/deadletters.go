package usecase

import (
	"log/slog"

	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/domain"
)

// DeadLetterService inspects and drains the quarantine.
type DeadLetterService struct {
	Store  domain.DeadLetterStore
	Broker domain.Broker
	Cache  domain.StatusCache
	Log    *slog.Logger
}

// NewDeadLetterService constructs a DeadLetterService. A nil log falls back
// to the default logger.
func NewDeadLetterService(store domain.DeadLetterStore, broker domain.Broker, cache domain.StatusCache, log *slog.Logger) DeadLetterService {
	if log == nil {
		log = slog.Default()
	}
	return DeadLetterService{Store: store, Broker: broker, Cache: cache, Log: log}
}

// List returns dead letters plus the total count for the filter.
func (s DeadLetterService) List(ctx domain.Context, f domain.DeadLetterFilter) ([]domain.DeadLetter, int64, error) {
	return s.Store.ListDeadLetters(ctx, f)
}

// Get returns a single dead letter.
func (s DeadLetterService) Get(ctx domain.Context, id string) (domain.DeadLetter, error) {
	return s.Store.GetDeadLetter(ctx, id)
}

// Delete discards a dead letter permanently.
func (s DeadLetterService) Delete(ctx domain.Context, id string) error {
	return s.Store.DeleteDeadLetter(ctx, id)
}

// Retry gives a dead-lettered job a fresh pass: the store resets it to
// PENDING with a clean history, then it is re-published at its original
// priority with no delay.
func (s DeadLetterService) Retry(ctx domain.Context, id string) (domain.Job, error) {
	j, err := s.Store.RetryDeadLetter(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.Cache.SetJobStatus(ctx, j.ID, domain.JobPending); err != nil {
		s.Log.Warn("status cache write failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
	msg := domain.JobMessage{JobID: j.ID, JobType: string(j.Type), Payload: j.Payload}
	if err := s.Broker.Publish(ctx, msg, j.Priority, 0); err != nil {
		s.Log.Error("publish failed after dead-letter retry", slog.String("job_id", j.ID), slog.Any("error", err))
	} else {
		observability.PublishMessage(string(j.Priority), false)
	}
	return j, nil
}
