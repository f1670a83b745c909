package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/adapter/queue/rabbitmq"
	"github.com/relayq/relayq/internal/domain"
)

type memStore struct {
	jobs       map[string]domain.Job
	failures   []domain.FailureReport
	decision   domain.Decision
	claimErr   error
	recordErr  error
	completErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]domain.Job{}}
}

func (s *memStore) Submit(_ context.Context, j domain.Job) (string, error) {
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *memStore) GetAttempts(_ context.Context, _ string) ([]domain.RetryAttempt, error) {
	return nil, nil
}

func (s *memStore) List(_ context.Context, _ domain.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

func (s *memStore) Cancel(_ context.Context, _ string) error { return nil }

func (s *memStore) ClaimRunning(_ context.Context, id, workerID string) (domain.Job, error) {
	if s.claimErr != nil {
		return domain.Job{}, s.claimErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	j.Status = domain.JobRunning
	j.WorkerID = &workerID
	s.jobs[id] = j
	return j, nil
}

func (s *memStore) MarkCompleted(_ context.Context, id string) error {
	if s.completErr != nil {
		return s.completErr
	}
	j := s.jobs[id]
	j.Status = domain.JobCompleted
	s.jobs[id] = j
	return nil
}

func (s *memStore) RecordFailure(_ context.Context, id string, report domain.FailureReport) (domain.Decision, error) {
	if s.recordErr != nil {
		return domain.Decision{}, s.recordErr
	}
	s.failures = append(s.failures, report)
	j := s.jobs[id]
	if s.decision.Outcome == domain.DecisionRetry {
		j.Status = domain.JobRetrying
	} else {
		j.Status = domain.JobFailed
	}
	s.jobs[id] = j
	return s.decision, nil
}

func (s *memStore) Stats(_ context.Context) (domain.Stats, error) { return domain.Stats{}, nil }

type memBroker struct {
	published []struct {
		msg   domain.JobMessage
		prio  domain.JobPriority
		delay time.Duration
	}
	err error
}

func (b *memBroker) Publish(_ context.Context, msg domain.JobMessage, p domain.JobPriority, delay time.Duration) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, struct {
		msg   domain.JobMessage
		prio  domain.JobPriority
		delay time.Duration
	}{msg, p, delay})
	return nil
}

type memCache struct {
	statuses map[string]domain.JobStatus
	beats    int
}

func newMemCache() *memCache { return &memCache{statuses: map[string]domain.JobStatus{}} }

func (c *memCache) SetJobStatus(_ context.Context, jobID string, status domain.JobStatus) error {
	c.statuses[jobID] = status
	return nil
}

func (c *memCache) GetJobStatus(_ context.Context, jobID string) (domain.JobStatus, bool, error) {
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

func (c *memCache) Heartbeat(_ context.Context, _ string) error {
	c.beats++
	return nil
}

func (c *memCache) ActiveWorkers(_ context.Context) ([]string, error) { return nil, nil }

func testRuntime(store *memStore, broker *memBroker, cache *memCache, handlers Registry) *Runtime {
	rt := NewRuntime("w-test", store, broker, cache, handlers, slog.Default())
	rt.requeuePause = time.Millisecond
	return rt
}

func body(t *testing.T, id string, jobType domain.JobType) []byte {
	t.Helper()
	b, err := json.Marshal(domain.JobMessage{JobID: id, JobType: string(jobType), Payload: domain.Payload{}})
	require.NoError(t, err)
	return b
}

func seedJob(store *memStore, id string, jobType domain.JobType) {
	store.jobs[id] = domain.Job{
		ID:       id,
		Type:     jobType,
		Priority: domain.PriorityMedium,
		Status:   domain.JobPending,
		Payload:  domain.Payload{},
	}
}

func TestHandleDeliverySuccess(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeSendEmail)
	rt := testRuntime(store, broker, cache, Registry{
		domain.TypeSendEmail: func(context.Context, domain.Payload) error { return nil },
	})

	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Ack, disp)
	assert.Equal(t, domain.JobCompleted, store.jobs["j1"].Status)
	assert.Equal(t, domain.JobCompleted, cache.statuses["j1"])
	assert.Empty(t, broker.published)
}

func TestHandleDeliveryPoisonRejected(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	rt := testRuntime(store, broker, cache, NewRegistry())

	assert.Equal(t, rabbitmq.Reject, rt.HandleDelivery(context.Background(), []byte("not json")))
	assert.Equal(t, rabbitmq.Reject, rt.HandleDelivery(context.Background(), []byte(`{"job_type":"send_email"}`)))
}

func TestHandleDeliveryStaleDropped(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	store.claimErr = domain.ErrInvalidTransition
	rt := testRuntime(store, broker, cache, NewRegistry())

	disp := rt.HandleDelivery(context.Background(), body(t, "gone", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Ack, disp)
}

func TestHandleDeliveryFailureRepublishesRetry(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeSendEmail)
	store.decision = domain.Decision{Outcome: domain.DecisionRetry, Delay: 4 * time.Second}
	rt := testRuntime(store, broker, cache, Registry{
		domain.TypeSendEmail: func(context.Context, domain.Payload) error {
			return errors.New("smtp timeout")
		},
	})

	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Ack, disp)
	require.Len(t, store.failures, 1)
	assert.Equal(t, "smtp timeout", store.failures[0].ErrorMessage)
	assert.Equal(t, "w-test", store.failures[0].WorkerID)
	require.Len(t, broker.published, 1)
	assert.Equal(t, 4*time.Second, broker.published[0].delay)
	assert.Equal(t, domain.PriorityMedium, broker.published[0].prio)
	assert.Equal(t, domain.JobRetrying, cache.statuses["j1"])
}

func TestHandleDeliveryDeadLetterStopsPublishing(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeSendEmail)
	store.decision = domain.Decision{
		Outcome:    domain.DecisionDeadLetter,
		DeadLetter: &domain.DeadLetter{JobID: "j1", TotalAttempts: 4},
	}
	rt := testRuntime(store, broker, cache, Registry{
		domain.TypeSendEmail: func(context.Context, domain.Payload) error {
			return errors.New("smtp timeout")
		},
	})

	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Ack, disp)
	assert.Empty(t, broker.published)
	assert.Equal(t, domain.JobFailed, cache.statuses["j1"])
}

func TestHandleDeliveryPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeProcessVideo)
	store.decision = domain.Decision{Outcome: domain.DecisionRetry, Delay: time.Second}
	rt := testRuntime(store, broker, cache, Registry{
		domain.TypeProcessVideo: func(context.Context, domain.Payload) error {
			panic("codec exploded")
		},
	})

	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeProcessVideo))
	assert.Equal(t, rabbitmq.Ack, disp)
	require.Len(t, store.failures, 1)
	assert.Contains(t, store.failures[0].ErrorMessage, "codec exploded")
	assert.NotEmpty(t, store.failures[0].ErrorTraceback)
}

func TestHandleDeliveryMissingHandlerFails(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeScrapeWebsite)
	store.decision = domain.Decision{Outcome: domain.DecisionDeadLetter, DeadLetter: &domain.DeadLetter{}}
	rt := testRuntime(store, broker, cache, Registry{})

	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeScrapeWebsite))
	assert.Equal(t, rabbitmq.Ack, disp)
	require.Len(t, store.failures, 1)
	assert.Contains(t, store.failures[0].ErrorMessage, "no handler registered")
}

func TestHandleDeliveryRecordErrorRequeues(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeSendEmail)
	store.recordErr = errors.New("db down")
	rt := testRuntime(store, broker, cache, Registry{
		domain.TypeSendEmail: func(context.Context, domain.Payload) error {
			return errors.New("boom")
		},
	})

	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Requeue, disp)
}

func TestRequeuePausesBeforeRedelivery(t *testing.T) {
	t.Parallel()
	store, broker, cache := newMemStore(), &memBroker{}, newMemCache()
	seedJob(store, "j1", domain.TypeSendEmail)
	store.claimErr = errors.New("db down")
	rt := testRuntime(store, broker, cache, Registry{})
	rt.requeuePause = 30 * time.Millisecond

	startAt := time.Now()
	disp := rt.HandleDelivery(context.Background(), body(t, "j1", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Requeue, disp)
	assert.GreaterOrEqual(t, time.Since(startAt), 30*time.Millisecond)

	// A cancelled context skips the pause so shutdown is not delayed.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	rt.requeuePause = time.Hour
	startAt = time.Now()
	disp = rt.HandleDelivery(cancelled, body(t, "j1", domain.TypeSendEmail))
	assert.Equal(t, rabbitmq.Requeue, disp)
	assert.Less(t, time.Since(startAt), time.Second)
}

func TestRequireFields(t *testing.T) {
	t.Parallel()
	assert.NoError(t, requireFields(domain.Payload{"to": "x@example.com", "subject": "hi"}, "to", "subject"))
	assert.Error(t, requireFields(domain.Payload{"to": ""}, "to"))
	assert.Error(t, requireFields(domain.Payload{}, "url"))
}
