// Package worker executes job messages consumed from the broker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/adapter/queue/rabbitmq"
	"github.com/relayq/relayq/internal/domain"
)

const (
	heartbeatInterval = 30 * time.Second
	// requeuePause throttles redelivery when a dependency is down; without
	// it a dead store turns NACK-requeue into a hot loop.
	requeuePause = time.Second
)

// Runtime consumes deliveries, drives job execution through the store's
// state machine, and re-publishes retries. It holds no job state of its own;
// every transition goes through the store so crash recovery is just
// redelivery.
type Runtime struct {
	WorkerID string
	Store    domain.JobStore
	Broker   domain.Broker
	Cache    domain.StatusCache
	Handlers Registry
	Log      *slog.Logger

	requeuePause time.Duration
}

// NewRuntime constructs a worker runtime.
func NewRuntime(workerID string, store domain.JobStore, broker domain.Broker, cache domain.StatusCache, handlers Registry, log *slog.Logger) *Runtime {
	return &Runtime{WorkerID: workerID, Store: store, Broker: broker, Cache: cache, Handlers: handlers, Log: log, requeuePause: requeuePause}
}

// requeue waits out the pause, then hands the delivery back to the queue.
func (r *Runtime) requeue(ctx context.Context) rabbitmq.Disposition {
	select {
	case <-ctx.Done():
	case <-time.After(r.requeuePause):
	}
	return rabbitmq.Requeue
}

// HeartbeatLoop refreshes this worker's liveness key until ctx is done.
func (r *Runtime) HeartbeatLoop(ctx context.Context) {
	beat := func() {
		if err := r.Cache.Heartbeat(ctx, r.WorkerID); err != nil {
			r.Log.Warn("heartbeat failed", slog.Any("error", err))
		}
	}
	beat()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// HandleDelivery processes one raw delivery body and decides its fate.
//
// Undecodable bodies are rejected straight to the broker dead-letter queue;
// they never had a job row to update. Claims that fail with a domain error
// mean the job was cancelled or grabbed elsewhere, so the delivery is simply
// dropped. Handler failures go through the store's failure transaction, which
// decides retry vs dead-letter; only infrastructure errors requeue.
func (r *Runtime) HandleDelivery(ctx context.Context, body []byte) rabbitmq.Disposition {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.JobID == "" {
		observability.PoisonMessagesTotal.Inc()
		r.Log.Error("poison message rejected", slog.Any("error", err))
		return rabbitmq.Reject
	}
	log := r.Log.With(slog.String("job_id", msg.JobID), slog.String("job_type", msg.JobType))

	j, err := r.Store.ClaimRunning(ctx, msg.JobID, r.WorkerID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			log.Info("stale delivery dropped", slog.Any("error", err))
			return rabbitmq.Ack
		}
		log.Error("claim failed", slog.Any("error", err))
		return r.requeue(ctx)
	}
	r.mirrorStatus(ctx, j.ID, domain.JobRunning, log)
	observability.StartJob(string(j.Type))

	startedAt := time.Now().UTC()
	execErr := r.execute(ctx, j)
	elapsed := time.Since(startedAt)

	if execErr == nil {
		if err := r.Store.MarkCompleted(ctx, j.ID); err != nil {
			log.Error("complete failed", slog.Any("error", err))
			return r.requeue(ctx)
		}
		r.mirrorStatus(ctx, j.ID, domain.JobCompleted, log)
		observability.CompleteJob(string(j.Type), elapsed)
		log.Info("job completed", slog.Duration("elapsed", elapsed))
		return rabbitmq.Ack
	}

	report := domain.FailureReport{
		WorkerID:       r.WorkerID,
		StartedAt:      startedAt,
		FailedAt:       time.Now().UTC(),
		ErrorMessage:   execErr.Error(),
		ErrorTraceback: tracebackOf(execErr),
	}
	decision, err := r.Store.RecordFailure(ctx, j.ID, report)
	if err != nil {
		log.Error("failure record failed", slog.Any("error", err))
		return r.requeue(ctx)
	}

	switch decision.Outcome {
	case domain.DecisionRetry:
		r.mirrorStatus(ctx, j.ID, domain.JobRetrying, log)
		observability.RetryJob(string(j.Type), elapsed)
		if err := r.Broker.Publish(ctx, msg, j.Priority, decision.Delay); err != nil {
			log.Error("retry publish failed", slog.Any("error", err))
			return r.requeue(ctx)
		}
		observability.PublishMessage(string(j.Priority), decision.Delay > 0)
		log.Warn("job retry scheduled",
			slog.String("error", execErr.Error()),
			slog.Duration("delay", decision.Delay))
	default:
		r.mirrorStatus(ctx, j.ID, domain.JobFailed, log)
		observability.DeadLetterJob(string(j.Type), elapsed)
		log.Error("job dead-lettered",
			slog.String("error", execErr.Error()),
			slog.Int("total_attempts", decision.DeadLetter.TotalAttempts))
	}
	return rabbitmq.Ack
}

// execute runs the handler for the claimed job, converting panics into
// errors so one bad payload cannot kill the consumer.
func (r *Runtime) execute(ctx context.Context, j domain.Job) (err error) {
	handler, ok := r.Handlers[j.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", j.Type)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	return handler(ctx, j.Payload)
}

func (r *Runtime) mirrorStatus(ctx context.Context, jobID string, status domain.JobStatus, log *slog.Logger) {
	if err := r.Cache.SetJobStatus(ctx, jobID, status); err != nil {
		log.Warn("status cache write failed", slog.Any("error", err))
	}
}

// panicError preserves the stack of a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func tracebackOf(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return string(pe.stack)
	}
	return ""
}
