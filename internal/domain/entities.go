// Package domain defines the core entities, ports, and error taxonomy of the
// job queue.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobRetrying  JobStatus = "retrying"
)

// Terminal reports whether no further transitions are possible from s.
// A failed job can still re-enter the lifecycle through a dead-letter retry,
// but that is a fresh pass, not a transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled, JobRetrying:
		return true
	}
	return false
}

// JobPriority is one of the three broker priority bands.
type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityMedium JobPriority = "medium"
	PriorityLow    JobPriority = "low"
)

// Valid reports whether p is a known priority band.
func (p JobPriority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// JobType identifies a registered handler. The registry is fixed at build
// time; new types are added here together with a handler and a retry rule.
type JobType string

const (
	TypeSendEmail     JobType = "send_email"
	TypeProcessVideo  JobType = "process_video"
	TypeScrapeWebsite JobType = "scrape_website"
)

// Valid reports whether t is a registered job type.
func (t JobType) Valid() bool {
	return t == TypeSendEmail || t == TypeProcessVideo || t == TypeScrapeWebsite
}

// Payload is the opaque structured document handed to a handler.
type Payload map[string]any

// Job is the durable unit of work.
type Job struct {
	ID           string
	Type         JobType
	Priority     JobPriority
	Status       JobStatus
	Payload      Payload
	MaxRetries   int
	RetryCount   int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ScheduledFor *time.Time
	WorkerID     *string
	ErrorMessage *string
}

// RetryAttempt records one failed execution attempt. Attempt numbers are
// 1-based and strictly increasing per job.
type RetryAttempt struct {
	ID             string
	JobID          string
	AttemptNumber  int
	StartedAt      time.Time
	FailedAt       time.Time
	ErrorMessage   string
	ErrorTraceback string
	NextRetryAt    *time.Time
}

// DeadLetter quarantines a job whose retries are exhausted. At most one row
// per job (unique job_id).
type DeadLetter struct {
	ID               string
	JobID            string
	JobType          JobType
	Payload          Payload
	TotalAttempts    int
	FirstAttemptAt   time.Time
	FinalFailureAt   time.Time
	FailureReason    string
	AllErrorMessages []string
}

// ScheduledJob is a recurring definition materialized by the cron scheduler.
type ScheduledJob struct {
	ID             string
	Name           string
	JobType        JobType
	CronExpression string
	Payload        Payload
	Priority       JobPriority
	IsActive       bool
	LastRunAt      *time.Time
	NextRunAt      time.Time
	CreatedAt      time.Time
}

// JobMessage is the broker wire body.
type JobMessage struct {
	JobID   string  `json:"job_id"`
	JobType string  `json:"job_type"`
	Payload Payload `json:"payload"`
}

// FailureReport describes one failed execution attempt as observed by the
// worker runtime.
type FailureReport struct {
	WorkerID       string
	StartedAt      time.Time
	FailedAt       time.Time
	ErrorMessage   string
	ErrorTraceback string
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   JobStatus
	Priority JobPriority
	JobType  JobType
	Limit    int
	Offset   int
}

// DeadLetterFilter narrows dead-letter listings.
type DeadLetterFilter struct {
	JobType JobType
	Limit   int
	Offset  int
}

// Stats aggregates queue-wide counters for the stats endpoint.
type Stats struct {
	PendingJobs     int64
	RunningJobs     int64
	CompletedJobs   int64
	FailedJobs      int64
	RetryingJobs    int64
	CancelledJobs   int64
	DeadLetterCount int64
	PendingHigh     int64
	PendingMedium   int64
	PendingLow      int64
}

// Context aliases the standard context so adapter signatures read in domain
// terms; adapters pass context.Context through unchanged.
type Context = context.Context

// Ports

// JobStore is the source-of-truth record for jobs, attempts, and dead
// letters. Every other component writes through it.
type JobStore interface {
	Submit(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	GetAttempts(ctx context.Context, jobID string) ([]RetryAttempt, error)
	List(ctx context.Context, f JobFilter) ([]Job, error)
	Cancel(ctx context.Context, id string) error
	ClaimRunning(ctx context.Context, id, workerID string) (Job, error)
	MarkCompleted(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, report FailureReport) (Decision, error)
	Stats(ctx context.Context) (Stats, error)
}

// DeadLetterStore manages the quarantine records.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetter, int64, error)
	GetDeadLetter(ctx context.Context, id string) (DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	// RetryDeadLetter deletes the dead letter, resets the job to PENDING with
	// a zero retry count, and returns the reset job. Publishing is the
	// caller's responsibility.
	RetryDeadLetter(ctx context.Context, id string) (Job, error)
}

// ScheduleStore manages recurring definitions.
type ScheduleStore interface {
	CreateScheduledJob(ctx context.Context, s ScheduledJob) (ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, isActive *bool, limit, offset int) ([]ScheduledJob, error)
	GetScheduledJob(ctx context.Context, id string) (ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
	ToggleScheduledJob(ctx context.Context, id string) (ScheduledJob, error)
	DueScheduledJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error)
	// MaterializeFire advances the definition with a compare-and-set on
	// next_run_at and, when the CAS wins, inserts the job row in the same
	// transaction. Returns false when another scheduler instance won the
	// fire.
	MaterializeFire(ctx context.Context, def ScheduledJob, firedAt, nextRun time.Time, j Job) (bool, error)
}

// Broker publishes job messages to the priority queue for their band. A
// non-zero delay means the message becomes deliverable no earlier than
// now+delay.
type Broker interface {
	Publish(ctx context.Context, msg JobMessage, priority JobPriority, delay time.Duration) error
}

// StatusCache is the ephemeral status mirror and worker liveness store.
// Last-writer-wins, advisory only; never consulted for correctness.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID string, status JobStatus) error
	GetJobStatus(ctx context.Context, jobID string) (JobStatus, bool, error)
	Heartbeat(ctx context.Context, workerID string) error
	ActiveWorkers(ctx context.Context) ([]string, error)
}
