package usecase

import (
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/domain"
)

type publishCall struct {
	msg      domain.JobMessage
	priority domain.JobPriority
	delay    time.Duration
}

type fakeBroker struct {
	calls []publishCall
	err   error
}

func (b *fakeBroker) Publish(_ domain.Context, msg domain.JobMessage, p domain.JobPriority, delay time.Duration) error {
	if b.err != nil {
		return b.err
	}
	b.calls = append(b.calls, publishCall{msg: msg, priority: p, delay: delay})
	return nil
}

type fakeCache struct {
	statuses map[string]domain.JobStatus
	workers  []string
	err      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: map[string]domain.JobStatus{}}
}

func (c *fakeCache) SetJobStatus(_ domain.Context, jobID string, status domain.JobStatus) error {
	if c.err != nil {
		return c.err
	}
	c.statuses[jobID] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ domain.Context, jobID string) (domain.JobStatus, bool, error) {
	s, ok := c.statuses[jobID]
	return s, ok, nil
}

func (c *fakeCache) Heartbeat(_ domain.Context, workerID string) error {
	c.workers = append(c.workers, workerID)
	return nil
}

func (c *fakeCache) ActiveWorkers(_ domain.Context) ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.workers, nil
}

type fakeJobStore struct {
	jobs     map[string]domain.Job
	attempts map[string][]domain.RetryAttempt
	err      error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]domain.Job{}, attempts: map[string][]domain.RetryAttempt{}}
}

func (s *fakeJobStore) Submit(_ domain.Context, j domain.Job) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Status = domain.JobPending
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *fakeJobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *fakeJobStore) GetAttempts(_ domain.Context, jobID string) ([]domain.RetryAttempt, error) {
	return s.attempts[jobID], nil
}

func (s *fakeJobStore) List(_ domain.Context, _ domain.JobFilter) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeJobStore) Cancel(_ domain.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobPending && j.Status != domain.JobRetrying {
		return domain.ErrInvalidTransition
	}
	j.Status = domain.JobCancelled
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) ClaimRunning(_ domain.Context, id, workerID string) (domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	switch j.Status {
	case domain.JobPending, domain.JobRetrying:
		now := time.Now().UTC()
		j.Status = domain.JobRunning
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.WorkerID = &workerID
		s.jobs[id] = j
		return j, nil
	case domain.JobRunning:
		if j.WorkerID != nil && *j.WorkerID == workerID {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrInvalidTransition
}

func (s *fakeJobStore) MarkCompleted(_ domain.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobRunning {
		return domain.ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.ErrorMessage = nil
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) RecordFailure(_ domain.Context, id string, report domain.FailureReport) (domain.Decision, error) {
	j, ok := s.jobs[id]
	if !ok {
		return domain.Decision{}, domain.ErrNotFound
	}
	policy := domain.DefaultRetryPolicy()
	j.RetryCount++
	msg := report.ErrorMessage
	j.ErrorMessage = &msg
	s.attempts[id] = append(s.attempts[id], domain.RetryAttempt{
		JobID:         id,
		AttemptNumber: j.RetryCount,
		ErrorMessage:  report.ErrorMessage,
	})
	if policy.ShouldRetry(j.RetryCount, j.MaxRetries) {
		j.Status = domain.JobRetrying
		s.jobs[id] = j
		delay := policy.Backoff(j.Type, j.RetryCount)
		return domain.Decision{Outcome: domain.DecisionRetry, Delay: delay}, nil
	}
	j.Status = domain.JobFailed
	s.jobs[id] = j
	var all []string
	for _, a := range s.attempts[id] {
		all = append(all, a.ErrorMessage)
	}
	return domain.Decision{Outcome: domain.DecisionDeadLetter, DeadLetter: &domain.DeadLetter{
		ID:               uuid.New().String(),
		JobID:            id,
		JobType:          j.Type,
		Payload:          j.Payload,
		TotalAttempts:    j.RetryCount,
		AllErrorMessages: all,
		FailureReason:    report.ErrorMessage,
	}}, nil
}

func (s *fakeJobStore) Stats(_ domain.Context) (domain.Stats, error) {
	var st domain.Stats
	for _, j := range s.jobs {
		switch j.Status {
		case domain.JobPending:
			st.PendingJobs++
		case domain.JobRunning:
			st.RunningJobs++
		case domain.JobCompleted:
			st.CompletedJobs++
		case domain.JobFailed:
			st.FailedJobs++
		case domain.JobRetrying:
			st.RetryingJobs++
		case domain.JobCancelled:
			st.CancelledJobs++
		}
	}
	return st, nil
}

type fakeDeadLetterStore struct {
	letters map[string]domain.DeadLetter
	jobs    *fakeJobStore
}

func newFakeDeadLetterStore(jobs *fakeJobStore) *fakeDeadLetterStore {
	return &fakeDeadLetterStore{letters: map[string]domain.DeadLetter{}, jobs: jobs}
}

func (s *fakeDeadLetterStore) ListDeadLetters(_ domain.Context, f domain.DeadLetterFilter) ([]domain.DeadLetter, int64, error) {
	out := make([]domain.DeadLetter, 0, len(s.letters))
	for _, d := range s.letters {
		if f.JobType != "" && d.JobType != f.JobType {
			continue
		}
		out = append(out, d)
	}
	return out, int64(len(out)), nil
}

func (s *fakeDeadLetterStore) GetDeadLetter(_ domain.Context, id string) (domain.DeadLetter, error) {
	d, ok := s.letters[id]
	if !ok {
		return domain.DeadLetter{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *fakeDeadLetterStore) DeleteDeadLetter(_ domain.Context, id string) error {
	if _, ok := s.letters[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.letters, id)
	return nil
}

func (s *fakeDeadLetterStore) RetryDeadLetter(_ domain.Context, id string) (domain.Job, error) {
	d, ok := s.letters[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	delete(s.letters, id)
	j := s.jobs.jobs[d.JobID]
	j.Status = domain.JobPending
	j.RetryCount = 0
	j.StartedAt = nil
	j.CompletedAt = nil
	j.WorkerID = nil
	j.ErrorMessage = nil
	s.jobs.jobs[d.JobID] = j
	s.jobs.attempts[d.JobID] = nil
	return j, nil
}

type materializeCall struct {
	def     domain.ScheduledJob
	firedAt time.Time
	nextRun time.Time
	job     domain.Job
}

type fakeScheduleStore struct {
	defs    map[string]domain.ScheduledJob
	fires   []materializeCall
	casWins bool
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{defs: map[string]domain.ScheduledJob{}, casWins: true}
}

func (s *fakeScheduleStore) CreateScheduledJob(_ domain.Context, sj domain.ScheduledJob) (domain.ScheduledJob, error) {
	for _, d := range s.defs {
		if d.Name == sj.Name {
			return domain.ScheduledJob{}, domain.ErrConflict
		}
	}
	if sj.ID == "" {
		sj.ID = uuid.New().String()
	}
	s.defs[sj.ID] = sj
	return sj, nil
}

func (s *fakeScheduleStore) ListScheduledJobs(_ domain.Context, isActive *bool, _, _ int) ([]domain.ScheduledJob, error) {
	out := make([]domain.ScheduledJob, 0, len(s.defs))
	for _, d := range s.defs {
		if isActive != nil && d.IsActive != *isActive {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeScheduleStore) GetScheduledJob(_ domain.Context, id string) (domain.ScheduledJob, error) {
	d, ok := s.defs[id]
	if !ok {
		return domain.ScheduledJob{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *fakeScheduleStore) DeleteScheduledJob(_ domain.Context, id string) error {
	if _, ok := s.defs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.defs, id)
	return nil
}

func (s *fakeScheduleStore) ToggleScheduledJob(_ domain.Context, id string) (domain.ScheduledJob, error) {
	d, ok := s.defs[id]
	if !ok {
		return domain.ScheduledJob{}, domain.ErrNotFound
	}
	d.IsActive = !d.IsActive
	s.defs[id] = d
	return d, nil
}

func (s *fakeScheduleStore) DueScheduledJobs(_ domain.Context, now time.Time) ([]domain.ScheduledJob, error) {
	out := make([]domain.ScheduledJob, 0)
	for _, d := range s.defs {
		if d.IsActive && !d.NextRunAt.After(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeScheduleStore) MaterializeFire(_ domain.Context, def domain.ScheduledJob, firedAt, nextRun time.Time, j domain.Job) (bool, error) {
	if !s.casWins {
		return false, nil
	}
	s.fires = append(s.fires, materializeCall{def: def, firedAt: firedAt, nextRun: nextRun, job: j})
	d := s.defs[def.ID]
	d.LastRunAt = &firedAt
	d.NextRunAt = nextRun
	s.defs[def.ID] = d
	return true, nil
}
