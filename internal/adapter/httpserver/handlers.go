package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Jobs        usecase.JobService
	DeadLetters usecase.DeadLetterService
	Schedules   usecase.ScheduleService
	DBCheck     func(ctx context.Context) error
	CacheCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, jobs usecase.JobService, deadLetters usecase.DeadLetterService, schedules usecase.ScheduleService, dbCheck, cacheCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, DeadLetters: deadLetters, Schedules: schedules, DBCheck: dbCheck, CacheCheck: cacheCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type jobResponse struct {
	ID           string         `json:"id"`
	JobType      string         `json:"job_type"`
	Priority     string         `json:"priority"`
	Status       string         `json:"status"`
	Payload      domain.Payload `json:"payload"`
	MaxRetries   int            `json:"max_retries"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	WorkerID     *string        `json:"worker_id,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		JobType:      string(j.Type),
		Priority:     string(j.Priority),
		Status:       string(j.Status),
		Payload:      j.Payload,
		MaxRetries:   j.MaxRetries,
		RetryCount:   j.RetryCount,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ScheduledFor: j.ScheduledFor,
		WorkerID:     j.WorkerID,
		ErrorMessage: j.ErrorMessage,
	}
}

type attemptResponse struct {
	AttemptNumber  int        `json:"attempt_number"`
	StartedAt      time.Time  `json:"started_at"`
	FailedAt       time.Time  `json:"failed_at"`
	ErrorMessage   string     `json:"error_message"`
	ErrorTraceback string     `json:"error_traceback,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

type submitJobRequest struct {
	JobType      string         `json:"job_type" validate:"required"`
	Priority     string         `json:"priority"`
	Payload      domain.Payload `json:"payload" validate:"required"`
	MaxRetries   *int           `json:"max_retries"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
}

// SubmitJobHandler handles POST /api/v1/jobs.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		j, err := s.Jobs.Submit(r.Context(), usecase.SubmitInput{
			Type:         domain.JobType(req.JobType),
			Priority:     domain.JobPriority(req.Priority),
			Payload:      req.Payload,
			MaxRetries:   req.MaxRetries,
			ScheduledFor: req.ScheduledFor,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job submitted", "job_id", j.ID, "job_type", j.Type)
		writeJSON(w, http.StatusCreated, toJobResponse(j))
	}
}

// GetJobHandler handles GET /api/v1/jobs/{id}, returning the job with its
// attempt history.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		jwa, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		attempts := make([]attemptResponse, 0, len(jwa.Attempts))
		for _, a := range jwa.Attempts {
			attempts = append(attempts, attemptResponse{
				AttemptNumber:  a.AttemptNumber,
				StartedAt:      a.StartedAt,
				FailedAt:       a.FailedAt,
				ErrorMessage:   a.ErrorMessage,
				ErrorTraceback: a.ErrorTraceback,
				NextRetryAt:    a.NextRetryAt,
			})
		}
		writeJSON(w, http.StatusOK, struct {
			jobResponse
			Attempts     []attemptResponse `json:"retry_attempts"`
			CachedStatus *domain.JobStatus `json:"cached_status,omitempty"`
		}{toJobResponse(jwa.Job), attempts, jwa.CachedStatus})
	}
}

// ListJobsHandler handles GET /api/v1/jobs with status, priority, job_type,
// limit, and offset query filters.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.JobFilter{
			Status:   domain.JobStatus(q.Get("status")),
			Priority: domain.JobPriority(q.Get("priority")),
			JobType:  domain.JobType(q.Get("job_type")),
			Limit:    intQuery(q.Get("limit"), 100),
			Offset:   intQuery(q.Get("offset"), 0),
		}
		jobs, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
	}
}

// CancelJobHandler handles DELETE /api/v1/jobs/{id}.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job cancelled", "job_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// StatsHandler handles GET /api/v1/stats.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Jobs.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": map[string]int64{
				"pending":   st.Stats.PendingJobs,
				"running":   st.Stats.RunningJobs,
				"completed": st.Stats.CompletedJobs,
				"failed":    st.Stats.FailedJobs,
				"retrying":  st.Stats.RetryingJobs,
				"cancelled": st.Stats.CancelledJobs,
			},
			"pending_by_priority": map[string]int64{
				"high":   st.Stats.PendingHigh,
				"medium": st.Stats.PendingMedium,
				"low":    st.Stats.PendingLow,
			},
			"dead_letters":   st.Stats.DeadLetterCount,
			"active_workers": st.ActiveWorkers,
		})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler reports dependency readiness: store, cache, and broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks := []check{
			{"database", s.DBCheck},
			{"cache", s.CacheCheck},
			{"broker", s.BrokerCheck},
		}
		status := make(map[string]string, len(checks))
		healthy := true
		for _, c := range checks {
			if c.fn == nil {
				status[c.name] = "skipped"
				continue
			}
			if err := c.fn(ctx); err != nil {
				status[c.name] = err.Error()
				healthy = false
				continue
			}
			status[c.name] = "ok"
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
