package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/usecase"
)

type scheduleResponse struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	JobType        string         `json:"job_type"`
	CronExpression string         `json:"cron_expression"`
	Payload        domain.Payload `json:"payload"`
	Priority       string         `json:"priority"`
	IsActive       bool           `json:"is_active"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      time.Time      `json:"next_run_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

func toScheduleResponse(sj domain.ScheduledJob) scheduleResponse {
	return scheduleResponse{
		ID:             sj.ID,
		Name:           sj.Name,
		JobType:        string(sj.JobType),
		CronExpression: sj.CronExpression,
		Payload:        sj.Payload,
		Priority:       string(sj.Priority),
		IsActive:       sj.IsActive,
		LastRunAt:      sj.LastRunAt,
		NextRunAt:      sj.NextRunAt,
		CreatedAt:      sj.CreatedAt,
	}
}

type createScheduleRequest struct {
	Name           string         `json:"name" validate:"required"`
	JobType        string         `json:"job_type" validate:"required"`
	CronExpression string         `json:"cron_expression" validate:"required"`
	Payload        domain.Payload `json:"payload"`
	Priority       string         `json:"priority"`
	IsActive       *bool          `json:"is_active"`
}

// CreateScheduleHandler handles POST /api/v1/scheduled-jobs.
func (s *Server) CreateScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		def, err := s.Schedules.Create(r.Context(), usecase.CreateScheduleInput{
			Name:           req.Name,
			JobType:        domain.JobType(req.JobType),
			CronExpression: req.CronExpression,
			Payload:        req.Payload,
			Priority:       domain.JobPriority(req.Priority),
			IsActive:       req.IsActive,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("schedule created", "schedule_id", def.ID, "name", def.Name)
		writeJSON(w, http.StatusCreated, toScheduleResponse(def))
	}
}

// ListSchedulesHandler handles GET /api/v1/scheduled-jobs with an optional
// is_active filter.
func (s *Server) ListSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var isActive *bool
		if v := q.Get("is_active"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: is_active must be a boolean", domain.ErrInvalidArgument), nil)
				return
			}
			isActive = &b
		}
		defs, err := s.Schedules.List(r.Context(), isActive, intQuery(q.Get("limit"), 100), intQuery(q.Get("offset"), 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]scheduleResponse, 0, len(defs))
		for _, d := range defs {
			out = append(out, toScheduleResponse(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"scheduled_jobs": out, "count": len(out)})
	}
}

// GetScheduleHandler handles GET /api/v1/scheduled-jobs/{id}.
func (s *Server) GetScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := s.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toScheduleResponse(def))
	}
}

// DeleteScheduleHandler handles DELETE /api/v1/scheduled-jobs/{id}.
func (s *Server) DeleteScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Schedules.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("schedule deleted", "schedule_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ToggleScheduleHandler handles PATCH /api/v1/scheduled-jobs/{id}/toggle.
func (s *Server) ToggleScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := s.Schedules.Toggle(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("schedule toggled", "schedule_id", def.ID, "is_active", def.IsActive)
		writeJSON(w, http.StatusOK, toScheduleResponse(def))
	}
}
