package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayq/relayq/internal/domain"
)

type deadLetterResponse struct {
	ID               string         `json:"id"`
	JobID            string         `json:"job_id"`
	JobType          string         `json:"job_type"`
	Payload          domain.Payload `json:"payload"`
	TotalAttempts    int            `json:"total_attempts"`
	FirstAttemptAt   time.Time      `json:"first_attempt_at"`
	FinalFailureAt   time.Time      `json:"final_failure_at"`
	FailureReason    string         `json:"failure_reason"`
	AllErrorMessages []string       `json:"all_error_messages"`
}

func toDeadLetterResponse(d domain.DeadLetter) deadLetterResponse {
	return deadLetterResponse{
		ID:               d.ID,
		JobID:            d.JobID,
		JobType:          string(d.JobType),
		Payload:          d.Payload,
		TotalAttempts:    d.TotalAttempts,
		FirstAttemptAt:   d.FirstAttemptAt,
		FinalFailureAt:   d.FinalFailureAt,
		FailureReason:    d.FailureReason,
		AllErrorMessages: d.AllErrorMessages,
	}
}

// ListDeadLettersHandler handles GET /api/v1/dead-letters.
func (s *Server) ListDeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.DeadLetterFilter{
			JobType: domain.JobType(q.Get("job_type")),
			Limit:   intQuery(q.Get("limit"), 100),
			Offset:  intQuery(q.Get("offset"), 0),
		}
		letters, total, err := s.DeadLetters.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]deadLetterResponse, 0, len(letters))
		for _, d := range letters {
			out = append(out, toDeadLetterResponse(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out, "total": total})
	}
}

// GetDeadLetterHandler handles GET /api/v1/dead-letters/{id}.
func (s *Server) GetDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toDeadLetterResponse(d))
	}
}

// DeleteDeadLetterHandler handles DELETE /api/v1/dead-letters/{id}.
func (s *Server) DeleteDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.DeadLetters.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("dead letter discarded", "dead_letter_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// RetryDeadLetterHandler handles POST /api/v1/dead-letters/{id}/retry. The
// job is reset and re-published; 202 because execution is asynchronous.
func (s *Server) RetryDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, err := s.DeadLetters.Retry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("dead letter retried", "dead_letter_id", id, "job_id", j.ID)
		writeJSON(w, http.StatusAccepted, toJobResponse(j))
	}
}
