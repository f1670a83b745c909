// Package app wires the HTTP surface together.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/relayq/relayq/internal/adapter/httpserver"
	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(api chi.Router) {
		// Rate limit mutating endpoints
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/jobs", srv.SubmitJobHandler())
			wr.Delete("/jobs/{id}", srv.CancelJobHandler())
			wr.Post("/dead-letters/{id}/retry", srv.RetryDeadLetterHandler())
			wr.Delete("/dead-letters/{id}", srv.DeleteDeadLetterHandler())
			wr.Post("/scheduled-jobs", srv.CreateScheduleHandler())
			wr.Delete("/scheduled-jobs/{id}", srv.DeleteScheduleHandler())
			wr.Patch("/scheduled-jobs/{id}/toggle", srv.ToggleScheduleHandler())
		})

		api.Get("/jobs", srv.ListJobsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Get("/stats", srv.StatsHandler())
		api.Get("/dead-letters", srv.ListDeadLettersHandler())
		api.Get("/dead-letters/{id}", srv.GetDeadLetterHandler())
		api.Get("/scheduled-jobs", srv.ListSchedulesHandler())
		api.Get("/scheduled-jobs/{id}", srv.GetScheduleHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
