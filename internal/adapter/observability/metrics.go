package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"type", "priority"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently executing on this worker",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retries scheduled",
		},
		[]string{"type"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"type"},
	)
	PoisonMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poison_messages_total",
			Help: "Total number of undecodable broker messages rejected",
		},
	)
	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Total number of messages published to the broker",
		},
		[]string{"priority", "delayed"},
	)
	ScheduledFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_fires_total",
			Help: "Total number of scheduled job fires won by this instance",
		},
		[]string{"name"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job handler execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(PoisonMessagesTotal)
	prometheus.MustRegister(MessagesPublishedTotal)
	prometheus.MustRegister(ScheduledFiresTotal)
	prometheus.MustRegister(JobDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func SubmitJob(jobType, priority string) {
	JobsSubmittedTotal.WithLabelValues(jobType, priority).Inc()
}

func StartJob(jobType string) {
	JobsRunning.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string, dur time.Duration) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "completed").Observe(dur.Seconds())
}

func RetryJob(jobType string, dur time.Duration) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsRetriedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "retried").Observe(dur.Seconds())
}

func DeadLetterJob(jobType string, dur time.Duration) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsDeadLetteredTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "dead_lettered").Observe(dur.Seconds())
}

func PublishMessage(priority string, delayed bool) {
	d := "false"
	if delayed {
		d = "true"
	}
	MessagesPublishedTotal.WithLabelValues(priority, d).Inc()
}
