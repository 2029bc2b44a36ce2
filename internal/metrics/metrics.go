// Package metrics exposes Prometheus instrumentation for registrations, jobs
// and the HTTP surface.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cuip/internal/registration"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "cuip_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuip_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})

	registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuip_registrations_total",
		Help: "Registrations by outcome.",
	}, []string{"outcome"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cuip_stage_duration_seconds",
		Help:    "Duration of each registration stage.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"stage"})
	sourcesDetected = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cuip_sources_detected",
		Help:    "Sources extracted per frame.",
		Buckets: []float64{0, 2, 4, 7, 10, 20, 50, 100},
	})
	residual = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cuip_solve_residual_pixels",
		Help:    "RMS residual of the solved transform.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuip_jobs_total",
		Help: "Pipeline jobs by type and status.",
	}, []string{"type", "status"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "cuip_job_duration_seconds",
		Help: "Pipeline job duration.",
	}, []string{"type"})
)

// Outcome labels a registration error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registration.ErrNoCandidateFound):
		return "no_candidate"
	case errors.Is(err, registration.ErrCandidateSetTooLarge):
		return "too_many_candidates"
	case errors.Is(err, registration.ErrSingularSystem):
		return "singular"
	case errors.Is(err, registration.ErrInvalidImageShape):
		return "invalid_image"
	case errors.Is(err, registration.ErrInvalidCatalog):
		return "invalid_catalog"
	default:
		return "error"
	}
}

// ObserveRegistration records one registration attempt.
func ObserveRegistration(res registration.Result, err error) {
	registrations.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		return
	}
	stageDuration.WithLabelValues("detect").Observe(res.Timings.Detect.Seconds())
	stageDuration.WithLabelValues("match").Observe(res.Timings.Match.Seconds())
	stageDuration.WithLabelValues("solve").Observe(res.Timings.Solve.Seconds())
	sourcesDetected.Observe(float64(len(res.Sources)))
	residual.Observe(res.Residual)
}

// ObserveJob records a finished pipeline job.
func ObserveJob(jobType, status string, d time.Duration) {
	jobs.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// PrometheusMiddleware times requests, labelling by route template when one matched.
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}
