// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsStarted counts batch jobs created, including those that failed before running.
	JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pvebatch_jobs_started_total",
		Help: "Total batch jobs created",
	})

	// JobsFinished counts jobs reaching a terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebatch_jobs_finished_total",
		Help: "Total batch jobs finished by terminal status",
	}, []string{"status"})

	// ActiveJobs tracks jobs with a live worker pool.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pvebatch_active_jobs",
		Help: "Batch jobs currently running",
	})

	// ResourcesProcessed counts per-resource terminal outcomes.
	ResourcesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebatch_resources_processed_total",
		Help: "Resources processed by outcome",
	}, []string{"outcome"})

	// StageDuration tracks pipeline stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pvebatch_stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5min
	}, []string{"stage", "result"})

	// AIRequests counts provider calls, including retries.
	AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebatch_ai_requests_total",
		Help: "AI provider requests by provider and result",
	}, []string{"provider", "result"})

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pvebatch_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks API request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pvebatch_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// HandlerPanics counts panics recovered in API handlers.
	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pvebatch_http_handler_panics_total",
		Help: "Panics recovered while serving API requests",
	})
)

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, start time.Time, err error) {
	StageDuration.WithLabelValues(stage, result(err)).Observe(time.Since(start).Seconds())
}

// ObserveAIRequest records one provider call.
func ObserveAIRequest(provider string, err error) {
	AIRequests.WithLabelValues(provider, result(err)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
