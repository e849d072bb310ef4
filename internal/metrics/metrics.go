// Package metrics provides Prometheus instrumentation for the behavior gate.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "behavior_gate"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DecisionsTotal counts assessments by level, action, and model version.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Risk decisions by level, action, and model version.",
		},
		[]string{"level", "action", "model_version"},
	)

	// ScorerFallbacksTotal counts rule-based fallbacks by reason.
	ScorerFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "fallbacks_total",
			Help:      "Times the rule scorer replaced the model, by reason.",
		},
		[]string{"reason"}, // "error", "timeout", "breaker_open", "invalid_prediction"
	)

	// ScorerLatency observes classifier call latency.
	ScorerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "latency_seconds",
			Help:      "Scorer call latency in seconds by scorer version.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"scorer"},
	)

	// BreakerTransitions counts classifier breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "breaker_transitions_total",
			Help:      "Classifier circuit breaker transitions by from-state and to-state.",
		},
		[]string{"from_state", "to_state"},
	)

	// AuditFailuresTotal counts failed writes by destination.
	AuditFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Failed attempt-log writes by destination.",
		},
		[]string{"destination"},
	)

	// AuditRecordsTotal counts appended records by kind.
	AuditRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Attempt records appended by kind.",
		},
		[]string{"kind"},
	)

	// AuditPurgedTotal counts records removed by the retention janitor.
	AuditPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "purged_total",
			Help:      "Attempt records removed by retention.",
		},
	)

	// SuspiciousTotal counts suspicious behavior patterns by reason.
	SuspiciousTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_patterns_total",
			Help:      "Suspicious behavior patterns observed, by reason.",
		},
		[]string{"reason"},
	)

	// RateLimitedTotal counts rejected requests by route and limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by rate limiting, by route and limiter.",
		},
		[]string{"route", "limiter"}, // limiter: "window", "session"
	)

	// RateLimiterErrorsTotal counts limiter backend errors that failed open.
	RateLimiterErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_errors_total",
			Help:      "Rate limiter backend errors; requests were allowed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		ScorerFallbacksTotal,
		ScorerLatency,
		BreakerTransitions,
		AuditFailuresTotal,
		AuditRecordsTotal,
		AuditPurgedTotal,
		SuspiciousTotal,
		RateLimitedTotal,
		RateLimiterErrorsTotal,
	)
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency using the chi route pattern
// so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
