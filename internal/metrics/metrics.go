// Package metrics provides Prometheus instrumentation for the insurance
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts state transitions applied, partitioned by the
	// target state.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_transitions_total",
		Help: "State transitions applied to insurance contracts",
	}, []string{"state"})

	// TransitionsSkipped counts conditional updates that matched zero rows
	// (duplicate deliveries absorbed by the idempotency guard).
	TransitionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_transitions_skipped_total",
		Help: "Transitions skipped because the state was already applied",
	}, []string{"state"})

	// ChainCallErrors counts failed on-chain calls by contract method.
	ChainCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_chain_call_errors_total",
		Help: "On-chain calls that failed and were recorded in the state log",
	}, []string{"method"})

	// ChainEventsTotal counts decoded contract events by discriminator.
	ChainEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_chain_events_total",
		Help: "Contract events received from the chain subscription",
	}, []string{"type"})

	// InvalidationsTotal counts funding validations that failed, by reason.
	InvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_invalidations_total",
		Help: "Contracts moved to INVALID at funding validation",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insurance_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insurance_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insurance_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
