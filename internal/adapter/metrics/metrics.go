package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// Metrics holds the collectors of one registry. Use a fresh registry per
// test to avoid duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	conditionalUpdates  *prometheus.CounterVec
	conditionalDuration *prometheus.HistogramVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	activeRequests      prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		conditionalUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_conditional_updates_total",
				Help: "Conditional inventory updates by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		conditionalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inventory_conditional_update_duration_seconds",
				Help:    "Duration of conditional inventory updates, lock wait included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_active_requests",
				Help: "Number of in-flight HTTP requests",
			},
		),
	}

	registry.MustRegister(
		m.conditionalUpdates,
		m.conditionalDuration,
		m.httpRequests,
		m.httpDuration,
		m.activeRequests,
	)
	return m
}

// ObserveConditionalUpdate implements service.Recorder.
func (m *Metrics) ObserveConditionalUpdate(op string, outcome domain.Outcome, elapsed time.Duration) {
	m.conditionalUpdates.WithLabelValues(op, outcome.String()).Inc()
	m.conditionalDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.activeRequests.Inc()
		defer m.activeRequests.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		// Unrouted requests share one label.
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
	})
}

const unmatchedRoute = "unmatched"

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
