package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

func TestObserveConditionalUpdate(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveConditionalUpdate("reserve", domain.OutcomeApplied, 3*time.Millisecond)
	m.ObserveConditionalUpdate("reserve", domain.OutcomeApplied, time.Millisecond)
	m.ObserveConditionalUpdate("reserve", domain.OutcomeConflict, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.conditionalUpdates.WithLabelValues("reserve", domain.OutcomeApplied.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conditionalUpdates.WithLabelValues("reserve", domain.OutcomeConflict.String())))
	assert.Equal(t, 1, testutil.CollectAndCount(m.conditionalDuration))
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/events/{eventID}/inventory", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/"+id+"/inventory", nil))
		require.Equal(t, http.StatusNotModified, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/events/{eventID}/inventory", "304")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRequests))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestMiddlewareCollapsesUnmatchedPaths(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})

	for _, path := range []string{"/nope", "/scan/1", "/scan/2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, unmatchedRoute, "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpRequests))
}
