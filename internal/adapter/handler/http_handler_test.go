package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ticket-inventory/internal/adapter/storage"
	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const (
	testTenant = "tenant-a"
	testEvent  = "event-1"
	testLine   = "ga"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (m *memoryIdempotency) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryIdempotency) ClearIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type testServer struct {
	repo        *service.InventoryRepository
	idempotency *memoryIdempotency
	router      http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := service.NewInventoryRepository(storage.NewMemoryEventStore())
	inventory := service.NewInventoryService(repo)
	reservations := service.NewReservationService(inventory, storage.NewMemoryReservationRepository(), 3, 10*time.Minute)
	idempotency := &memoryIdempotency{keys: make(map[string]bool)}

	s := &testServer{
		repo:        repo,
		idempotency: idempotency,
		router:      NewHTTPHandler(inventory, reservations, nil, idempotency, logger).Routes(),
	}
	s.createEvent(t, testEvent, testTenant, 10)
	return s
}

func (s *testServer) createEvent(t *testing.T, id, tenant string, total int) {
	t.Helper()
	event, err := domain.NewEvent(id, tenant, "Concert", []domain.InventoryLine{{ID: testLine, Name: "General", Total: total}}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.repo.Create(context.Background(), event))
}

func (s *testServer) etag(t *testing.T, eventID string) string {
	t.Helper()
	token, err := s.repo.GetTokenOnly(context.Background(), eventID)
	require.NoError(t, err)
	return token.Header()
}

func (s *testServer) line(t *testing.T, eventID string) domain.LineSummary {
	t.Helper()
	summary, err := s.repo.GetInventorySummaryWithToken(context.Background(), eventID)
	require.NoError(t, err)
	line, ok := summary.Line(testLine)
	require.True(t, ok)
	return line
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(headerTenantID, testTenant)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type testResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func reservePath(eventID string) string {
	return fmt.Sprintf("/api/events/%s/lines/%s/reserve", eventID, testLine)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetInventory(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/events/"+testEvent+"/inventory", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get(headerETag)
	assert.Equal(t, s.etag(t, testEvent), etag)

	var summary domain.InventorySummary
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &summary))
	assert.Equal(t, 10, summary.Available)

	rec = s.do(t, http.MethodGet, "/api/events/"+testEvent+"/inventory", nil, map[string]string{headerIfNoneMatch: etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/events/"+testEvent+"/inventory", nil, map[string]string{headerIfNoneMatch: `"00000000000000000000000000000000"`})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/events/"+testEvent+"/inventory", nil, map[string]string{headerIfNoneMatch: "*"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetInventory_TenantScope(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/events/"+testEvent+"/inventory", nil)
	req.Header.Set(headerTenantID, "tenant-b")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/events/missing/inventory", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAvailability(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/events/"+testEvent+"/availability", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(headerETag), "advisory reads carry no validator")
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestReserve(t *testing.T) {
	s := newTestServer(t)
	etag := s.etag(t, testEvent)

	rec := s.do(t, http.MethodPost, reservePath(testEvent), QuantityHTTPRequest{Quantity: 4}, map[string]string{headerIfMatch: etag})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode(t, rec).Success)

	newETag := rec.Header().Get(headerETag)
	assert.NotEqual(t, etag, newETag)
	assert.Equal(t, s.etag(t, testEvent), newETag)
	assert.Equal(t, 4, s.line(t, testEvent).Reserved)

	rec = s.do(t, http.MethodPost, "/api/events/"+testEvent+"/lines/"+testLine+"/release", QuantityHTTPRequest{Quantity: 3}, map[string]string{headerIfMatch: newETag})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.line(t, testEvent).Reserved)
}

// blindTokenStore fails token-only lookups so the handler must take the
// ETag from the write itself.
type blindTokenStore struct {
	port.TxStore[*domain.Event]
}

func (blindTokenStore) GetTokens(context.Context, []string) (map[string]domain.TokenRef, error) {
	return nil, errors.New("token lookup unavailable")
}

func TestReserve_ETagComesFromWrite(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repo := service.NewInventoryRepository(blindTokenStore{TxStore: storage.NewMemoryEventStore()})
	inventory := service.NewInventoryService(repo)
	reservations := service.NewReservationService(inventory, storage.NewMemoryReservationRepository(), 3, time.Minute)
	s := &testServer{repo: repo, router: NewHTTPHandler(inventory, reservations, nil, nil, logger).Routes()}
	s.createEvent(t, testEvent, testTenant, 10)

	current := func() string {
		_, token, err := repo.GetWithToken(domain.WithTenant(context.Background(), testTenant), testEvent)
		require.NoError(t, err)
		return token.Header()
	}

	rec := s.do(t, http.MethodPost, reservePath(testEvent), QuantityHTTPRequest{Quantity: 2}, map[string]string{headerIfMatch: current()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, current(), rec.Header().Get(headerETag))

	rec = s.do(t, http.MethodPost, "/api/events/"+testEvent+"/lines/"+testLine+"/release", QuantityHTTPRequest{Quantity: 1}, map[string]string{headerIfMatch: rec.Header().Get(headerETag)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, current(), rec.Header().Get(headerETag))

	rec = s.do(t, http.MethodPost, "/api/reservations", ReservationHTTPRequest{EventID: testEvent, LineID: testLine, Quantity: 1}, map[string]string{headerIfMatch: rec.Header().Get(headerETag)})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, current(), rec.Header().Get(headerETag))
}

func TestReserve_Refusals(t *testing.T) {
	s := newTestServer(t)
	stale := s.etag(t, testEvent)
	rec := s.do(t, http.MethodPost, reservePath(testEvent), QuantityHTTPRequest{Quantity: 8}, map[string]string{headerIfMatch: stale})
	require.Equal(t, http.StatusOK, rec.Code)
	fresh := rec.Header().Get(headerETag)

	tests := []struct {
		name     string
		path     string
		body     any
		ifMatch  string
		want     int
		wantBody string
	}{
		{"missing If-Match", reservePath(testEvent), QuantityHTTPRequest{Quantity: 1}, "", http.StatusPreconditionRequired, "precondition required"},
		{"malformed If-Match", reservePath(testEvent), QuantityHTTPRequest{Quantity: 1}, "not-a-token", http.StatusBadRequest, "malformed precondition"},
		{"wildcard If-Match", reservePath(testEvent), QuantityHTTPRequest{Quantity: 1}, "*", http.StatusBadRequest, "malformed precondition"},
		{"weak If-Match", reservePath(testEvent), QuantityHTTPRequest{Quantity: 1}, "W/" + fresh, http.StatusBadRequest, "malformed precondition"},
		{"stale If-Match", reservePath(testEvent), QuantityHTTPRequest{Quantity: 1}, stale, http.StatusPreconditionFailed, "precondition failed"},
		{"insufficient", reservePath(testEvent), QuantityHTTPRequest{Quantity: 3}, fresh, http.StatusConflict, "insufficient inventory"},
		{"invalid quantity", reservePath(testEvent), QuantityHTTPRequest{Quantity: 0}, fresh, http.StatusBadRequest, "invalid request"},
		{"unknown line", "/api/events/" + testEvent + "/lines/vip/reserve", QuantityHTTPRequest{Quantity: 1}, fresh, http.StatusBadRequest, "invalid request"},
		{"unknown event", reservePath("missing"), QuantityHTTPRequest{Quantity: 1}, fresh, http.StatusNotFound, "not found"},
		{"bad body", reservePath(testEvent), "not json", fresh, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.ifMatch != "" {
				headers[headerIfMatch] = tt.ifMatch
			}
			rec := s.do(t, http.MethodPost, tt.path, tt.body, headers)
			assert.Equal(t, tt.want, rec.Code)
			resp := decode(t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantBody, resp.Message)
		})
	}

	assert.Equal(t, 8, s.line(t, testEvent).Reserved, "refused calls change nothing")
	assert.Equal(t, fresh, s.etag(t, testEvent))
}

func TestBulk(t *testing.T) {
	s := newTestServer(t)
	s.createEvent(t, "event-2", testTenant, 5)

	body := BulkHTTPRequest{Mutations: []BulkMutationHTTPRequest{
		{EventID: testEvent, IfMatch: s.etag(t, testEvent), Op: "reserve", LineID: testLine, Quantity: 2},
		{EventID: "event-2", IfMatch: s.etag(t, "event-2"), Op: "reserve", LineID: testLine, Quantity: 1},
	}}
	rec := s.do(t, http.MethodPost, "/api/inventory/bulk", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results map[string]bool
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &results))
	assert.Equal(t, map[string]bool{testEvent: true, "event-2": true}, results)
	assert.Equal(t, 2, s.line(t, testEvent).Reserved)
	assert.Equal(t, 1, s.line(t, "event-2").Reserved)

	// A stale token on one event aborts the sale on the other.
	body.Mutations[1].IfMatch = s.etag(t, "event-2")
	body.Mutations[1].Op = "sale"
	rec = s.do(t, http.MethodPost, "/api/inventory/bulk", body, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &results))
	assert.False(t, results[testEvent])
	assert.False(t, results["event-2"])
	assert.Equal(t, 2, s.line(t, testEvent).Reserved)
	assert.Equal(t, 1, s.line(t, "event-2").Reserved)
	assert.Equal(t, 0, s.line(t, "event-2").Sold)

	body.Mutations[0].IfMatch = s.etag(t, testEvent)
	rec = s.do(t, http.MethodPost, "/api/inventory/bulk", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, s.line(t, testEvent).Reserved)
	assert.Equal(t, 0, s.line(t, "event-2").Reserved)
	assert.Equal(t, 1, s.line(t, "event-2").Sold)
}

func TestBulk_BadRequests(t *testing.T) {
	s := newTestServer(t)
	etag := s.etag(t, testEvent)

	tests := []struct {
		name      string
		mutations []BulkMutationHTTPRequest
		want      int
	}{
		{"empty", nil, http.StatusBadRequest},
		{"duplicate event", []BulkMutationHTTPRequest{
			{EventID: testEvent, IfMatch: etag, Op: "reserve", LineID: testLine, Quantity: 1},
			{EventID: testEvent, IfMatch: etag, Op: "release", LineID: testLine, Quantity: 1},
		}, http.StatusBadRequest},
		{"unknown op", []BulkMutationHTTPRequest{{EventID: testEvent, IfMatch: etag, Op: "steal", LineID: testLine, Quantity: 1}}, http.StatusBadRequest},
		{"missing token", []BulkMutationHTTPRequest{{EventID: testEvent, Op: "reserve", LineID: testLine, Quantity: 1}}, http.StatusPreconditionRequired},
		{"zero quantity", []BulkMutationHTTPRequest{{EventID: testEvent, IfMatch: etag, Op: "reserve", LineID: testLine}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/inventory/bulk", BulkHTTPRequest{Mutations: tt.mutations}, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func createReservation(t *testing.T, s *testServer, qty int, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	if headers == nil {
		headers = map[string]string{}
	}
	headers[headerIfMatch] = s.etag(t, testEvent)
	return s.do(t, http.MethodPost, "/api/reservations", ReservationHTTPRequest{EventID: testEvent, LineID: testLine, Quantity: qty}, headers)
}

func reservationID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var res ReservationHTTPResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &res))
	require.NotEmpty(t, res.ID)
	return res.ID
}

func TestReservationLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := createReservation(t, s, 3, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, s.etag(t, testEvent), rec.Header().Get(headerETag))
	id := reservationID(t, rec)
	assert.Equal(t, 3, s.line(t, testEvent).Reserved)

	rec = s.do(t, http.MethodGet, "/api/reservations/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res ReservationHTTPResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &res))
	assert.Equal(t, string(domain.ReservationActive), res.Status)

	rec = s.do(t, http.MethodPost, "/api/reservations/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.line(t, testEvent).Reserved)

	rec = s.do(t, http.MethodPost, "/api/reservations/"+id+"/commit", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = createReservation(t, s, 2, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id = reservationID(t, rec)
	rec = s.do(t, http.MethodPost, "/api/reservations/"+id+"/commit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, s.line(t, testEvent).Sold)

	rec = s.do(t, http.MethodGet, "/api/reservations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateReservation_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/reservations", ReservationHTTPRequest{EventID: testEvent, LineID: testLine}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/reservations", ReservationHTTPRequest{EventID: testEvent, LineID: testLine, Quantity: 1}, nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	rec = createReservation(t, s, 11, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient inventory", decode(t, rec).Message)
}

func TestCreateReservation_Idempotency(t *testing.T) {
	s := newTestServer(t)
	headers := func() map[string]string { return map[string]string{headerIdempotencyKey: "req-1"} }

	rec := createReservation(t, s, 2, headers())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = createReservation(t, s, 2, headers())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate request", decode(t, rec).Message)
	assert.Equal(t, 2, s.line(t, testEvent).Reserved)

	// A failed attempt frees its key for a retry.
	rec = createReservation(t, s, 50, map[string]string{headerIdempotencyKey: "req-2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = createReservation(t, s, 1, map[string]string{headerIdempotencyKey: "req-2"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	s.idempotency.err = errors.New("redis down")
	rec = createReservation(t, s, 1, map[string]string{headerIdempotencyKey: "req-3"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	token := domain.VersionToken{EntityType: domain.EventEntityType, EntityID: testEvent}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"stale token", &domain.ConflictError{Expected: token, Actual: token}, http.StatusPreconditionFailed},
		{"reservation closed", domain.ErrReservationClosed, http.StatusConflict},
		{"retries exhausted", domain.ErrRetriesExhausted, http.StatusConflict},
		{"precondition required", domain.ErrPreconditionRequired, http.StatusPreconditionRequired},
		{"malformed", &domain.MalformedPreconditionError{Header: "x", Reason: "bad"}, http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"insufficient", &domain.InsufficientInventoryError{EventID: testEvent, LineID: testLine}, http.StatusConflict},
		{"invalid quantity", domain.ErrInvalidQuantity, http.StatusBadRequest},
		{"infrastructure", domain.Infrastructure("op", errors.New("db down")), http.StatusServiceUnavailable},
		{"unknown", errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := httpStatus(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
