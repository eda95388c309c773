package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/core/service"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const (
	headerETag           = "ETag"
	headerIfMatch        = "If-Match"
	headerIfNoneMatch    = "If-None-Match"
	headerIdempotencyKey = "Idempotency-Key"
	headerTenantID       = "X-Tenant-ID"
)

type HTTPHandler struct {
	inventory    *service.InventoryService
	reservations *service.ReservationService
	availability *service.AvailabilityCache
	idempotency  port.IdempotencyStore
	log          logrus.FieldLogger
}

type QuantityHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type ReservationHTTPRequest struct {
	EventID    string `json:"event_id"`
	LineID     string `json:"line_id"`
	Quantity   int    `json:"quantity"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type BulkMutationHTTPRequest struct {
	EventID  string `json:"event_id"`
	IfMatch  string `json:"if_match"`
	Op       string `json:"op"`
	LineID   string `json:"line_id"`
	Quantity int    `json:"quantity"`
}

type BulkHTTPRequest struct {
	Mutations []BulkMutationHTTPRequest `json:"mutations"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type ReservationHTTPResponse struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	LineID    string    `json:"line_id"`
	Quantity  int       `json:"quantity"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewHTTPHandler wires the HTTP boundary. availability and idempotency may
// be nil: availability then reads the store, and Idempotency-Key is ignored.
func NewHTTPHandler(inventory *service.InventoryService, reservations *service.ReservationService, availability *service.AvailabilityCache, idempotency port.IdempotencyStore, logger logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		inventory:    inventory,
		reservations: reservations,
		availability: availability,
		idempotency:  idempotency,
		log:          logger,
	}
}

// Routes builds the router. Extra middlewares run outside the defaults.
func (h *HTTPHandler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Use(middleware.RequestID, middleware.Recoverer, tenantScope)

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Get("/events/{eventID}/inventory", h.GetInventory)
		r.Get("/events/{eventID}/availability", h.GetAvailability)
		r.Post("/events/{eventID}/lines/{lineID}/reserve", h.Reserve)
		r.Post("/events/{eventID}/lines/{lineID}/release", h.Release)
		r.Post("/inventory/bulk", h.Bulk)

		r.Post("/reservations", h.CreateReservation)
		r.Get("/reservations/{reservationID}", h.GetReservation)
		r.Post("/reservations/{reservationID}/cancel", h.CancelReservation)
		r.Post("/reservations/{reservationID}/commit", h.CommitReservation)
	})
	return r
}

func tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant := r.Header.Get(headerTenantID); tenant != "" {
			r = r.WithContext(domain.WithTenant(r.Context(), tenant))
		}
		next.ServeHTTP(w, r)
	})
}

// GetInventory returns the authoritative summary with its ETag, or 304 when
// If-None-Match names the current token.
func (h *HTTPHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var cached *domain.VersionToken
	if header := r.Header.Get(headerIfNoneMatch); header != "" {
		token, err := domain.ParseToken(header, domain.EventEntityType, eventID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		cached = &token
	}

	summary, err := h.inventory.Repository().GetInventorySummaryWithToken(r.Context(), eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set(headerETag, summary.Token.Header())
	if cached != nil && domain.Matches(*cached, summary.Token) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: summary})
}

// GetAvailability serves the advisory cached summary. It carries no ETag.
func (h *HTTPHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var (
		summary domain.InventorySummary
		err     error
	)
	if h.availability != nil {
		summary, err = h.availability.Summary(r.Context(), eventID)
	} else {
		summary, err = h.inventory.Repository().GetInventorySummaryWithToken(r.Context(), eventID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: summary})
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, "reserved", h.inventory.ReserveWithToken, h.inventory.ExplainReserve)
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.mutateLine(w, r, "released", h.inventory.ReleaseWithToken, h.inventory.ExplainRelease)
}

type lineMutation func(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) (domain.VersionToken, bool, error)
type lineExplain func(ctx context.Context, eventID, lineID string, quantity int, expected domain.VersionToken) error

func (h *HTTPHandler) mutateLine(w http.ResponseWriter, r *http.Request, done string, try lineMutation, explain lineExplain) {
	eventID := chi.URLParam(r, "eventID")
	lineID := chi.URLParam(r, "lineID")

	expected, err := domain.ParseToken(r.Header.Get(headerIfMatch), domain.EventEntityType, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req QuantityHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid request body"})
		return
	}

	token, ok, err := try(r.Context(), eventID, lineID, req.Quantity, expected)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		reason := explain(r.Context(), eventID, lineID, req.Quantity, expected)
		if reason == nil {
			writeJSON(w, http.StatusConflict, APIResponse{Success: false, Message: "concurrent update, retry"})
			return
		}
		h.writeError(w, r, reason)
		return
	}

	w.Header().Set(headerETag, token.Header())
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: done})
}

// Bulk applies a set of per-event mutations all-or-nothing.
func (h *HTTPHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Mutations) == 0 {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid request body"})
		return
	}

	mutations := make(map[string]service.BulkMutation, len(req.Mutations))
	for _, m := range req.Mutations {
		if _, dup := mutations[m.EventID]; dup {
			writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "one mutation per event"})
			return
		}
		if m.Quantity <= 0 {
			h.writeError(w, r, domain.ErrInvalidQuantity)
			return
		}
		expected, err := domain.ParseToken(m.IfMatch, domain.EventEntityType, m.EventID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		var transition service.Transition
		switch m.Op {
		case "reserve":
			transition = service.ReserveTransition(m.LineID, m.Quantity)
		case "release":
			transition = service.ReleaseTransition(m.LineID, m.Quantity)
		case "sale":
			transition = service.SaleTransition(m.LineID, m.Quantity)
		default:
			writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "unknown op " + m.Op})
			return
		}
		mutations[m.EventID] = service.BulkMutation{Expected: expected, Transition: transition}
	}

	results, err := h.inventory.Repository().TryConditionalUpdateBulk(r.Context(), mutations)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	applied := len(results) > 0
	for _, ok := range results {
		applied = applied && ok
	}
	if !applied {
		writeJSON(w, http.StatusConflict, APIResponse{Success: false, Message: "bulk update not applied", Data: results})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "bulk update applied", Data: results})
}

// CreateReservation holds seats and records a reservation. An
// Idempotency-Key makes the call safe to retry.
func (h *HTTPHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid request body"})
		return
	}
	if req.EventID == "" || req.LineID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "missing required fields"})
		return
	}

	expected, err := domain.ParseToken(r.Header.Get(headerIfMatch), domain.EventEntityType, req.EventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	idemKey := ""
	if key := r.Header.Get(headerIdempotencyKey); key != "" && h.idempotency != nil {
		tenant, _ := domain.TenantFromContext(r.Context())
		idemKey = "reservation:" + tenant + ":" + key
		ok, err := h.idempotency.SetIdempotency(r.Context(), idemKey)
		if err != nil {
			h.writeError(w, r, domain.Infrastructure("idempotency check", err))
			return
		}
		if !ok {
			writeJSON(w, http.StatusConflict, APIResponse{Success: false, Message: "duplicate request"})
			return
		}
	}

	res, token, err := h.reservations.ReserveWithToken(r.Context(), req.EventID, req.LineID, req.Quantity, expected, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		if idemKey != "" {
			if cerr := h.idempotency.ClearIdempotency(r.Context(), idemKey); cerr != nil {
				h.log.WithError(cerr).Warn("failed to clear idempotency key")
			}
		}
		h.writeError(w, r, err)
		return
	}

	w.Header().Set(headerETag, token.Header())
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Message: "reservation created", Data: toReservationResponse(res)})
}

func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Get(r.Context(), chi.URLParam(r, "reservationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "ok", Data: toReservationResponse(*res)})
}

func (h *HTTPHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	if err := h.reservations.Cancel(r.Context(), chi.URLParam(r, "reservationID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "reservation cancelled"})
}

func (h *HTTPHandler) CommitReservation(w http.ResponseWriter, r *http.Request) {
	if err := h.reservations.Commit(r.Context(), chi.URLParam(r, "reservationID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "reservation committed"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	entry := h.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"kind":   domain.KindOf(err).String(),
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Debug("request refused")
	}
	writeJSON(w, status, APIResponse{Success: false, Message: message})
}

func toReservationResponse(res domain.Reservation) ReservationHTTPResponse {
	return ReservationHTTPResponse{
		ID:        res.ID,
		EventID:   res.EventID,
		LineID:    res.LineID,
		Quantity:  res.Quantity,
		Status:    string(res.Status),
		ExpiresAt: res.ExpiresAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
