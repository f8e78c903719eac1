package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"qms/sector-queue/internal/models"
	"qms/sector-queue/internal/queue"
	"qms/sector-queue/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// QueueService is the slice of queue.Service the handlers depend on.
type QueueService interface {
	ListSectors(ctx context.Context) ([]models.Sector, error)
	CreateTicket(ctx context.Context, req queue.CreateTicketRequest) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID int64) (queue.TicketView, error)
	ListWaiting(ctx context.Context, sectorID int64) ([]models.Ticket, error)
	ClaimNext(ctx context.Context, sectorID int64) (queue.CalledTicket, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service QueueService
	health  Pinger
	logger  *zap.Logger
}

type createTicketRequest struct {
	SectorID    int64  `json:"sector_id"`
	PatientName string `json:"patient_name"`
	IsPriority  bool   `json:"is_priority"`
}

type queueResponse struct {
	SectorID int64           `json:"sector_id"`
	Tickets  []models.Ticket `json:"tickets"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	Health Pinger
	Logger *zap.Logger
}

func NewHandler(service QueueService, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		health:  options.Health,
		logger:  logger.Named("http"),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/sectors", h.handleSectors)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/queue/", h.handleQueue)
	return withRequestID(mux)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(requestIDHeader, requestID)
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) handleSectors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sectors, err := h.service.ListSectors(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sectors == nil {
		sectors = []models.Sector{}
	}
	writeJSON(w, http.StatusOK, sectors)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	ticket, err := h.service.CreateTicket(r.Context(), queue.CreateTicketRequest{
		SectorID:    req.SectorID,
		PatientName: req.PatientName,
		IsPriority:  req.IsPriority,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tickets/"), "/")
	if path == "" || strings.Contains(path, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ticketID, ok := parseID(path)
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "ticket id must be a positive integer")
		return
	}

	view, err := h.service.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleQueue serves GET /api/queue/{sector_id} and
// POST /api/queue/{sector_id}/call.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "call") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sectorID, ok := parseID(parts[0])
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "sector_id must be a positive integer")
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCallNext(w, r, sectorID)
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tickets, err := h.service.ListWaiting(r.Context(), sectorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, queueResponse{SectorID: sectorID, Tickets: tickets})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, sectorID int64) {
	called, err := h.service.ClaimNext(r.Context(), sectorID)
	if err != nil {
		if errors.Is(err, store.ErrQueueEmpty) {
			writeJSON(w, http.StatusOK, statusResponse{Status: "queue_empty"})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, called)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
	}
	if status == http.StatusBadRequest {
		msg = err.Error()
	}
	writeError(w, requestID(r), status, code, msg)
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, store.ErrSectorNotFound):
		return http.StatusNotFound, "sector_not_found", "sector not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrTransientConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "storage is unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout", "request did not complete in time"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
