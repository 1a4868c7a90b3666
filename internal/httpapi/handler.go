package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"turnos/internal/models"
	"turnos/internal/queue"
	"turnos/internal/store"
)

// Queue is the part of queue.Manager served over HTTP.
type Queue interface {
	TakeTicket(ctx context.Context, input queue.TakeTicketInput) (models.Ticket, bool, error)
	CallNext(ctx context.Context, businessID string) (queue.Outcome, error)
	CallTicket(ctx context.Context, businessID, ticketID string) (queue.Outcome, error)
	CompleteTicket(ctx context.Context, businessID, ticketID string) (queue.Outcome, error)
	CancelTicket(ctx context.Context, businessID, ticketID string) (queue.Outcome, error)
	CancelByCustomer(ctx context.Context, businessID, code, phone string) (queue.Outcome, error)
	MoveTicket(ctx context.Context, businessID, ticketID string, position int) (queue.Outcome, error)
	Status(ctx context.Context, businessID, code string) (queue.TicketStatus, error)
	ActiveTicketByPhone(ctx context.Context, businessID, phone string) (queue.TicketStatus, bool, error)
	Snapshot(ctx context.Context, businessID string) (queue.Snapshot, error)
	Stats(ctx context.Context, businessID, date string) (queue.DayStats, error)
	Config(ctx context.Context, businessID string) models.BusinessConfig
	Catalog(ctx context.Context, businessID string) queue.Catalog
	TicketEvents(ctx context.Context, businessID, ticketID string) ([]store.TicketEvent, error)
}

type Handler struct {
	queue      Queue
	sessions   store.SessionStore
	logger     *zap.Logger
	sessionTTL time.Duration
	now        func() time.Time
}

type Options struct {
	SessionTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

const defaultSessionTTL = 8 * time.Hour

type takeTicketRequest struct {
	RequestID     string `json:"request_id"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	ServiceName   string `json:"service_name"`
}

type customerCancelRequest struct {
	Code  string `json:"code"`
	Phone string `json:"phone"`
}

type moveRequest struct {
	Position *int `json:"position"`
}

type loginRequest struct {
	BusinessID string `json:"business_id"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type loginResponse struct {
	SessionID string   `json:"session_id"`
	ExpiresAt string   `json:"expires_at"`
	User      userInfo `json:"user"`
}

type userInfo struct {
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
	Role       string `json:"role"`
	Email      string `json:"email"`
}

type serviceInfo struct {
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func NewHandler(q Queue, sessions store.SessionStore, options Options) *Handler {
	h := &Handler{
		queue:      q,
		sessions:   sessions,
		logger:     options.Logger,
		sessionTTL: options.SessionTTL,
		now:        options.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.sessionTTL <= 0 {
		h.sessionTTL = defaultSessionTTL
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/auth/logout", h.handleLogout)

	mux.HandleFunc("/api/public/tickets", h.handlePublicTake)
	mux.HandleFunc("/api/public/tickets/status", h.handleStatus)
	mux.HandleFunc("/api/public/tickets/active", h.handleActiveByPhone)
	mux.HandleFunc("/api/public/tickets/cancel", h.handleCustomerCancel)
	mux.HandleFunc("/api/public/queue", h.handlePublicQueue)
	mux.HandleFunc("/api/public/services", h.handleServices)

	mux.HandleFunc("/api/tickets", h.handleStaffTake)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/config", h.handleConfig)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.Email = strings.TrimSpace(req.Email)
	if req.BusinessID == "" || req.Email == "" || req.Password == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "business_id, email, and password are required")
		return
	}
	if !isValidUUID(req.BusinessID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}

	user, err := h.sessions.FindStaffUser(r.Context(), req.BusinessID, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, requestID, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.fail(w, requestID, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, requestID, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	session := store.Session{
		SessionID:  uuid.NewString(),
		UserID:     user.UserID,
		BusinessID: user.BusinessID,
		Role:       user.Role,
		ExpiresAt:  h.now().Add(h.sessionTTL).UTC(),
	}
	if err := h.sessions.CreateSession(r.Context(), session); err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
		User: userInfo{
			UserID:     user.UserID,
			BusinessID: user.BusinessID,
			Role:       user.Role,
			Email:      user.Email,
		},
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	info, ok := authFromContext(r.Context())
	if !ok || info.Session.SessionID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), info.Session.SessionID); err != nil {
		h.fail(w, requestIDFromRequest(r), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePublicTake(w http.ResponseWriter, r *http.Request) {
	h.takeTicket(w, r, models.ChannelCustomer)
}

func (h *Handler) handleStaffTake(w http.ResponseWriter, r *http.Request) {
	h.takeTicket(w, r, models.ChannelStaff)
}

func (h *Handler) takeTicket(w http.ResponseWriter, r *http.Request, channel string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}

	var req takeTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = requestIDFromRequest(r)
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	ticket, created, err := h.queue.TakeTicket(r.Context(), queue.TakeTicketInput{
		RequestID:     req.RequestID,
		BusinessID:    businessID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		ServiceName:   req.ServiceName,
		Channel:       channel,
	})
	if err != nil {
		h.fail(w, req.RequestID, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	if channel == models.ChannelCustomer {
		ticket.RequestID = ""
	}
	writeJSON(w, status, ticket)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	status, err := h.queue.Status(r.Context(), businessID, code)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	status.Ticket = redactTicket(status.Ticket)
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleActiveByPhone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "phone is required")
		return
	}

	status, found, err := h.queue.ActiveTicketByPhone(r.Context(), businessID, phone)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	status.Ticket = redactTicket(status.Ticket)
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleCustomerCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	var req customerCancelRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Code == "" || req.Phone == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "code and phone are required")
		return
	}

	outcome, err := h.queue.CancelByCustomer(r.Context(), businessID, req.Code, req.Phone)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	outcome.Ticket = redactTicket(outcome.Ticket)
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handlePublicQueue(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, true)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, false)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request, redacted bool) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	snap, err := h.queue.Snapshot(r.Context(), businessID)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	if redacted {
		snap = snap.Redacted()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	catalog := h.queue.Catalog(r.Context(), businessID)
	services := make([]serviceInfo, 0, catalog.Len())
	for _, name := range catalog.Names() {
		services = append(services, serviceInfo{Name: name, DurationMinutes: int(catalog.Duration(name) / time.Minute)})
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	outcome, err := h.queue.CallNext(r.Context(), businessID)
	if err != nil {
		h.fail(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	requestID := requestIDFromRequest(r)
	if !isValidUUID(ticketID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}

	if parts[1] == "events" {
		events, err := h.queue.TicketEvents(r.Context(), businessID, ticketID)
		if err != nil {
			h.fail(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	var (
		outcome queue.Outcome
		err     error
	)
	switch parts[2] {
	case "call":
		outcome, err = h.queue.CallTicket(r.Context(), businessID, ticketID)
	case "complete":
		outcome, err = h.queue.CompleteTicket(r.Context(), businessID, ticketID)
	case "cancel":
		outcome, err = h.queue.CancelTicket(r.Context(), businessID, ticketID)
	case "move":
		var req moveRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if req.Position == nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "position is required")
			return
		}
		outcome, err = h.queue.MoveTicket(r.Context(), businessID, ticketID, *req.Position)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	stats, err := h.queue.Stats(r.Context(), businessID, strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	businessID, ok := businessFromContext(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.queue.Config(r.Context(), businessID))
}

func (h *Handler) fail(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.String("code", code), zap.Error(err))
	}
	var policy *queue.PolicyError
	if errors.As(err, &policy) {
		details := make([]string, 0, len(policy.Result.Failed))
		for _, check := range policy.Result.Failed {
			details = append(details, string(check))
		}
		writeJSON(w, status, errorResponse{
			RequestID: requestID,
			Error:     responseError{Code: code, Message: msg, Details: details},
		})
		return
	}
	writeError(w, requestID, status, code, msg)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func redactTicket(t models.Ticket) models.Ticket {
	t.CustomerPhone = ""
	t.RequestID = ""
	return t
}

func mapError(err error) (int, string, string) {
	var validation *queue.ValidationError
	var policy *queue.PolicyError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.As(err, &policy):
		return http.StatusConflict, "not_accepting", policy.Result.Reason().Message()
	case errors.Is(err, queue.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code", "invalid ticket code"
	case errors.Is(err, queue.ErrActiveTicketExists):
		return http.StatusConflict, "active_ticket_exists", "phone already holds a waiting ticket"
	case errors.Is(err, queue.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, queue.ErrServiceBusy):
		return http.StatusConflict, "service_busy", "all service counters are busy"
	case errors.Is(err, queue.ErrCodesExhausted):
		return http.StatusConflict, "codes_exhausted", "no ticket codes left today"
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrDuplicateCode):
		return http.StatusConflict, "code_conflict", "ticket code taken, retry"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrBusinessNotFound):
		return http.StatusNotFound, "business_not_found", "business not found"
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable"
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

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
