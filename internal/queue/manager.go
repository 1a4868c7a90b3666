package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"turnos/internal/metrics"
	"turnos/internal/models"
	"turnos/internal/store"
)

const maxCodeAttempts = 3

type Options struct {
	Location               *time.Location
	FallbackServiceMinutes int
	// MaxInService bounds concurrent in-service tickets; zero disables the guard.
	MaxInService int
	Defaults     *models.BusinessConfig
	Now          func() time.Time
	Logger       *zap.Logger
}

// Manager orchestrates ticket creation and transitions for every business
// served by the process. It caches each business's configuration and service
// catalog until invalidated.
type Manager struct {
	store        store.Store
	loc          *time.Location
	fallback     int
	maxInService int
	defaults     models.BusinessConfig
	now          func() time.Time
	logger       *zap.Logger
	tracer       trace.Tracer

	mu    sync.Mutex
	cache map[string]businessState
}

type businessState struct {
	config  models.BusinessConfig
	catalog Catalog
}

func NewManager(st store.Store, opts Options) *Manager {
	m := &Manager{
		store:        st,
		loc:          opts.Location,
		fallback:     opts.FallbackServiceMinutes,
		maxInService: opts.MaxInService,
		now:          opts.Now,
		logger:       opts.Logger,
		tracer:       otel.Tracer("turnos/queue"),
		cache:        make(map[string]businessState),
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.fallback <= 0 {
		m.fallback = 10
	}
	if opts.Defaults != nil {
		m.defaults = *opts.Defaults
	} else {
		m.defaults = models.DefaultBusinessConfig()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

func (m *Manager) Location() *time.Location {
	return m.loc
}

func (m *Manager) clock() (time.Time, string) {
	now := m.now().In(m.loc)
	return now, BusinessDate(now, m.loc)
}

func (m *Manager) startSpan(ctx context.Context, name, businessID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "queue."+name, trace.WithAttributes(attribute.String("business.id", businessID)))
}

// Invalidate drops the cached configuration of businessID, or of every
// business when businessID is empty.
func (m *Manager) Invalidate(businessID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if businessID == "" {
		m.cache = make(map[string]businessState)
		return
	}
	delete(m.cache, businessID)
}

func (m *Manager) state(ctx context.Context, businessID string) businessState {
	m.mu.Lock()
	cached, ok := m.cache[businessID]
	m.mu.Unlock()
	if ok {
		return cached
	}

	cacheable := true
	logger := m.logger.With(zap.String("business_id", businessID))

	cfg := m.defaults
	patch, found, err := m.store.GetBusinessConfig(ctx, businessID)
	switch {
	case err != nil:
		logger.Warn("business config unavailable, using defaults", zap.Error(err))
		cacheable = false
	case !found:
		logger.Info("business config missing, using defaults")
	default:
		merged, mergeErr := models.MergeDefaults(patch, m.defaults)
		if mergeErr != nil {
			logger.Warn("business config has invalid fields, defaults kept for them", zap.Error(mergeErr))
		}
		cfg = merged
	}

	services, err := m.store.ListServices(ctx, businessID)
	if err != nil {
		logger.Warn("service catalog unavailable, using fallback durations", zap.Error(err))
		cacheable = false
	}

	st := businessState{config: cfg, catalog: NewCatalog(services, m.fallback)}
	if cacheable {
		m.mu.Lock()
		m.cache[businessID] = st
		m.mu.Unlock()
	}
	return st
}

func (m *Manager) Config(ctx context.Context, businessID string) models.BusinessConfig {
	return m.state(ctx, businessID).config
}

func (m *Manager) Catalog(ctx context.Context, businessID string) Catalog {
	return m.state(ctx, businessID).catalog
}

type TakeTicketInput struct {
	RequestID     string
	BusinessID    string
	CustomerName  string
	CustomerPhone string
	ServiceName   string
	Channel       string
}

const maxNameLength = 80

// NormalizePhone strips common separators and checks the digit count.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '+':
		default:
			return "", &ValidationError{Field: "customer_phone", Reason: "must contain only digits"}
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", &ValidationError{Field: "customer_phone", Reason: "must be 7-15 digits"}
	}
	return digits, nil
}

func (m *Manager) validateTake(input *TakeTicketInput, catalog Catalog) error {
	input.BusinessID = strings.TrimSpace(input.BusinessID)
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	input.ServiceName = strings.TrimSpace(input.ServiceName)
	input.RequestID = strings.TrimSpace(input.RequestID)

	if input.BusinessID == "" {
		return &ValidationError{Field: "business_id", Reason: "is required"}
	}
	switch input.Channel {
	case "":
		input.Channel = models.ChannelStaff
	case models.ChannelCustomer, models.ChannelStaff:
	default:
		return &ValidationError{Field: "channel", Reason: "must be customer or staff"}
	}
	if input.CustomerName == "" {
		return &ValidationError{Field: "customer_name", Reason: "is required"}
	}
	if len([]rune(input.CustomerName)) > maxNameLength {
		return &ValidationError{Field: "customer_name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	if strings.TrimSpace(input.CustomerPhone) == "" {
		if input.Channel == models.ChannelCustomer {
			return &ValidationError{Field: "customer_phone", Reason: "is required"}
		}
		input.CustomerPhone = ""
	} else {
		phone, err := NormalizePhone(input.CustomerPhone)
		if err != nil {
			return err
		}
		input.CustomerPhone = phone
	}
	if catalog.Len() > 0 {
		if input.ServiceName == "" {
			return &ValidationError{Field: "service_name", Reason: "is required"}
		}
		if !catalog.Has(input.ServiceName) {
			return &ValidationError{Field: "service_name", Reason: "is not offered"}
		}
	}
	return nil
}

// TakeTicket issues the next code of the day. The returned bool is false when
// RequestID matched a ticket issued earlier, which is returned unchanged.
func (m *Manager) TakeTicket(ctx context.Context, input TakeTicketInput) (models.Ticket, bool, error) {
	ctx, span := m.startSpan(ctx, "TakeTicket", input.BusinessID)
	defer span.End()

	st := m.state(ctx, strings.TrimSpace(input.BusinessID))
	if err := m.validateTake(&input, st.catalog); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.TicketsRejected.WithLabelValues("invalid_" + verr.Field).Inc()
		}
		return models.Ticket{}, false, err
	}

	if input.RequestID != "" {
		existing, err := m.store.ListTickets(ctx, store.TicketQuery{BusinessID: input.BusinessID, RequestID: input.RequestID, Limit: 1})
		if err != nil {
			return models.Ticket{}, false, err
		}
		if len(existing) > 0 {
			return existing[0], false, nil
		}
	}

	now, date := m.clock()
	count, err := m.store.CountTickets(ctx, store.TicketQuery{BusinessID: input.BusinessID, BusinessDate: date})
	if err != nil {
		return models.Ticket{}, false, err
	}
	if result := CheckTakeTicket(st.config, now, count); !result.OK() {
		metrics.TicketsRejected.WithLabelValues(string(result.Reason())).Inc()
		m.logger.Info("ticket refused",
			zap.String("business_id", input.BusinessID),
			zap.String("reason", string(result.Reason())),
			zap.Int("issued_today", count))
		return models.Ticket{}, false, &PolicyError{Result: result}
	}

	if input.CustomerPhone != "" {
		active, err := m.store.CountTickets(ctx, store.TicketQuery{
			BusinessID:   input.BusinessID,
			BusinessDate: date,
			States:       []string{models.StateWaiting},
			Phone:        input.CustomerPhone,
		})
		if err != nil {
			return models.Ticket{}, false, err
		}
		if active > 0 {
			metrics.TicketsRejected.WithLabelValues("active_ticket").Inc()
			return models.Ticket{}, false, ErrActiveTicketExists
		}
	}

	letter := LetterForDate(now)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		last, hasLast, err := m.store.LastCode(ctx, input.BusinessID, date, letter)
		if err != nil {
			return models.Ticket{}, false, err
		}
		code, err := NextCode(letter, last, hasLast)
		if err != nil {
			return models.Ticket{}, false, err
		}
		ticket, created, err := m.store.InsertTicket(ctx, store.CreateTicketInput{
			RequestID:     input.RequestID,
			BusinessID:    input.BusinessID,
			BusinessDate:  date,
			Code:          code,
			CustomerName:  input.CustomerName,
			CustomerPhone: input.CustomerPhone,
			ServiceName:   input.ServiceName,
			Channel:       input.Channel,
			CreatedAt:     now.UTC(),
		})
		if errors.Is(err, store.ErrDuplicateCode) {
			metrics.CodeRetries.Inc()
			m.logger.Debug("ticket code taken, regenerating", zap.String("code", code), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return models.Ticket{}, false, err
		}
		if created {
			metrics.TicketsCreated.WithLabelValues(input.Channel).Inc()
			span.SetAttributes(attribute.String("ticket.code", ticket.Code))
		}
		return ticket, created, nil
	}
	return models.Ticket{}, false, fmt.Errorf("issue ticket after %d attempts: %w", maxCodeAttempts, store.ErrDuplicateCode)
}

// Outcome reports a transition. Applied is false when the ticket had already
// left the expected state; Ticket then holds its current row.
type Outcome struct {
	Ticket  models.Ticket `json:"ticket"`
	Applied bool          `json:"applied"`
}

func (m *Manager) transition(ctx context.Context, action string, input store.TransitionInput) (Outcome, error) {
	from, to, ok := TransitionFor(action)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrInvalidTransition, action)
	}
	input.From = from
	input.To = to
	if input.At.IsZero() {
		input.At = m.now().UTC()
	}

	result, err := m.store.TransitionTicket(ctx, input)
	if err != nil {
		metrics.Transitions.WithLabelValues(action, "error").Inc()
		return Outcome{}, err
	}
	if result.RowsAffected == 0 {
		metrics.Transitions.WithLabelValues(action, "noop").Inc()
		current, err := m.store.GetTicket(ctx, input.BusinessID, input.TicketID)
		if err != nil {
			return Outcome{}, err
		}
		m.logger.Debug("transition not applied",
			zap.String("action", action),
			zap.String("ticket_id", input.TicketID),
			zap.String("state", current.State))
		return Outcome{Ticket: current, Applied: false}, nil
	}
	metrics.Transitions.WithLabelValues(action, "applied").Inc()
	return Outcome{Ticket: result.Ticket, Applied: true}, nil
}

func (m *Manager) checkCapacity(ctx context.Context, businessID, date string) error {
	if m.maxInService <= 0 {
		return nil
	}
	busy, err := m.store.CountTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		States:       []string{models.StateInService},
	})
	if err != nil {
		return err
	}
	if busy >= m.maxInService {
		return ErrServiceBusy
	}
	return nil
}

// CallNext moves the head of today's waiting queue into service.
func (m *Manager) CallNext(ctx context.Context, businessID string) (Outcome, error) {
	ctx, span := m.startSpan(ctx, "CallNext", businessID)
	defer span.End()

	_, date := m.clock()
	if err := m.checkCapacity(ctx, businessID, date); err != nil {
		return Outcome{}, err
	}
	head, err := m.store.ListTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		States:       []string{models.StateWaiting},
		Sort:         store.SortQueueOrder,
		Limit:        1,
	})
	if err != nil {
		return Outcome{}, err
	}
	if len(head) == 0 {
		return Outcome{}, ErrQueueEmpty
	}
	return m.transition(ctx, ActionCall, store.TransitionInput{BusinessID: businessID, TicketID: head[0].TicketID})
}

func (m *Manager) CallTicket(ctx context.Context, businessID, ticketID string) (Outcome, error) {
	ctx, span := m.startSpan(ctx, "CallTicket", businessID)
	defer span.End()

	_, date := m.clock()
	if err := m.checkCapacity(ctx, businessID, date); err != nil {
		return Outcome{}, err
	}
	return m.transition(ctx, ActionCall, store.TransitionInput{BusinessID: businessID, TicketID: ticketID})
}

func (m *Manager) CompleteTicket(ctx context.Context, businessID, ticketID string) (Outcome, error) {
	ctx, span := m.startSpan(ctx, "CompleteTicket", businessID)
	defer span.End()
	return m.transition(ctx, ActionComplete, store.TransitionInput{BusinessID: businessID, TicketID: ticketID})
}

func (m *Manager) CancelTicket(ctx context.Context, businessID, ticketID string) (Outcome, error) {
	ctx, span := m.startSpan(ctx, "CancelTicket", businessID)
	defer span.End()
	return m.transition(ctx, ActionCancel, store.TransitionInput{BusinessID: businessID, TicketID: ticketID})
}

// CancelByCustomer cancels today's ticket with code, provided phone matches
// the one it was issued to.
func (m *Manager) CancelByCustomer(ctx context.Context, businessID, code, phone string) (Outcome, error) {
	ctx, span := m.startSpan(ctx, "CancelByCustomer", businessID)
	defer span.End()

	code = strings.ToUpper(strings.TrimSpace(code))
	if _, _, err := ParseCode(code); err != nil {
		return Outcome{}, err
	}
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return Outcome{}, err
	}
	_, date := m.clock()
	tickets, err := m.store.ListTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		Code:         code,
		Phone:        normalized,
		Limit:        1,
	})
	if err != nil {
		return Outcome{}, err
	}
	if len(tickets) == 0 {
		return Outcome{}, store.ErrTicketNotFound
	}
	return m.transition(ctx, ActionCancel, store.TransitionInput{
		BusinessID: businessID,
		TicketID:   tickets[0].TicketID,
		Phone:      normalized,
	})
}

// MoveTicket places a waiting ticket at position (zero-based, clamped) and
// renumbers the queue. Every write is conditioned on the ticket still waiting.
// Renumbering stops at the first store error; orders already written stay, and
// the created_at tie-break keeps the queue totally ordered.
func (m *Manager) MoveTicket(ctx context.Context, businessID, ticketID string, position int) (Outcome, error) {
	ctx, span := m.startSpan(ctx, "MoveTicket", businessID)
	defer span.End()

	_, date := m.clock()
	waiting, err := m.store.ListTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		States:       []string{models.StateWaiting},
		Sort:         store.SortQueueOrder,
	})
	if err != nil {
		return Outcome{}, err
	}
	waiting = WaitingQueue(waiting)

	from := -1
	for i, t := range waiting {
		if t.TicketID == ticketID {
			from = i
			break
		}
	}
	if from < 0 {
		current, err := m.store.GetTicket(ctx, businessID, ticketID)
		if err != nil {
			return Outcome{}, err
		}
		metrics.Transitions.WithLabelValues(ActionMove, "noop").Inc()
		return Outcome{Ticket: current, Applied: false}, nil
	}

	if position < 0 {
		position = 0
	}
	if position > len(waiting)-1 {
		position = len(waiting) - 1
	}
	moved := waiting[from]
	if from == position {
		return Outcome{Ticket: moved, Applied: false}, nil
	}
	rest := make([]models.Ticket, 0, len(waiting)-1)
	rest = append(rest, waiting[:from]...)
	rest = append(rest, waiting[from+1:]...)
	reordered := make([]models.Ticket, 0, len(waiting))
	reordered = append(reordered, rest[:position]...)
	reordered = append(reordered, moved)
	reordered = append(reordered, rest[position:]...)

	moved.QueueOrder = position + 1
	outcome := Outcome{Ticket: moved, Applied: true}
	for i, t := range reordered {
		order := i + 1
		if t.QueueOrder == order {
			continue
		}
		res, err := m.transition(ctx, ActionMove, store.TransitionInput{
			BusinessID: businessID,
			TicketID:   t.TicketID,
			QueueOrder: &order,
		})
		if err != nil {
			return Outcome{}, err
		}
		if t.TicketID == ticketID {
			outcome = res
		}
	}
	return outcome, nil
}

// TicketStatus is what a customer sees about their own ticket.
type TicketStatus struct {
	Ticket           models.Ticket `json:"ticket"`
	Position         int           `json:"position"`
	Ahead            int           `json:"ahead"`
	EstimatedMinutes int           `json:"estimated_minutes"`
	ElapsedMinutes   int           `json:"elapsed_minutes"`
}

func (m *Manager) statusOf(ctx context.Context, businessID string, ticket models.Ticket) (TicketStatus, error) {
	now, _ := m.clock()
	status := TicketStatus{Ticket: ticket, Position: NotFound}
	switch ticket.State {
	case models.StateWaiting:
		status.ElapsedMinutes = ElapsedMinutes(ticket.CreatedAt, now)
		active, err := m.store.ListTickets(ctx, store.TicketQuery{
			BusinessID:   businessID,
			BusinessDate: ticket.BusinessDate,
			States:       []string{models.StateWaiting, models.StateInService},
			Sort:         store.SortQueueOrder,
		})
		if err != nil {
			return TicketStatus{}, err
		}
		est := EstimateWait(active, CurrentInService(active), ticket.Code, m.Catalog(ctx, businessID), now)
		status.Position = est.Position
		if est.Found() {
			status.Ahead = est.Position
			status.EstimatedMinutes = est.Minutes
		}
	case models.StateInService:
		if ticket.ServiceStartedAt != nil {
			status.ElapsedMinutes = ElapsedMinutes(*ticket.ServiceStartedAt, now)
		}
	}
	return status, nil
}

// Status reports position and estimated wait of today's ticket with code.
func (m *Manager) Status(ctx context.Context, businessID, code string) (TicketStatus, error) {
	ctx, span := m.startSpan(ctx, "Status", businessID)
	defer span.End()

	code = strings.ToUpper(strings.TrimSpace(code))
	if _, _, err := ParseCode(code); err != nil {
		return TicketStatus{}, err
	}
	_, date := m.clock()
	tickets, err := m.store.ListTickets(ctx, store.TicketQuery{BusinessID: businessID, BusinessDate: date, Code: code, Limit: 1})
	if err != nil {
		return TicketStatus{}, err
	}
	if len(tickets) == 0 {
		return TicketStatus{}, store.ErrTicketNotFound
	}
	return m.statusOf(ctx, businessID, tickets[0])
}

// ActiveTicketByPhone finds the phone's waiting or in-service ticket of today.
func (m *Manager) ActiveTicketByPhone(ctx context.Context, businessID, phone string) (TicketStatus, bool, error) {
	ctx, span := m.startSpan(ctx, "ActiveTicketByPhone", businessID)
	defer span.End()

	normalized, err := NormalizePhone(phone)
	if err != nil {
		return TicketStatus{}, false, err
	}
	_, date := m.clock()
	tickets, err := m.store.ListTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		States:       []string{models.StateWaiting, models.StateInService},
		Phone:        normalized,
		Sort:         store.SortCreatedAtDesc,
		Limit:        1,
	})
	if err != nil {
		return TicketStatus{}, false, err
	}
	if len(tickets) == 0 {
		return TicketStatus{}, false, nil
	}
	status, err := m.statusOf(ctx, businessID, tickets[0])
	if err != nil {
		return TicketStatus{}, false, err
	}
	return status, true, nil
}

func (m *Manager) TicketEvents(ctx context.Context, businessID, ticketID string) ([]store.TicketEvent, error) {
	ctx, span := m.startSpan(ctx, "TicketEvents", businessID)
	defer span.End()
	if _, err := m.store.GetTicket(ctx, businessID, ticketID); err != nil {
		return nil, err
	}
	return m.store.ListTicketEvents(ctx, businessID, ticketID)
}
