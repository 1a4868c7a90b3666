// Package memory keeps tickets in process memory. It backs the dev mode and
// the tests, and honours the same conditioned-update contract as postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"turnos/internal/models"
	"turnos/internal/store"
)

const subscriberBuffer = 64

type Store struct {
	mu       sync.Mutex
	tickets  map[string]models.Ticket
	events   map[string][]store.TicketEvent
	configs  map[string]models.BusinessConfigPatch
	services map[string][]models.Service
	tokens   map[string]string
	sessions map[string]store.Session
	users    map[string]store.StaffUser
	subs     map[chan store.ChangeEvent]struct{}
}

func NewStore() *Store {
	return &Store{
		tickets:  make(map[string]models.Ticket),
		events:   make(map[string][]store.TicketEvent),
		configs:  make(map[string]models.BusinessConfigPatch),
		services: make(map[string][]models.Service),
		tokens:   make(map[string]string),
		sessions: make(map[string]store.Session),
		users:    make(map[string]store.StaffUser),
		subs:     make(map[chan store.ChangeEvent]struct{}),
	}
}

func (s *Store) PutBusinessConfig(businessID string, patch models.BusinessConfigPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[businessID] = patch
	s.publishLocked(store.ChangeEvent{Table: store.TableBusinessConfig, Op: "UPDATE", BusinessID: businessID})
}

func (s *Store) PutServices(businessID string, services []models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[businessID] = append([]models.Service(nil), services...)
	s.publishLocked(store.ChangeEvent{Table: store.TableServices, Op: "UPDATE", BusinessID: businessID})
}

// PutPublicTokenHash stores the bcrypt hash of a business's public token.
func (s *Store) PutPublicTokenHash(businessID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[businessID] = hash
}

func (s *Store) PutStaffUser(user store.StaffUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userKey(user.BusinessID, user.Email)] = user
}

func userKey(businessID, email string) string {
	return businessID + "|" + strings.ToLower(strings.TrimSpace(email))
}

func matches(t models.Ticket, q store.TicketQuery) bool {
	if q.BusinessID != "" && t.BusinessID != q.BusinessID {
		return false
	}
	if q.BusinessDate != "" && t.BusinessDate != q.BusinessDate {
		return false
	}
	if len(q.States) > 0 {
		found := false
		for _, state := range q.States {
			if t.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Phone != "" && t.CustomerPhone != q.Phone {
		return false
	}
	if q.Code != "" && t.Code != q.Code {
		return false
	}
	if q.RequestID != "" && t.RequestID != q.RequestID {
		return false
	}
	return true
}

func sortTickets(tickets []models.Ticket, order store.SortOrder) {
	var less func(a, b models.Ticket) bool
	switch order {
	case store.SortCreatedAt:
		less = func(a, b models.Ticket) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.TicketID < b.TicketID
		}
	case store.SortCreatedAtDesc:
		less = func(a, b models.Ticket) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.TicketID > b.TicketID
		}
	case store.SortStartedAt:
		less = func(a, b models.Ticket) bool {
			switch {
			case a.ServiceStartedAt == nil && b.ServiceStartedAt == nil:
				return a.CreatedAt.Before(b.CreatedAt)
			case a.ServiceStartedAt == nil:
				return false
			case b.ServiceStartedAt == nil:
				return true
			}
			return a.ServiceStartedAt.Before(*b.ServiceStartedAt)
		}
	default:
		less = func(a, b models.Ticket) bool {
			if a.QueueOrder != b.QueueOrder {
				return a.QueueOrder < b.QueueOrder
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.TicketID < b.TicketID
		}
	}
	sort.SliceStable(tickets, func(i, j int) bool { return less(tickets[i], tickets[j]) })
}

func (s *Store) selectLocked(q store.TicketQuery) []models.Ticket {
	var out []models.Ticket
	for _, t := range s.tickets {
		if matches(t, q) {
			out = append(out, t)
		}
	}
	sortTickets(out, q.Sort)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (s *Store) ListTickets(ctx context.Context, query store.TicketQuery) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(query), nil
}

func (s *Store) CountTickets(ctx context.Context, query store.TicketQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	query.Limit = 0
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selectLocked(query)), nil
}

func (s *Store) GetTicket(ctx context.Context, businessID, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.BusinessID != businessID {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return t, nil
}

// LastCode returns the most recently created code with letter on the date.
func (s *Store) LastCode(ctx context.Context, businessID, businessDate, letter string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *models.Ticket
	for id := range s.tickets {
		t := s.tickets[id]
		if t.BusinessID != businessID || t.BusinessDate != businessDate || !strings.HasPrefix(t.Code, letter) {
			continue
		}
		if last == nil || t.CreatedAt.After(last.CreatedAt) ||
			(t.CreatedAt.Equal(last.CreatedAt) && codeAfter(t.Code, last.Code)) {
			last = &t
		}
	}
	if last == nil {
		return "", false, nil
	}
	return last.Code, true, nil
}

func codeAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func (s *Store) InsertTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	maxOrder := 0
	for _, t := range s.tickets {
		if t.BusinessID != input.BusinessID {
			continue
		}
		if input.RequestID != "" && t.RequestID == input.RequestID {
			return t, false, nil
		}
		if t.BusinessDate != input.BusinessDate {
			continue
		}
		if t.Code == input.Code {
			return models.Ticket{}, false, store.ErrDuplicateCode
		}
		if t.QueueOrder > maxOrder {
			maxOrder = t.QueueOrder
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ticket := models.Ticket{
		TicketID:      uuid.NewString(),
		BusinessID:    input.BusinessID,
		RequestID:     input.RequestID,
		Code:          input.Code,
		CustomerName:  input.CustomerName,
		CustomerPhone: input.CustomerPhone,
		ServiceName:   input.ServiceName,
		Channel:       input.Channel,
		State:         models.StateWaiting,
		QueueOrder:    maxOrder + 1,
		BusinessDate:  input.BusinessDate,
		CreatedAt:     createdAt,
	}
	if err := s.appendEventLocked(ticket, store.EventTicketCreated, createdAt); err != nil {
		return models.Ticket{}, false, err
	}
	s.tickets[ticket.TicketID] = ticket
	s.publishLocked(store.ChangeEvent{Table: store.TableTickets, Op: "INSERT", BusinessID: ticket.BusinessID})
	return ticket, true, nil
}

// TransitionTicket applies the change only while the ticket is still in
// input.From; otherwise it reports zero rows affected.
func (s *Store) TransitionTicket(ctx context.Context, input store.TransitionInput) (store.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return store.TransitionResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[input.TicketID]
	if !ok || t.BusinessID != input.BusinessID || t.State != input.From {
		return store.TransitionResult{}, nil
	}
	if input.Phone != "" && t.CustomerPhone != input.Phone {
		return store.TransitionResult{}, nil
	}

	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.State = input.To
	switch input.To {
	case models.StateInService:
		t.ServiceStartedAt = &at
	case models.StateServed:
		t.ServedAt = &at
	case models.StateCancelled:
		t.CancelledAt = &at
	}
	if input.QueueOrder != nil {
		t.QueueOrder = *input.QueueOrder
	}
	if err := s.appendEventLocked(t, store.EventTypeFor(input.From, input.To), at); err != nil {
		return store.TransitionResult{}, err
	}
	s.tickets[t.TicketID] = t
	s.publishLocked(store.ChangeEvent{Table: store.TableTickets, Op: "UPDATE", BusinessID: t.BusinessID})
	return store.TransitionResult{Ticket: t, RowsAffected: 1}, nil
}

func (s *Store) appendEventLocked(ticket models.Ticket, eventType string, at time.Time) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	chain := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	s.events[ticket.TicketID] = append(chain, store.NextTicketEvent(prev, ticket.TicketID, eventType, payload, at))
	return nil
}

func (s *Store) ListTicketEvents(ctx context.Context, businessID, ticketID string) ([]store.TicketEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tickets[ticketID]; !ok || t.BusinessID != businessID {
		return nil, store.ErrTicketNotFound
	}
	return append([]store.TicketEvent(nil), s.events[ticketID]...), nil
}

// Subscribe streams change events until ctx ends. Slow subscribers miss
// events rather than block writers.
func (s *Store) Subscribe(ctx context.Context) (<-chan store.ChangeEvent, error) {
	ch := make(chan store.ChangeEvent, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Store) publishLocked(event store.ChangeEvent) {
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) GetBusinessConfig(ctx context.Context, businessID string) (models.BusinessConfigPatch, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.BusinessConfigPatch{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	patch, ok := s.configs[businessID]
	return patch, ok, nil
}

func (s *Store) ListServices(ctx context.Context, businessID string) ([]models.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Service(nil), s.services[businessID]...), nil
}

func (s *Store) GetPublicTokenHash(ctx context.Context, businessID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.tokens[businessID]
	if !ok {
		return "", store.ErrBusinessNotFound
	}
	return hash, nil
}

func (s *Store) FindStaffUser(ctx context.Context, businessID, email string) (store.StaffUser, error) {
	if err := ctx.Err(); err != nil {
		return store.StaffUser{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userKey(businessID, email)]
	if !ok {
		return store.StaffUser{}, store.ErrUserNotFound
	}
	return user, nil
}

func (s *Store) CreateSession(ctx context.Context, session store.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

// GetSession returns unexpired sessions only.
func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return store.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || !session.ExpiresAt.After(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
