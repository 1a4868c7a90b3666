package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guregu/null/v5"

	"turnos/internal/models"
	"turnos/internal/store"
	"turnos/internal/store/memory"
)

const bizID = "b-1"

// Monday 2026-03-02 maps to letter K.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, st store.Store, maxInService int) (*Manager, *testClock) {
	t.Helper()
	clock := &testClock{now: monday}
	return NewManager(st, Options{
		Location:               time.UTC,
		FallbackServiceMinutes: 10,
		MaxInService:           maxInService,
		Now:                    clock.Now,
	}), clock
}

func take(t *testing.T, m *Manager, name, phone string) models.Ticket {
	t.Helper()
	ticket, created, err := m.TakeTicket(context.Background(), TakeTicketInput{
		BusinessID:    bizID,
		CustomerName:  name,
		CustomerPhone: phone,
		Channel:       models.ChannelStaff,
	})
	if err != nil {
		t.Fatalf("take ticket for %s: %v", name, err)
	}
	if !created {
		t.Fatalf("expected new ticket for %s", name)
	}
	return ticket
}

func TestTakeTicketIssuesSequentialCodes(t *testing.T) {
	m, clock := newTestManager(t, memory.NewStore(), 1)
	first := take(t, m, "Ana", "")
	clock.now = clock.now.Add(time.Minute)
	second := take(t, m, "Luis", "")

	if first.Code != "K01" || second.Code != "K02" {
		t.Fatalf("expected K01,K02 got %s,%s", first.Code, second.Code)
	}
	if first.BusinessDate != "2026-03-02" || first.State != models.StateWaiting {
		t.Fatalf("unexpected ticket %+v", first)
	}
	if second.QueueOrder <= first.QueueOrder {
		t.Fatalf("queue order must increase: %d then %d", first.QueueOrder, second.QueueOrder)
	}
}

func TestTakeTicketIdempotentRequest(t *testing.T) {
	m, _ := newTestManager(t, memory.NewStore(), 1)
	input := TakeTicketInput{RequestID: "req-1", BusinessID: bizID, CustomerName: "Ana"}
	first, created, err := m.TakeTicket(context.Background(), input)
	if err != nil || !created {
		t.Fatalf("first take: created=%v err=%v", created, err)
	}
	again, created, err := m.TakeTicket(context.Background(), input)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || again.TicketID != first.TicketID {
		t.Fatalf("expected replay of %s, got %+v", first.Code, again)
	}
}

func TestTakeTicketDailyLimit(t *testing.T) {
	st := memory.NewStore()
	st.PutBusinessConfig(bizID, models.BusinessConfigPatch{DailyLimit: null.IntFrom(1)})
	m, _ := newTestManager(t, st, 1)

	take(t, m, "Ana", "")
	_, _, err := m.TakeTicket(context.Background(), TakeTicketInput{BusinessID: bizID, CustomerName: "Luis"})
	var perr *PolicyError
	if !errors.As(err, &perr) || perr.Result.Reason() != CheckDailyLimit {
		t.Fatalf("expected daily_limit refusal, got %v", err)
	}
}

func TestTakeTicketPolicyAppliesToEveryChannel(t *testing.T) {
	m, clock := newTestManager(t, memory.NewStore(), 1)
	clock.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, channel := range []string{models.ChannelStaff, models.ChannelCustomer} {
		_, _, err := m.TakeTicket(context.Background(), TakeTicketInput{
			BusinessID: bizID, CustomerName: "Ana", CustomerPhone: "5551234", Channel: channel,
		})
		var perr *PolicyError
		if !errors.As(err, &perr) || !perr.Result.Has(CheckOperatingDay) {
			t.Fatalf("%s channel: expected closed_day refusal, got %v", channel, err)
		}
	}
}

func TestTakeTicketValidation(t *testing.T) {
	st := memory.NewStore()
	st.PutServices(bizID, []models.Service{{Name: "Corte", DurationMinutes: 20, Active: true}})
	m, _ := newTestManager(t, st, 1)

	cases := []struct {
		name  string
		input TakeTicketInput
		field string
	}{
		{"missing name", TakeTicketInput{BusinessID: bizID, ServiceName: "Corte"}, "customer_name"},
		{"customer without phone", TakeTicketInput{BusinessID: bizID, CustomerName: "Ana", ServiceName: "Corte", Channel: models.ChannelCustomer}, "customer_phone"},
		{"short phone", TakeTicketInput{BusinessID: bizID, CustomerName: "Ana", ServiceName: "Corte", CustomerPhone: "123"}, "customer_phone"},
		{"unknown service", TakeTicketInput{BusinessID: bizID, CustomerName: "Ana", ServiceName: "Masaje"}, "service_name"},
		{"bad channel", TakeTicketInput{BusinessID: bizID, CustomerName: "Ana", ServiceName: "Corte", Channel: "kiosk"}, "channel"},
	}
	for _, tt := range cases {
		_, _, err := m.TakeTicket(context.Background(), tt.input)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != tt.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tt.name, tt.field, err)
		}
	}
}

func TestTakeTicketRejectsSecondActiveTicketForPhone(t *testing.T) {
	m, _ := newTestManager(t, memory.NewStore(), 1)
	take(t, m, "Ana", "555-1234")
	_, _, err := m.TakeTicket(context.Background(), TakeTicketInput{
		BusinessID: bizID, CustomerName: "Ana", CustomerPhone: "5551234", Channel: models.ChannelCustomer,
	})
	if !errors.Is(err, ErrActiveTicketExists) {
		t.Fatalf("expected ErrActiveTicketExists, got %v", err)
	}
}

type staleLastCode struct {
	*memory.Store
	stale int
}

func (s *staleLastCode) LastCode(ctx context.Context, businessID, date, letter string) (string, bool, error) {
	if s.stale > 0 {
		s.stale--
		return "", false, nil
	}
	return s.Store.LastCode(ctx, businessID, date, letter)
}

func TestTakeTicketRegeneratesCodeOnCollision(t *testing.T) {
	mem := memory.NewStore()
	seed, _ := newTestManager(t, mem, 1)
	take(t, seed, "Ana", "")

	m, _ := newTestManager(t, &staleLastCode{Store: mem, stale: 1}, 1)
	ticket := take(t, m, "Luis", "")
	if ticket.Code != "K02" {
		t.Fatalf("expected K02 after collision, got %s", ticket.Code)
	}
}

func TestCallNextLifecycle(t *testing.T) {
	m, clock := newTestManager(t, memory.NewStore(), 1)
	ctx := context.Background()

	if _, err := m.CallNext(ctx, bizID); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}

	first := take(t, m, "Ana", "")
	clock.now = clock.now.Add(time.Minute)
	take(t, m, "Luis", "")

	out, err := m.CallNext(ctx, bizID)
	if err != nil || !out.Applied || out.Ticket.TicketID != first.TicketID {
		t.Fatalf("expected %s called, got %+v err=%v", first.Code, out, err)
	}
	if out.Ticket.ServiceStartedAt == nil {
		t.Fatalf("service start not recorded")
	}
	if _, err := m.CallNext(ctx, bizID); !errors.Is(err, ErrServiceBusy) {
		t.Fatalf("expected ErrServiceBusy, got %v", err)
	}

	done, err := m.CompleteTicket(ctx, bizID, first.TicketID)
	if err != nil || !done.Applied || done.Ticket.State != models.StateServed {
		t.Fatalf("complete: %+v err=%v", done, err)
	}
	if done.Ticket.ServiceStartedAt == nil {
		t.Fatalf("service start must survive completion")
	}

	again, err := m.CompleteTicket(ctx, bizID, first.TicketID)
	if err != nil || again.Applied {
		t.Fatalf("second complete should be a no-op, got %+v err=%v", again, err)
	}
	if _, err := m.CallNext(ctx, bizID); err != nil {
		t.Fatalf("call after completion: %v", err)
	}
}

func TestCancelNoopAndNotFound(t *testing.T) {
	m, _ := newTestManager(t, memory.NewStore(), 0)
	ctx := context.Background()
	ticket := take(t, m, "Ana", "5551234")

	if _, err := m.CallTicket(ctx, bizID, ticket.TicketID); err != nil {
		t.Fatalf("call: %v", err)
	}
	out, err := m.CancelTicket(ctx, bizID, ticket.TicketID)
	if err != nil || out.Applied || out.Ticket.State != models.StateInService {
		t.Fatalf("cancel of in-service ticket should be a no-op, got %+v err=%v", out, err)
	}
	if _, err := m.CancelTicket(ctx, bizID, "missing"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestCancelByCustomerChecksPhone(t *testing.T) {
	m, _ := newTestManager(t, memory.NewStore(), 1)
	ctx := context.Background()
	ticket := take(t, m, "Ana", "5551234")

	if _, err := m.CancelByCustomer(ctx, bizID, ticket.Code, "5559999"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected not found for foreign phone, got %v", err)
	}
	out, err := m.CancelByCustomer(ctx, bizID, ticket.Code, "555 1234")
	if err != nil || !out.Applied || out.Ticket.State != models.StateCancelled {
		t.Fatalf("cancel: %+v err=%v", out, err)
	}
}

func TestMoveTicketReorders(t *testing.T) {
	m, clock := newTestManager(t, memory.NewStore(), 1)
	ctx := context.Background()
	take(t, m, "Ana", "")
	clock.now = clock.now.Add(time.Minute)
	take(t, m, "Luis", "")
	clock.now = clock.now.Add(time.Minute)
	third := take(t, m, "Eva", "")

	out, err := m.MoveTicket(ctx, bizID, third.TicketID, 0)
	if err != nil || !out.Applied {
		t.Fatalf("move: %+v err=%v", out, err)
	}
	snap, err := m.Snapshot(ctx, bizID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var codes []string
	for _, e := range snap.Waiting {
		codes = append(codes, e.Code)
	}
	if len(codes) != 3 || codes[0] != "K03" || codes[1] != "K01" || codes[2] != "K02" {
		t.Fatalf("unexpected order %v", codes)
	}
}

type failingTransition struct {
	*memory.Store
	allowed int
}

func (f *failingTransition) TransitionTicket(ctx context.Context, input store.TransitionInput) (store.TransitionResult, error) {
	if f.allowed == 0 {
		return store.TransitionResult{}, store.ErrUnavailable
	}
	f.allowed--
	return f.Store.TransitionTicket(ctx, input)
}

func TestMoveTicketPartialRenumberStaysOrdered(t *testing.T) {
	st := &failingTransition{Store: memory.NewStore(), allowed: -1}
	m, clock := newTestManager(t, st, 1)
	ctx := context.Background()
	take(t, m, "Ana", "")
	clock.now = clock.now.Add(time.Minute)
	take(t, m, "Luis", "")
	clock.now = clock.now.Add(time.Minute)
	third := take(t, m, "Eva", "")

	st.allowed = 1
	if _, err := m.MoveTicket(ctx, bizID, third.TicketID, 0); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	snap, err := m.Snapshot(ctx, bizID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var codes []string
	for _, e := range snap.Waiting {
		codes = append(codes, e.Code)
	}
	// K03 took order 1 before the failure; K01 keeps order 1 and wins on created_at.
	if len(codes) != 3 || codes[0] != "K01" || codes[1] != "K03" || codes[2] != "K02" {
		t.Fatalf("unexpected order %v", codes)
	}
}

func TestStatusEstimatesWait(t *testing.T) {
	st := memory.NewStore()
	st.PutServices(bizID, []models.Service{{Name: "Corte", DurationMinutes: 20, Active: true}})
	m, clock := newTestManager(t, st, 1)
	ctx := context.Background()

	for _, name := range []string{"Ana", "Luis", "Eva"} {
		if _, _, err := m.TakeTicket(ctx, TakeTicketInput{BusinessID: bizID, CustomerName: name, ServiceName: "Corte"}); err != nil {
			t.Fatalf("take: %v", err)
		}
		clock.now = clock.now.Add(time.Minute)
	}
	if _, err := m.CallNext(ctx, bizID); err != nil {
		t.Fatalf("call: %v", err)
	}
	clock.now = clock.now.Add(5 * time.Minute)

	status, err := m.Status(ctx, bizID, "k03")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	// 15 left on K01 plus 20 for K02
	if status.Position != 1 || status.EstimatedMinutes != 35 {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := m.Status(ctx, bizID, "K09"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Status(ctx, bizID, "??"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}
}

func TestActiveTicketByPhone(t *testing.T) {
	m, _ := newTestManager(t, memory.NewStore(), 1)
	ctx := context.Background()
	ticket := take(t, m, "Ana", "5551234")

	status, found, err := m.ActiveTicketByPhone(ctx, bizID, "555-1234")
	if err != nil || !found || status.Ticket.TicketID != ticket.TicketID || status.Position != 0 {
		t.Fatalf("unexpected %+v found=%v err=%v", status, found, err)
	}
	_, found, err = m.ActiveTicketByPhone(ctx, bizID, "5550000")
	if err != nil || found {
		t.Fatalf("expected no active ticket, found=%v err=%v", found, err)
	}
}

type failingConfig struct {
	*memory.Store
	calls int
}

func (f *failingConfig) GetBusinessConfig(context.Context, string) (models.BusinessConfigPatch, bool, error) {
	f.calls++
	return models.BusinessConfigPatch{}, false, store.ErrUnavailable
}

func TestConfigFallsBackWithoutCaching(t *testing.T) {
	st := &failingConfig{Store: memory.NewStore()}
	m, _ := newTestManager(t, st, 1)

	cfg := m.Config(context.Background(), bizID)
	if cfg.DailyLimit != models.DefaultBusinessConfig().DailyLimit {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	m.Config(context.Background(), bizID)
	if st.calls != 2 {
		t.Fatalf("failed config reads must not be cached, got %d reads", st.calls)
	}
}

func TestInvalidateReloadsConfig(t *testing.T) {
	st := memory.NewStore()
	m, _ := newTestManager(t, st, 1)
	ctx := context.Background()

	if got := m.Config(ctx, bizID).DailyLimit; got != 50 {
		t.Fatalf("expected default limit, got %d", got)
	}
	st.PutBusinessConfig(bizID, models.BusinessConfigPatch{DailyLimit: null.IntFrom(5)})
	if got := m.Config(ctx, bizID).DailyLimit; got != 50 {
		t.Fatalf("expected cached limit before invalidation, got %d", got)
	}
	m.Invalidate(bizID)
	if got := m.Config(ctx, bizID).DailyLimit; got != 5 {
		t.Fatalf("expected reloaded limit, got %d", got)
	}
}

func TestSnapshotReportsAcceptance(t *testing.T) {
	st := memory.NewStore()
	st.PutBusinessConfig(bizID, models.BusinessConfigPatch{DailyLimit: null.IntFrom(1)})
	m, _ := newTestManager(t, st, 1)
	take(t, m, "Ana", "")

	snap, err := m.Snapshot(context.Background(), bizID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Accepting || len(snap.Reasons) != 1 || snap.Reasons[0] != CheckDailyLimit {
		t.Fatalf("expected daily limit to stop acceptance, got %+v", snap)
	}
	if len(snap.Waiting) != 1 || snap.Waiting[0].EstimatedMinutes != 0 || snap.IssuedToday != 1 {
		t.Fatalf("unexpected waiting list %+v", snap.Waiting)
	}
}
