package store

import (
	"errors"
	"testing"
	"time"

	"turnos/internal/models"
)

func buildChain(t *testing.T) []TicketEvent {
	t.Helper()
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	started := created.Add(12 * time.Minute)
	served := started.Add(8 * time.Minute)

	ticket := models.Ticket{
		TicketID:     "t-1",
		BusinessID:   "b-1",
		Code:         "C04",
		State:        models.StateWaiting,
		ServiceName:  "Corte",
		QueueOrder:   4,
		BusinessDate: "2026-03-02",
		CreatedAt:    created,
	}

	var events []TicketEvent
	appendEvent := func(eventType string, at time.Time) {
		payload, err := EventPayload(ticket)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		var prev *TicketEvent
		if len(events) > 0 {
			prev = &events[len(events)-1]
		}
		events = append(events, NextTicketEvent(prev, ticket.TicketID, eventType, payload, at))
	}

	appendEvent(EventTicketCreated, created)
	ticket.State = models.StateInService
	ticket.ServiceStartedAt = &started
	appendEvent(EventTicketCalled, started)
	ticket.State = models.StateServed
	ticket.ServedAt = &served
	appendEvent(EventTicketServed, served)
	return events
}

func TestVerifyChain(t *testing.T) {
	events := buildChain(t)
	if err := VerifyChain(events); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}

	events[1].Payload = []byte(`{"state":"cancelled"}`)
	if err := VerifyChain(events); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain, got %v", err)
	}
}

func TestVerifyChainSequenceGap(t *testing.T) {
	events := buildChain(t)
	if err := VerifyChain([]TicketEvent{events[0], events[2]}); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for gap, got %v", err)
	}
}

func TestRehydrateTicket(t *testing.T) {
	ticket, err := RehydrateTicket(buildChain(t))
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if ticket.State != models.StateServed || ticket.Code != "C04" || ticket.QueueOrder != 4 {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if ticket.ServiceStartedAt == nil || ticket.ServedAt == nil {
		t.Fatalf("expected service timestamps, got %+v", ticket)
	}
}

func TestEventTypeFor(t *testing.T) {
	cases := []struct {
		from, to, want string
	}{
		{models.StateWaiting, models.StateInService, EventTicketCalled},
		{models.StateInService, models.StateServed, EventTicketServed},
		{models.StateWaiting, models.StateCancelled, EventTicketCancelled},
		{models.StateWaiting, models.StateWaiting, EventTicketMoved},
	}
	for _, tt := range cases {
		if got := EventTypeFor(tt.from, tt.to); got != tt.want {
			t.Fatalf("EventTypeFor(%q, %q)=%q, want %q", tt.from, tt.to, got, tt.want)
		}
	}
}
