package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"turnos/internal/models"
)

const (
	EventTicketCreated   = "ticket.created"
	EventTicketCalled    = "ticket.called"
	EventTicketServed    = "ticket.served"
	EventTicketCancelled = "ticket.cancelled"
	EventTicketMoved     = "ticket.moved"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID         string     `json:"ticket_id"`
	BusinessID       string     `json:"business_id"`
	Code             string     `json:"code"`
	State            string     `json:"state"`
	ServiceName      string     `json:"service_name,omitempty"`
	QueueOrder       *int       `json:"queue_order,omitempty"`
	BusinessDate     string     `json:"business_date,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	ServedAt         *time.Time `json:"served_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// EventTypeFor names the audit event recorded for a transition into state to.
func EventTypeFor(from, to string) string {
	switch {
	case to == models.StateInService:
		return EventTicketCalled
	case to == models.StateServed:
		return EventTicketServed
	case to == models.StateCancelled:
		return EventTicketCancelled
	case from == to:
		return EventTicketMoved
	default:
		return "ticket." + to
	}
}

func EventPayload(ticket models.Ticket) (json.RawMessage, error) {
	order := ticket.QueueOrder
	payload := eventPayload{
		TicketID:         ticket.TicketID,
		BusinessID:       ticket.BusinessID,
		Code:             ticket.Code,
		State:            ticket.State,
		ServiceName:      ticket.ServiceName,
		QueueOrder:       &order,
		BusinessDate:     ticket.BusinessDate,
		ServiceStartedAt: ticket.ServiceStartedAt,
		ServedAt:         ticket.ServedAt,
		CancelledAt:      ticket.CancelledAt,
	}
	if !ticket.CreatedAt.IsZero() {
		createdAt := ticket.CreatedAt
		payload.CreatedAt = &createdAt
	}
	return json.Marshal(payload)
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows prev (nil for the first one).
func NextTicketEvent(prev *TicketEvent, ticketID, eventType string, payload json.RawMessage, createdAt time.Time) TicketEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticketID, eventType, payload, createdAt, seq),
	}
}

// VerifyChain checks sequence numbers and hash links of one ticket's events.
func VerifyChain(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TicketSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.BusinessID != "" {
			ticket.BusinessID = payload.BusinessID
		}
		if payload.Code != "" {
			ticket.Code = payload.Code
		}
		if payload.ServiceName != "" {
			ticket.ServiceName = payload.ServiceName
		}
		if payload.State != "" {
			ticket.State = payload.State
		}
		if payload.QueueOrder != nil {
			ticket.QueueOrder = *payload.QueueOrder
		}
		if payload.BusinessDate != "" {
			ticket.BusinessDate = payload.BusinessDate
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.ServiceStartedAt != nil {
			ticket.ServiceStartedAt = payload.ServiceStartedAt
		}
		if payload.ServedAt != nil {
			ticket.ServedAt = payload.ServedAt
		}
		if payload.CancelledAt != nil {
			ticket.CancelledAt = payload.CancelledAt
		}
	}
	return ticket, nil
}
