package queue

import (
	"context"
	"time"

	"turnos/internal/models"
	"turnos/internal/store"
)

type QueueEntry struct {
	models.Ticket
	Position         int `json:"position"`
	EstimatedMinutes int `json:"estimated_minutes"`
	ElapsedMinutes   int `json:"elapsed_minutes"`
}

type ServiceEntry struct {
	models.Ticket
	ElapsedMinutes   int `json:"elapsed_minutes"`
	RemainingMinutes int `json:"remaining_minutes"`
}

// Snapshot is the dashboard view of one business for the current day.
type Snapshot struct {
	BusinessID   string                `json:"business_id"`
	BusinessDate string                `json:"business_date"`
	GeneratedAt  time.Time             `json:"generated_at"`
	Config       models.BusinessConfig `json:"config"`
	InService    []ServiceEntry        `json:"in_service"`
	Waiting      []QueueEntry          `json:"waiting"`
	IssuedToday  int                   `json:"issued_today"`
	Accepting    bool                  `json:"accepting"`
	Reasons      []Check               `json:"reasons,omitempty"`
}

func (m *Manager) Snapshot(ctx context.Context, businessID string) (Snapshot, error) {
	ctx, span := m.startSpan(ctx, "Snapshot", businessID)
	defer span.End()

	st := m.state(ctx, businessID)
	now, date := m.clock()

	active, err := m.store.ListTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		States:       []string{models.StateWaiting, models.StateInService},
		Sort:         store.SortQueueOrder,
	})
	if err != nil {
		return Snapshot{}, err
	}
	issued, err := m.store.CountTickets(ctx, store.TicketQuery{BusinessID: businessID, BusinessDate: date})
	if err != nil {
		return Snapshot{}, err
	}

	snap := BuildSnapshot(active, st.config, st.catalog, now, issued)
	snap.BusinessID = businessID
	snap.BusinessDate = date
	return snap, nil
}

// BuildSnapshot lays out today's active tickets. now must be in the business
// timezone.
func BuildSnapshot(active []models.Ticket, cfg models.BusinessConfig, catalog Catalog, now time.Time, issuedToday int) Snapshot {
	snap := Snapshot{
		GeneratedAt: now.UTC(),
		Config:      cfg,
		InService:   []ServiceEntry{},
		Waiting:     []QueueEntry{},
		IssuedToday: issuedToday,
	}

	var serving []models.Ticket
	for _, t := range active {
		if t.State == models.StateInService {
			serving = append(serving, t)
		}
	}
	SortByServiceStart(serving)
	for _, t := range serving {
		entry := ServiceEntry{Ticket: t, RemainingMinutes: CeilMinutes(RemainingService(t, catalog, now))}
		if t.ServiceStartedAt != nil {
			entry.ElapsedMinutes = ElapsedMinutes(*t.ServiceStartedAt, now)
		}
		snap.InService = append(snap.InService, entry)
	}

	queue, waits := EstimateQueue(active, CurrentInService(active), catalog, now)
	for i, t := range queue {
		snap.Waiting = append(snap.Waiting, QueueEntry{
			Ticket:           t,
			Position:         i,
			EstimatedMinutes: CeilMinutes(waits[i]),
			ElapsedMinutes:   ElapsedMinutes(t.CreatedAt, now),
		})
	}

	result := CheckTakeTicket(cfg, now, issuedToday)
	snap.Accepting = result.OK()
	snap.Reasons = result.Failed
	return snap
}

// Redacted drops customer contact data for displays and public pages.
func (s Snapshot) Redacted() Snapshot {
	out := s
	out.InService = make([]ServiceEntry, len(s.InService))
	for i, e := range s.InService {
		e.Ticket = redactTicket(e.Ticket)
		out.InService[i] = e
	}
	out.Waiting = make([]QueueEntry, len(s.Waiting))
	for i, e := range s.Waiting {
		e.Ticket = redactTicket(e.Ticket)
		out.Waiting[i] = e
	}
	return out
}

func redactTicket(t models.Ticket) models.Ticket {
	t.CustomerPhone = ""
	t.RequestID = ""
	return t
}
