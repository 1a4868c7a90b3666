package queue

import (
	"math"
	"sort"
	"time"

	"turnos/internal/models"
)

// NotFound is the position of a ticket absent from the waiting queue.
const NotFound = -1

func queueLess(a, b models.Ticket) bool {
	if a.QueueOrder != b.QueueOrder {
		return a.QueueOrder < b.QueueOrder
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TicketID < b.TicketID
}

// WaitingQueue returns the waiting tickets of tickets in queue order.
func WaitingQueue(tickets []models.Ticket) []models.Ticket {
	queue := make([]models.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.State == models.StateWaiting {
			queue = append(queue, t)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return queueLess(queue[i], queue[j]) })
	return queue
}

// Position is the zero-based index of code in the waiting queue, or NotFound.
func Position(tickets []models.Ticket, code string) int {
	for i, t := range WaitingQueue(tickets) {
		if t.Code == code {
			return i
		}
	}
	return NotFound
}

// RemainingService is what is left of the ticket's service time, floored at zero.
func RemainingService(ticket models.Ticket, catalog Catalog, now time.Time) time.Duration {
	if ticket.State != models.StateInService || ticket.ServiceStartedAt == nil {
		return 0
	}
	remaining := catalog.Duration(ticket.ServiceName) - now.Sub(*ticket.ServiceStartedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// EstimateQueue returns the estimated wait of every waiting ticket, in queue
// order: the remaining time of the ticket in service plus the durations of
// the tickets ahead.
func EstimateQueue(tickets []models.Ticket, inService *models.Ticket, catalog Catalog, now time.Time) ([]models.Ticket, []time.Duration) {
	queue := WaitingQueue(tickets)
	waits := make([]time.Duration, len(queue))
	var ahead time.Duration
	if inService != nil {
		ahead = RemainingService(*inService, catalog, now)
	}
	for i, t := range queue {
		waits[i] = ahead
		ahead += catalog.Duration(t.ServiceName)
	}
	return queue, waits
}

type WaitEstimate struct {
	Position int           `json:"position"`
	Wait     time.Duration `json:"-"`
	Minutes  int           `json:"estimated_minutes"`
}

func (e WaitEstimate) Found() bool {
	return e.Position != NotFound
}

// EstimateWait locates code in the waiting queue and estimates its wait.
func EstimateWait(tickets []models.Ticket, inService *models.Ticket, code string, catalog Catalog, now time.Time) WaitEstimate {
	queue, waits := EstimateQueue(tickets, inService, catalog, now)
	for i, t := range queue {
		if t.Code == code {
			return WaitEstimate{Position: i, Wait: waits[i], Minutes: CeilMinutes(waits[i])}
		}
	}
	return WaitEstimate{Position: NotFound}
}

func CeilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// ElapsedMinutes is the whole minutes from since to now, never negative.
func ElapsedMinutes(since, now time.Time) int {
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since) / time.Minute)
}

// CurrentInService picks the ticket whose service started first.
func CurrentInService(tickets []models.Ticket) *models.Ticket {
	var current *models.Ticket
	for i := range tickets {
		t := tickets[i]
		if t.State != models.StateInService || t.ServiceStartedAt == nil {
			continue
		}
		if current == nil || t.ServiceStartedAt.Before(*current.ServiceStartedAt) {
			current = &tickets[i]
		}
	}
	return current
}

func SortByServiceStart(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		a, b := tickets[i].ServiceStartedAt, tickets[j].ServiceStartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
}
