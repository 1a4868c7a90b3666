package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"turnos/internal/models"
	"turnos/internal/store"
)

type ServiceCount struct {
	ServiceName string `json:"service_name"`
	Count       int    `json:"count"`
}

// DayStats summarizes one business date.
type DayStats struct {
	BusinessDate       string         `json:"business_date"`
	Total              int            `json:"total"`
	Waiting            int            `json:"waiting"`
	InService          int            `json:"in_service"`
	Served             int            `json:"served"`
	Cancelled          int            `json:"cancelled"`
	AverageWaitMinutes float64        `json:"average_wait_minutes"`
	AverageServiceMins float64        `json:"average_service_minutes"`
	ByService          []ServiceCount `json:"by_service"`
	ByChannel          map[string]int `json:"by_channel"`
}

// Stats reports the day's figures; an empty date means today.
func (m *Manager) Stats(ctx context.Context, businessID, date string) (DayStats, error) {
	ctx, span := m.startSpan(ctx, "Stats", businessID)
	defer span.End()

	date = strings.TrimSpace(date)
	if date == "" {
		_, date = m.clock()
	} else if _, err := time.Parse(models.DateLayout, date); err != nil {
		return DayStats{}, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	tickets, err := m.store.ListTickets(ctx, store.TicketQuery{
		BusinessID:   businessID,
		BusinessDate: date,
		Sort:         store.SortCreatedAt,
	})
	if err != nil {
		return DayStats{}, fmt.Errorf("stats for %s: %w", date, err)
	}
	stats := ComputeStats(tickets)
	stats.BusinessDate = date
	return stats, nil
}

func ComputeStats(tickets []models.Ticket) DayStats {
	byState := countBy(tickets, func(t models.Ticket) string { return t.State })
	stats := DayStats{
		Total:     len(tickets),
		Waiting:   byState[models.StateWaiting],
		InService: byState[models.StateInService],
		Served:    byState[models.StateServed],
		Cancelled: byState[models.StateCancelled],
		ByChannel: countBy(tickets, func(t models.Ticket) string { return t.Channel }),
	}

	called := lo.Filter(tickets, func(t models.Ticket, _ int) bool { return t.ServiceStartedAt != nil })
	if len(called) > 0 {
		waits := lo.Map(called, func(t models.Ticket, _ int) float64 {
			return t.ServiceStartedAt.Sub(t.CreatedAt).Minutes()
		})
		stats.AverageWaitMinutes = round1(lo.Sum(waits) / float64(len(waits)))
	}

	served := lo.Filter(called, func(t models.Ticket, _ int) bool { return t.ServedAt != nil })
	if len(served) > 0 {
		durations := lo.Map(served, func(t models.Ticket, _ int) float64 {
			return t.ServedAt.Sub(*t.ServiceStartedAt).Minutes()
		})
		stats.AverageServiceMins = round1(lo.Sum(durations) / float64(len(durations)))
	}

	perService := countBy(tickets, func(t models.Ticket) string { return t.ServiceName })
	stats.ByService = lo.MapToSlice(perService, func(name string, count int) ServiceCount {
		return ServiceCount{ServiceName: name, Count: count}
	})
	sort.Slice(stats.ByService, func(i, j int) bool {
		if stats.ByService[i].Count != stats.ByService[j].Count {
			return stats.ByService[i].Count > stats.ByService[j].Count
		}
		return stats.ByService[i].ServiceName < stats.ByService[j].ServiceName
	})
	return stats
}

func countBy(tickets []models.Ticket, key func(models.Ticket) string) map[string]int {
	return lo.MapValues(lo.GroupBy(tickets, key), func(group []models.Ticket, _ string) int {
		return len(group)
	})
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
