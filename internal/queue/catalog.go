package queue

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"turnos/internal/models"
)

// Catalog maps service names to their configured duration.
type Catalog struct {
	minutes  map[string]int
	fallback int
}

func NewCatalog(services []models.Service, fallbackMinutes int) Catalog {
	if fallbackMinutes <= 0 {
		fallbackMinutes = 10
	}
	active := lo.Filter(services, func(s models.Service, _ int) bool {
		return s.Active && s.Name != ""
	})
	return Catalog{
		minutes: lo.Associate(active, func(s models.Service) (string, int) {
			return s.Name, s.DurationMinutes
		}),
		fallback: fallbackMinutes,
	}
}

// Duration of a service; unknown names and non-positive durations use the fallback.
func (c Catalog) Duration(serviceName string) time.Duration {
	minutes, ok := c.minutes[serviceName]
	if !ok || minutes <= 0 {
		minutes = c.fallback
	}
	return time.Duration(minutes) * time.Minute
}

func (c Catalog) Has(serviceName string) bool {
	_, ok := c.minutes[serviceName]
	return ok
}

func (c Catalog) Len() int {
	return len(c.minutes)
}

func (c Catalog) Names() []string {
	names := lo.Keys(c.minutes)
	sort.Strings(names)
	return names
}
