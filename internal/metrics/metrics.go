package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicketsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnos",
			Name:      "tickets_created_total",
			Help:      "Tickets issued, by channel",
		},
		[]string{"channel"},
	)

	// TicketsRejected counts refused creations by the first failing reason.
	TicketsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnos",
			Name:      "tickets_rejected_total",
			Help:      "Ticket requests refused by operating checks or validation",
		},
		[]string{"reason"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnos",
			Name:      "transitions_total",
			Help:      "Ticket transitions by action and outcome (applied, noop, error)",
		},
		[]string{"action", "outcome"},
	)

	CodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turnos",
		Name:      "code_collisions_total",
		Help:      "Ticket codes regenerated after losing a concurrent insert",
	})

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnos",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status class",
		},
		[]string{"method", "status"},
	)

	HTTPDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "turnos",
			Subsystem:  "http",
			Name:       "request_duration_seconds",
			Help:       "HTTP request latency",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"method"},
	)

	RealtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "turnos",
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected realtime clients",
	})

	RealtimeBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnos",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to realtime clients, by type",
		},
		[]string{"type"},
	)

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "turnos",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the rate limiter",
	})
)
