package models

import "time"

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	BusinessID       string     `json:"business_id,omitempty"`
	RequestID        string     `json:"request_id,omitempty"`
	Code             string     `json:"code"`
	CustomerName     string     `json:"customer_name"`
	CustomerPhone    string     `json:"customer_phone,omitempty"`
	ServiceName      string     `json:"service_name"`
	Channel          string     `json:"channel,omitempty"`
	State            string     `json:"state"`
	QueueOrder       int        `json:"queue_order"`
	BusinessDate     string     `json:"business_date"`
	CreatedAt        time.Time  `json:"created_at"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	ServedAt         *time.Time `json:"served_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

const (
	StateWaiting   = "waiting"
	StateInService = "in_service"
	StateServed    = "served"
	StateCancelled = "cancelled"
)

const (
	ChannelCustomer = "customer"
	ChannelStaff    = "staff"
)

// DateLayout is the wire and storage format of BusinessDate.
const DateLayout = "2006-01-02"

func ValidState(state string) bool {
	switch state {
	case StateWaiting, StateInService, StateServed, StateCancelled:
		return true
	default:
		return false
	}
}
