package store

import (
	"context"
	"time"

	"turnos/internal/models"
)

type SortOrder int

const (
	// SortQueueOrder orders by queue_order, then created_at, then ticket_id.
	SortQueueOrder SortOrder = iota
	SortCreatedAt
	SortCreatedAtDesc
	SortStartedAt
)

type TicketQuery struct {
	BusinessID   string
	BusinessDate string
	States       []string
	Phone        string
	Code         string
	RequestID    string
	Sort         SortOrder
	Limit        int
}

type CreateTicketInput struct {
	RequestID     string
	BusinessID    string
	BusinessDate  string
	Code          string
	CustomerName  string
	CustomerPhone string
	ServiceName   string
	Channel       string
	CreatedAt     time.Time
}

// TransitionInput describes a state change applied only while the ticket is
// still in From. Timestamps follow the target state: in_service sets
// service_started_at, served sets served_at, cancelled sets cancelled_at.
type TransitionInput struct {
	BusinessID string
	TicketID   string
	From       string
	To         string
	At         time.Time
	QueueOrder *int
	Phone      string
}

type TransitionResult struct {
	Ticket       models.Ticket
	RowsAffected int64
}

type ChangeEvent struct {
	Table      string `json:"table"`
	Op         string `json:"op"`
	BusinessID string `json:"business_id"`
}

const (
	TableTickets        = "tickets"
	TableServices       = "services"
	TableBusinessConfig = "business_config"
)

type TicketStore interface {
	ListTickets(ctx context.Context, query TicketQuery) ([]models.Ticket, error)
	CountTickets(ctx context.Context, query TicketQuery) (int, error)
	GetTicket(ctx context.Context, businessID, ticketID string) (models.Ticket, error)
	LastCode(ctx context.Context, businessID, businessDate, letter string) (string, bool, error)
	InsertTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	TransitionTicket(ctx context.Context, input TransitionInput) (TransitionResult, error)
	ListTicketEvents(ctx context.Context, businessID, ticketID string) ([]TicketEvent, error)
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

type ConfigStore interface {
	GetBusinessConfig(ctx context.Context, businessID string) (models.BusinessConfigPatch, bool, error)
	ListServices(ctx context.Context, businessID string) ([]models.Service, error)
	GetPublicTokenHash(ctx context.Context, businessID string) (string, error)
}

// SessionStore backs staff login. Password checks happen in the caller.
type SessionStore interface {
	FindStaffUser(ctx context.Context, businessID, email string) (StaffUser, error)
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Store interface {
	TicketStore
	ConfigStore
	SessionStore
}

type Session struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	BusinessID string    `json:"business_id"`
	Role       string    `json:"role"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type StaffUser struct {
	UserID       string
	BusinessID   string
	Email        string
	Role         string
	PasswordHash string
}
