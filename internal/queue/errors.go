package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition  = errors.New("transition not allowed")
	ErrInvalidCode        = errors.New("invalid ticket code")
	ErrCodesExhausted     = errors.New("ticket codes exhausted for today")
	ErrQueueEmpty         = errors.New("no tickets waiting")
	ErrServiceBusy        = errors.New("service counters busy")
	ErrActiveTicketExists = errors.New("phone already holds a waiting ticket")
)

// ValidationError rejects input before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PolicyError reports which operating checks refused a new ticket.
type PolicyError struct {
	Result PolicyResult
}

func (e *PolicyError) Error() string {
	parts := make([]string, 0, len(e.Result.Failed))
	for _, check := range e.Result.Failed {
		parts = append(parts, string(check))
	}
	return "ticket refused: " + strings.Join(parts, ", ")
}
