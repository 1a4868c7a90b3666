package store

import "errors"

var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrBusinessNotFound = errors.New("business not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrUserNotFound     = errors.New("staff user not found")
	ErrDuplicateCode    = errors.New("ticket code already issued for this day")
	ErrUnavailable      = errors.New("store unavailable")
)
