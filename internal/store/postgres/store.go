package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"turnos/internal/models"
	"turnos/internal/store"
)

const (
	uniqueViolation   = "23505"
	invalidTextRepr   = "22P02"
	codeIndexName     = "tickets_code_per_day"
	requestIndexName  = "tickets_request_id"
	changeChannel     = "turnos_changes"
	resubscribeDelay  = time.Second
	subscriberBufSize = 64
)

const ticketColumns = `ticket_id::text, business_id::text, request_id, code, customer_name, customer_phone,
	service_name, channel, state, queue_order, to_char(business_date, 'YYYY-MM-DD'),
	created_at, service_started_at, served_at, cancelled_at`

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

type Options struct {
	Logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// wrap marks connectivity failures with store.ErrUnavailable and maps
// malformed ids to not-found.
func wrap(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) && notFound != nil {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepr && notFound != nil {
		return notFound
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var requestID, phone null.String
	var startedAt, servedAt, cancelledAt null.Time
	if err := row.Scan(
		&ticket.TicketID, &ticket.BusinessID, &requestID, &ticket.Code, &ticket.CustomerName, &phone,
		&ticket.ServiceName, &ticket.Channel, &ticket.State, &ticket.QueueOrder, &ticket.BusinessDate,
		&ticket.CreatedAt, &startedAt, &servedAt, &cancelledAt,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.RequestID = requestID.ValueOrZero()
	ticket.CustomerPhone = phone.ValueOrZero()
	ticket.ServiceStartedAt = startedAt.Ptr()
	ticket.ServedAt = servedAt.Ptr()
	ticket.CancelledAt = cancelledAt.Ptr()
	return ticket, nil
}

func buildTicketQuery(q store.TicketQuery, count bool) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.BusinessID != "" {
		add("business_id = $%d", q.BusinessID)
	}
	if q.BusinessDate != "" {
		add("business_date = $%d::date", q.BusinessDate)
	}
	if len(q.States) > 0 {
		add("state = ANY($%d)", q.States)
	}
	if q.Phone != "" {
		add("customer_phone = $%d", q.Phone)
	}
	if q.Code != "" {
		add("code = $%d", q.Code)
	}
	if q.RequestID != "" {
		add("request_id = $%d", q.RequestID)
	}

	var sb strings.Builder
	if count {
		sb.WriteString("SELECT COUNT(*) FROM tickets")
	} else {
		sb.WriteString("SELECT " + ticketColumns + " FROM tickets")
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if count {
		return sb.String(), args
	}

	switch q.Sort {
	case store.SortCreatedAt:
		sb.WriteString(" ORDER BY created_at ASC, ticket_id ASC")
	case store.SortCreatedAtDesc:
		sb.WriteString(" ORDER BY created_at DESC, ticket_id DESC")
	case store.SortStartedAt:
		sb.WriteString(" ORDER BY service_started_at ASC NULLS LAST, created_at ASC")
	default:
		sb.WriteString(" ORDER BY queue_order ASC, created_at ASC, ticket_id ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	return sb.String(), args
}

func (s *Store) ListTickets(ctx context.Context, query store.TicketQuery) ([]models.Ticket, error) {
	sql, args := buildTicketQuery(query, false)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(err, nil)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, nil)
	}
	return tickets, nil
}

func (s *Store) CountTickets(ctx context.Context, query store.TicketQuery) (int, error) {
	sql, args := buildTicketQuery(query, true)
	var count int
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, wrap(err, nil)
	}
	return count, nil
}

func (s *Store) GetTicket(ctx context.Context, businessID, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 AND business_id = $2`, ticketID, businessID)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, wrap(err, store.ErrTicketNotFound)
	}
	return ticket, nil
}

// LastCode returns the most recently created code with letter on the date.
func (s *Store) LastCode(ctx context.Context, businessID, businessDate, letter string) (string, bool, error) {
	var code string
	err := s.pool.QueryRow(ctx, `
		SELECT code
		FROM tickets
		WHERE business_id = $1 AND business_date = $2::date AND code LIKE $3 || '%'
		ORDER BY created_at DESC, length(code) DESC, code DESC
		LIMIT 1
	`, businessID, businessDate, letter).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err, nil)
	}
	return code, true, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, businessID, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE business_id = $1 AND request_id = $2`, businessID, requestID)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// InsertTicket appends a waiting ticket at the end of the day's queue. A
// replayed RequestID returns the original ticket with created=false.
func (s *Store) InsertTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, wrap(err, nil)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if input.RequestID != "" {
		existing, found, err := findTicketByRequestID(ctx, tx, input.BusinessID, input.RequestID)
		if err != nil {
			return models.Ticket{}, false, wrap(err, nil)
		}
		if found {
			return existing, false, nil
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, input.BusinessID+"|"+input.BusinessDate); err != nil {
		return models.Ticket{}, false, wrap(err, nil)
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, business_id, request_id, code, customer_name, customer_phone,
			service_name, channel, state, queue_order, business_date, created_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9,
			COALESCE(MAX(queue_order), 0) + 1, $10::date, $11
		FROM tickets
		WHERE business_id = $2 AND business_date = $10::date
		RETURNING `+ticketColumns,
		uuid.NewString(), input.BusinessID, nullIfEmpty(input.RequestID), input.Code, input.CustomerName,
		nullIfEmpty(input.CustomerPhone), input.ServiceName, input.Channel, models.StateWaiting,
		input.BusinessDate, createdAt)
	ticket, err := scanTicket(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case codeIndexName:
				return models.Ticket{}, false, store.ErrDuplicateCode
			case requestIndexName:
				_ = tx.Rollback(ctx)
				return s.replayRequest(ctx, input)
			}
		}
		return models.Ticket{}, false, wrap(err, nil)
	}

	if err := insertTicketEvent(ctx, tx, ticket, store.EventTicketCreated, createdAt); err != nil {
		return models.Ticket{}, false, wrap(err, nil)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, wrap(err, nil)
	}
	return ticket, true, nil
}

// replayRequest resolves a RequestID that another transaction inserted first.
func (s *Store) replayRequest(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE business_id = $1 AND request_id = $2`, input.BusinessID, input.RequestID)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, wrap(err, nil)
	}
	return ticket, false, nil
}

func timestampColumn(state string) string {
	switch state {
	case models.StateInService:
		return "service_started_at"
	case models.StateServed:
		return "served_at"
	case models.StateCancelled:
		return "cancelled_at"
	default:
		return ""
	}
}

// TransitionTicket runs one conditioned UPDATE. When the ticket is no longer
// in input.From nothing changes and RowsAffected is zero.
func (s *Store) TransitionTicket(ctx context.Context, input store.TransitionInput) (store.TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.TransitionResult{}, wrap(err, nil)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	at := input.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updateQuery := `UPDATE tickets SET state = $1`
	args := []interface{}{input.To}
	if column := timestampColumn(input.To); column != "" {
		args = append(args, at)
		updateQuery += fmt.Sprintf(", %s = $%d", column, len(args))
	}
	if input.QueueOrder != nil {
		args = append(args, *input.QueueOrder)
		updateQuery += fmt.Sprintf(", queue_order = $%d", len(args))
	}
	args = append(args, input.TicketID, input.BusinessID, input.From)
	updateQuery += fmt.Sprintf(" WHERE ticket_id = $%d AND business_id = $%d AND state = $%d", len(args)-2, len(args)-1, len(args))
	if input.Phone != "" {
		args = append(args, input.Phone)
		updateQuery += fmt.Sprintf(" AND customer_phone = $%d", len(args))
	}
	updateQuery += " RETURNING " + ticketColumns

	ticket, err := scanTicket(tx.QueryRow(ctx, updateQuery, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == invalidTextRepr) {
			return store.TransitionResult{}, nil
		}
		return store.TransitionResult{}, wrap(err, nil)
	}

	if err := insertTicketEvent(ctx, tx, ticket, store.EventTypeFor(input.From, input.To), at); err != nil {
		return store.TransitionResult{}, wrap(err, nil)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.TransitionResult{}, wrap(err, nil)
	}
	return store.TransitionResult{Ticket: ticket, RowsAffected: 1}, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}

	var prev *store.TicketEvent
	var last store.TicketEvent
	err := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID).Scan(&last.TicketSeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	event := store.NextTicketEvent(prev, ticket.TicketID, eventType, payload, at.UTC())
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func (s *Store) ListTicketEvents(ctx context.Context, businessID, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.ticket_id::text, e.ticket_seq, e.type, e.payload, e.created_at, e.prev_hash, e.hash
		FROM ticket_events e
		JOIN tickets t ON t.ticket_id = e.ticket_id
		WHERE e.ticket_id = $1 AND t.business_id = $2
		ORDER BY e.ticket_seq ASC
	`, ticketID, businessID)
	if err != nil {
		return nil, wrap(err, store.ErrTicketNotFound)
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, nil)
	}
	return events, nil
}

func (s *Store) GetBusinessConfig(ctx context.Context, businessID string) (models.BusinessConfigPatch, bool, error) {
	var patch models.BusinessConfigPatch
	err := s.pool.QueryRow(ctx, `
		SELECT open_time, close_time, daily_limit, operating_days
		FROM business_config
		WHERE business_id = $1
	`, businessID).Scan(&patch.OpenTime, &patch.CloseTime, &patch.DailyLimit, &patch.OperatingDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BusinessConfigPatch{}, false, nil
	}
	if err != nil {
		return models.BusinessConfigPatch{}, false, wrap(err, nil)
	}
	return patch, true, nil
}

func (s *Store) ListServices(ctx context.Context, businessID string) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id::text, business_id::text, name, duration_minutes, active
		FROM services
		WHERE business_id = $1
		ORDER BY name
	`, businessID)
	if err != nil {
		return nil, wrap(err, nil)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.BusinessID, &svc.Name, &svc.DurationMinutes, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, nil)
	}
	return services, nil
}

func (s *Store) GetPublicTokenHash(ctx context.Context, businessID string) (string, error) {
	var hash null.String
	err := s.pool.QueryRow(ctx, `SELECT public_token_hash FROM businesses WHERE business_id = $1`, businessID).Scan(&hash)
	if err != nil {
		return "", wrap(err, store.ErrBusinessNotFound)
	}
	if !hash.Valid || hash.String == "" {
		return "", store.ErrBusinessNotFound
	}
	return hash.String, nil
}

func (s *Store) FindStaffUser(ctx context.Context, businessID, email string) (store.StaffUser, error) {
	var user store.StaffUser
	err := s.pool.QueryRow(ctx, `
		SELECT user_id::text, business_id::text, email, role, password_hash
		FROM staff_users
		WHERE business_id = $1 AND lower(email) = lower($2) AND active = TRUE
	`, businessID, email).Scan(&user.UserID, &user.BusinessID, &user.Email, &user.Role, &user.PasswordHash)
	if err != nil {
		return store.StaffUser{}, wrap(err, store.ErrUserNotFound)
	}
	return user, nil
}

func (s *Store) CreateSession(ctx context.Context, session store.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, business_id, role, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.SessionID, session.UserID, session.BusinessID, session.Role, session.ExpiresAt)
	return wrap(err, nil)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id::text, business_id::text, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID).Scan(&session.SessionID, &session.UserID, &session.BusinessID, &session.Role, &session.ExpiresAt)
	if err != nil {
		return store.Session{}, wrap(err, store.ErrSessionNotFound)
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return wrap(err, nil)
}
