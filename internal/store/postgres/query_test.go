package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"turnos/internal/models"
	"turnos/internal/store"
)

func TestBuildTicketQueryFilters(t *testing.T) {
	sql, args := buildTicketQuery(store.TicketQuery{
		BusinessID:   "b",
		BusinessDate: "2026-03-02",
		States:       []string{models.StateWaiting},
		Phone:        "5551234",
		Sort:         store.SortQueueOrder,
		Limit:        1,
	}, false)

	for _, fragment := range []string{
		"business_id = $1",
		"business_date = $2::date",
		"state = ANY($3)",
		"customer_phone = $4",
		"ORDER BY queue_order ASC, created_at ASC, ticket_id ASC",
		"LIMIT $5",
	} {
		if !strings.Contains(sql, fragment) {
			t.Fatalf("expected %q in %s", fragment, sql)
		}
	}
	if len(args) != 5 || args[4] != 1 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildTicketQueryCountIgnoresSortAndLimit(t *testing.T) {
	sql, args := buildTicketQuery(store.TicketQuery{BusinessID: "b", Limit: 3, Sort: store.SortCreatedAtDesc}, true)
	if !strings.HasPrefix(sql, "SELECT COUNT(*)") || strings.Contains(sql, "ORDER BY") || strings.Contains(sql, "LIMIT") {
		t.Fatalf("unexpected count query %s", sql)
	}
	if len(args) != 1 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestTimestampColumn(t *testing.T) {
	cases := map[string]string{
		models.StateInService: "service_started_at",
		models.StateServed:    "served_at",
		models.StateCancelled: "cancelled_at",
		models.StateWaiting:   "",
	}
	for state, want := range cases {
		if got := timestampColumn(state); got != want {
			t.Fatalf("timestampColumn(%s)=%q, want %q", state, got, want)
		}
	}
}

func TestWrapMarksUnavailable(t *testing.T) {
	if err := wrap(context.DeadlineExceeded, nil); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	bad := &pgconn.PgError{Code: invalidTextRepr}
	if err := wrap(bad, store.ErrTicketNotFound); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected malformed id to map to not found, got %v", err)
	}
	other := errors.New("boom")
	if err := wrap(other, nil); err != other {
		t.Fatalf("unexpected wrap of plain error: %v", err)
	}
}

func TestListenDecodesNotifications(t *testing.T) {
	payloads := []string{
		`{"table":"tickets","op":"INSERT","business_id":"b-1"}`,
		`not json`,
		`{"table":"business_config","op":"UPDATE","business_id":"b-2"}`,
	}
	feed := errors.New("connection lost")
	i := 0
	wait := func(context.Context) (*pgconn.Notification, error) {
		if i >= len(payloads) {
			return nil, feed
		}
		n := &pgconn.Notification{Channel: changeChannel, Payload: payloads[i]}
		i++
		return n, nil
	}

	s := &Store{logger: zap.NewNop()}
	out := make(chan store.ChangeEvent, 4)
	if err := s.listen(context.Background(), wait, out); !errors.Is(err, feed) {
		t.Fatalf("expected feed error, got %v", err)
	}
	close(out)

	var got []store.ChangeEvent
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].BusinessID != "b-1" || got[1].Table != store.TableBusinessConfig {
		t.Fatalf("unexpected events %+v", got)
	}
}
