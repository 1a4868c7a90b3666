package postgres

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"turnos/internal/store"
)

// Subscribe LISTENs on the change channel over a dedicated pool connection.
// After a lost connection it reconnects and emits a business-less tickets
// event so consumers refresh everything they watch.
func (s *Store) Subscribe(ctx context.Context) (<-chan store.ChangeEvent, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrap(err, nil)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		conn.Release()
		return nil, wrap(err, nil)
	}

	out := make(chan store.ChangeEvent, subscriberBufSize)
	go func() {
		defer close(out)
		for {
			err := s.listen(ctx, conn.Conn().WaitForNotification, out)
			conn.Release()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("change feed interrupted, reconnecting", zap.Error(err))

			conn = s.reconnect(ctx)
			if conn == nil {
				return
			}
			if !send(ctx, out, store.ChangeEvent{Table: store.TableTickets, Op: "RESYNC"}) {
				conn.Release()
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) listen(ctx context.Context, wait waitFunc, out chan<- store.ChangeEvent) error {
	for {
		notification, err := wait(ctx)
		if err != nil {
			return err
		}
		event, ok := decodeChange(notification.Payload)
		if !ok {
			s.logger.Warn("ignoring malformed change notification", zap.String("payload", notification.Payload))
			continue
		}
		if !send(ctx, out, event) {
			return ctx.Err()
		}
	}
}

func decodeChange(payload string) (store.ChangeEvent, bool) {
	var event store.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil || event.Table == "" {
		return store.ChangeEvent{}, false
	}
	return event, true
}

func send(ctx context.Context, out chan<- store.ChangeEvent, event store.ChangeEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
