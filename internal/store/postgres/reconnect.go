package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type waitFunc func(ctx context.Context) (*pgconn.Notification, error)

func (s *Store) reconnect(ctx context.Context) *pgxpool.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			s.logger.Warn("change feed reconnect failed", zap.Error(err))
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
			conn.Release()
			s.logger.Warn("change feed LISTEN failed", zap.Error(err))
			continue
		}
		return conn
	}
}
