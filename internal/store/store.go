// Package store persists decision records, trades, alerts, and
// provider usage to Postgres. Writes are single-document upserts
// behind a circuit breaker; there are no cross-document transactions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradecouncil/tradecouncil/internal/breaker"
	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

// Pool is the slice of pgxpool.Pool the store uses; pgxmock satisfies
// it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres gateway.
type Store struct {
	pool   Pool
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewWithPool(pool)
	s.logger.Info().Str("host", cfg.Host).Msg("Database connection pool created")
	return s, nil
}

// NewWithPool wraps an existing pool; tests pass a pgxmock pool here.
func NewWithPool(pool Pool) *Store {
	return &Store{
		pool:   pool,
		cb:     breaker.New("store"),
		logger: config.NewLogger("store"),
	}
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// exec runs one write behind the breaker and records its latency.
func (s *Store) exec(ctx context.Context, queryType, sql string, args ...any) error {
	start := time.Now()
	err := breaker.Guard(s.cb, func() error {
		_, execErr := s.pool.Exec(ctx, sql, args...)
		return execErr
	})
	metrics.RecordDatabaseQuery(queryType, float64(time.Since(start).Milliseconds()))
	return err
}
