// Package store persists the durable side of the queue in PostgreSQL:
// the messages mirror, the append-only event log, DLQ records,
// idempotency keys, and poison counters. Every repository is a thin
// pgx wrapper serialized by primary-key constraints; the queue itself
// takes no application-level locks.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// Store owns the connection pool shared by all repositories.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// Open connects to the event store and verifies the connection with a
// bounded ping. The caller owns the returned Store and must Close it.
func Open(ctx context.Context, cfg config.StoreConfig, log *logrus.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, queue.ConfigError("EVENT_STORE_URL is not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, queue.ConfigError(fmt.Sprintf("parse EVENT_STORE_URL: %v", err))
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - bounded by config validation
	}
	if cfg.ConnTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, queue.StoreUnavailable("create connection pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, queue.StoreUnavailable("ping event store", err)
	}

	log.WithFields(logrus.Fields{
		"max_conns": poolCfg.MaxConns,
	}).Info("Connected to event store")

	return &Store{pool: pool, log: log}, nil
}

// NewWithPool wraps an existing pool. Used by tests and by callers that
// manage pool lifecycle themselves.
func NewWithPool(pool *pgxpool.Pool, log *logrus.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// Pool exposes the underlying pool for repository constructors.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return queue.StoreUnavailable("ping event store", err)
	}
	return nil
}

// HealthCheck pings with a short deadline, for readiness probes.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Messages returns a repository over the messages mirror.
func (s *Store) Messages() *MessageRepository {
	return NewMessageRepository(s.pool, s.log)
}

// Events returns a repository over the append-only event log.
func (s *Store) Events() *EventRepository {
	return NewEventRepository(s.pool, s.log)
}

// DLQ returns a repository over dead-lettered records.
func (s *Store) DLQ() *DLQRepository {
	return NewDLQRepository(s.pool, s.log)
}

// Idempotency returns a repository over producer dedup claims.
func (s *Store) Idempotency() *IdempotencyRepository {
	return NewIdempotencyRepository(s.pool, s.log)
}

// Poison returns a repository over per-dedup-key crash counters.
func (s *Store) Poison() *PoisonRepository {
	return NewPoisonRepository(s.pool, s.log)
}
