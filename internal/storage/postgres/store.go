// Package postgres is the shared-server storage backend, built on a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
	"github.com/JakeFAU/deck-harvester/internal/storage/migrations"
)

// Config controls the Postgres connection pool and queue policy.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// MaxAttempts is how many failed attempts an item may accumulate; the
	// failure after that drops it.
	MaxAttempts     int
	// SkipMigrations leaves the schema alone, for databases managed elsewhere.
	SkipMigrations bool
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements harvest.Store on Postgres.
type Store struct {
	pool        pool
	maxAttempts int
	clock       harvest.Clock
	logger      *zap.Logger
}

var _ harvest.Store = (*Store)(nil)

// Open migrates the schema, connects a pool and recovers in-flight queue items.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if !cfg.SkipMigrations {
		if err := migrations.UpPostgres(cfg.DSN, logger); err != nil {
			return nil, err
		}
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := NewWithPool(p, cfg.MaxAttempts, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	recovered, err := s.RecoverInFlight(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Warn("returned in-flight queue items to pending", zap.Int("count", recovered))
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, maxAttempts int, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = storage.DefaultMaxAttempts
	}
	return &Store{pool: p, maxAttempts: maxAttempts, clock: clock.New(), logger: logger}, nil
}

// SetClock replaces the wall clock used for timestamps.
func (s *Store) SetClock(c harvest.Clock) {
	s.clock = c
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.WriteError(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		if errors.Is(err, harvest.ErrIntegrity) || errors.Is(err, harvest.ErrParse) {
			return err
		}
		return storage.WriteError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.WriteError(op, err)
	}
	return nil
}

func table(commanders bool) string {
	if commanders {
		return "deck_commanders"
	}
	return "deck_cards"
}
