// Package sqlite is the default single-file storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/clock"
	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/storage"
	"github.com/JakeFAU/deck-harvester/internal/storage/migrations"
)

const memoryPath = ":memory:"

// Config controls the database file and queue policy.
type Config struct {
	Path         string
	// MaxAttempts is how many failed attempts an item may accumulate; the
	// failure after that drops it.
	MaxAttempts  int
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps.
func WithClock(c harvest.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store implements harvest.Store on SQLite. Writes are serialised in process; WAL
// mode keeps readers unblocked while a write is in progress.
type Store struct {
	db          *sql.DB
	writeMu     sync.Mutex
	maxAttempts int
	clock       harvest.Clock
	logger      *zap.Logger
}

var _ harvest.Store = (*Store)(nil)

// Open creates or opens the database at cfg.Path, applies migrations and returns
// any item a crashed process left in flight to the pending state.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = storage.DefaultMaxAttempts
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	switch {
	case cfg.Path == memoryPath:
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.Path, err)
	}
	if err := migrations.UpSQLite(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:          db,
		maxAttempts: cfg.MaxAttempts,
		clock:       clock.New(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	recovered, err := s.RecoverInFlight(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Warn("returned in-flight queue items to pending", zap.Int("count", recovered))
	}
	logger.Info("sqlite store ready", zap.String("path", cfg.Path))
	return s, nil
}

func dsn(cfg Config) string {
	params := fmt.Sprintf("_foreign_keys=on&_busy_timeout=%d&_txlock=immediate", cfg.BusyTimeout.Milliseconds())
	if cfg.Path == memoryPath {
		return "file::memory:?" + params
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		_ = os.MkdirAll(dir, 0o750)
	}
	return fmt.Sprintf("file:%s?%s&_journal_mode=WAL", cfg.Path, params)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// write runs fn inside an immediate transaction while holding the write lock.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WriteError(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, harvest.ErrIntegrity) || errors.Is(err, harvest.ErrParse) {
			return err
		}
		return storage.WriteError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storage.WriteError(op, err)
	}
	return nil
}

// table picks the card or commander table. Both carry id, deck_id, name and oracle_id.
func table(commanders bool) string {
	if commanders {
		return "deck_commanders"
	}
	return "deck_cards"
}
