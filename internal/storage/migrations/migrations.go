// Package migrations embeds the schema for both storage backends and applies it
// with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the postgres migrator
	"go.uber.org/zap"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// UpSQLite applies pending migrations to db. The connection stays open.
func UpSQLite(db *sql.DB, logger *zap.Logger) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	src, err := iofs.New(sqliteFS, "sqlite")
	if err != nil {
		return fmt.Errorf("open sqlite migrations: %w", err)
	}
	// Closing the migrator would close db as well; only the source is released.
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("close migration source", zap.Error(err))
		}
	}()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	return up(m, logger)
}

// UpPostgres applies pending migrations to the database at dsn over a dedicated
// connection.
func UpPostgres(dsn string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres for migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	src, err := iofs.New(postgresFS, "postgres")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("open postgres migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("close migration database", zap.Error(dbErr))
		}
	}()
	return up(m, logger)
}

func up(m *migrate.Migrate, logger *zap.Logger) error {
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Debug("schema up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr != nil {
		return fmt.Errorf("read schema version: %w", verr)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	logger.Info("applied migrations", zap.Uint("version", version))
	return nil
}
