/*
Package postgres provides the PostgreSQL backend for the fund stores.

PURPOSE:
  Opens a lib/pq connection pool, applies the embedded migrations with
  golang-migrate, and wraps the pool in the shared sqlstore
  implementation. The schema adds CHECK constraints that restate the
  balance identity, so a buggy writer fails loudly instead of persisting
  an inconsistent fund.

CONCURRENCY:
  Default READ COMMITTED isolation is enough: the CAS UPDATE re-evaluates
  its version predicate after waiting on the row lock, so the loser of a
  race sees zero rows affected. A debit reads its journal row FOR UPDATE,
  so it either commits before a concurrent MarkReversed or sees the mark.

MIGRATION:
  Migrations run on their own connection, which is closed afterwards
  together with the migrate instance.
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/warp/expense-fund/store/sqlstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed fund store.
type Store struct {
	*sqlstore.Store
}

// Dialect is the sqlstore dialect for lib/pq.
var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	NumberedPlaceholders: true,
	IsUniqueViolation:    isUniqueViolation,
	RowLock:              " FOR UPDATE",
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns pool settings suited to a single API instance.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// New connects to dsn, migrates the schema, and returns the store.
func New(ctx context.Context, dsn string, opts Options, logger zerolog.Logger) (*Store, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info().Int("max_open_conns", opts.MaxOpenConns).Msg("postgres store ready")
	return &Store{Store: sqlstore.New(db, Dialect, logger)}, nil
}

func migrateUp(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("create postgres driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
