/*
Package sqlite provides the SQLite backend for the fund stores.

PURPOSE:
  Opens a go-sqlite3 database, applies the embedded migrations with
  golang-migrate, and wraps the connection in the shared sqlstore
  implementation. Used for single-node deployments, development and tests.

CONNECTION:
  SQLite is opened with WAL (Write-Ahead Logging) and a busy timeout, and
  the pool is limited to one connection:
  - ":memory:" databases are per connection, so a second one would see
    an empty schema
  - single writer at a time anyway; a busy error is retried by the ledger

USAGE:
  store, err := sqlite.New("./data/funds.db", logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := fund.NewLedger(store.Funds(), store.Journal(), policy)

MIGRATION:
  Versioned SQL files in migrations/, embedded into the binary and applied
  on New(). The migrate instance is not closed: its sqlite3 driver would
  close the shared *sql.DB with it.

SEE ALSO:
  - store/sqlstore: queries shared with PostgreSQL
  - store/postgres: the PostgreSQL backend
*/
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/warp/expense-fund/store/sqlstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed fund store.
type Store struct {
	*sqlstore.Store
}

// Dialect is the sqlstore dialect for go-sqlite3.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IsUniqueViolation: isUniqueViolation,
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("sqlite store ready")
	return &Store{Store: sqlstore.New(db, Dialect, logger)}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
