/*
Package sqlstore implements the fund stores on database/sql.

PURPOSE:
  One implementation of fund.FundStore, fund.Journal and
  fund.AdmissionRegistry shared by every SQL backend. The backends
  (store/sqlite, store/postgres) open the connection, run migrations and
  supply a Dialect; everything else lives here.

KEY TABLES:
  funds:           one row per (student_id, academic_year), version column for CAS
  ledger_entries:  append-only journal, indexed by fund and by batch
  applied_deltas:  (entry_id, op) of every balance change, written in the
                   same transaction as the fund update
  admissions:      admission year per student, read by init policies

CONCURRENCY:
  Fund writes are optimistic: UPDATE ... WHERE version = ?. Zero rows
  affected means another writer got there first and the caller retries.
  No row locks are held across calls. A debit locks its journal row for
  the length of its own transaction so it cannot interleave with a
  MarkReversed of the same entry.

  Queries inside a transaction must use the *sql.Tx, never the pool. The
  SQLite backend runs on a single connection and would deadlock.

SEE ALSO:
  - fund/store.go: the interfaces
  - fund/store/memory.go: the in-memory equivalent
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2, ...) instead of '?'.
	NumberedPlaceholders bool

	// IsUniqueViolation reports a primary key or unique index violation.
	IsUniqueViolation func(error) bool

	// RowLock is appended to the entry read that guards a debit, e.g.
	// " FOR UPDATE". Empty for backends that serialize writers anyway.
	RowLock string
}

// Store owns the connection and hands out the three stores.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect, logger zerolog.Logger) *Store {
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With().Str("store", dialect.Name).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Funds() *Funds { return &Funds{s: s} }

func (s *Store) Journal() *Journal { return &Journal{s: s} }

func (s *Store) Admissions() *Admissions { return &Admissions{s: s} }

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// q rewrites '?' placeholders for the dialect.
func (s *Store) q(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
