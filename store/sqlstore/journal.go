package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/expense-fund/fund"
)

// =============================================================================
// JOURNAL (fund.Journal)
// =============================================================================
//
// Append-only: the only UPDATE ever issued against ledger_entries flips
// reversed from false to true.

// Journal implements fund.Journal.
type Journal struct {
	s *Store
}

const entryColumns = `id, student_id, academic_year, category, kind, amount, description,
	entry_date, recorded_by, batch_id, reversed, reversed_at, created_at`

func (j *Journal) Append(ctx context.Context, entry fund.LedgerEntry) (fund.EntryID, error) {
	if err := j.insert(ctx, j.s.db, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendBatch inserts all entries in one transaction.
func (j *Journal) AppendBatch(ctx context.Context, entries []fund.LedgerEntry, batchID fund.BatchID) ([]fund.EntryID, error) {
	ids := make([]fund.EntryID, len(entries))
	err := j.s.withTx(ctx, func(tx *sql.Tx) error {
		for i, e := range entries {
			e.BatchID = batchID
			if err := j.insert(ctx, tx, e); err != nil {
				return err
			}
			ids[i] = e.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (j *Journal) insert(ctx context.Context, db execer, e fund.LedgerEntry) error {
	_, err := db.ExecContext(ctx, j.s.q(`INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.StudentID, e.AcademicYear, e.Category, e.Kind, e.Amount.Value, e.Description,
		e.Date.UTC(), e.RecordedBy, nullString(string(e.BatchID)), false, nil, e.CreatedAt.UTC(),
	)
	if err != nil {
		if j.s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", fund.ErrDuplicateEntry, e.ID)
		}
		return fmt.Errorf("failed to append entry %s: %w", e.ID, err)
	}
	return nil
}

func (j *Journal) MarkReversed(ctx context.Context, id fund.EntryID) (fund.LedgerEntry, error) {
	var out fund.LedgerEntry
	err := j.s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := j.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Reversed {
			return fmt.Errorf("%w: %s", fund.ErrAlreadyReversed, id)
		}
		at := j.s.now()
		res, err := tx.ExecContext(ctx, j.s.q(`UPDATE ledger_entries
			SET reversed = ?, reversed_at = ? WHERE id = ? AND reversed = ?`),
			true, at, id, false)
		if err != nil {
			return fmt.Errorf("failed to reverse entry %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", fund.ErrAlreadyReversed, id)
		}
		e.Reversed = true
		e.ReversedAt = &at
		out = e
		return nil
	})
	if err != nil {
		return fund.LedgerEntry{}, err
	}
	return out, nil
}

func (j *Journal) MarkBatchReversed(ctx context.Context, batchID fund.BatchID) ([]fund.LedgerEntry, error) {
	var flipped []fund.LedgerEntry
	err := j.s.withTx(ctx, func(tx *sql.Tx) error {
		entries, err := j.query(ctx, tx, `SELECT `+entryColumns+` FROM ledger_entries
			WHERE batch_id = ? ORDER BY student_id`, batchID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: batch %s", fund.ErrNotFound, batchID)
		}

		at := j.s.now()
		if _, err := tx.ExecContext(ctx, j.s.q(`UPDATE ledger_entries
			SET reversed = ?, reversed_at = ? WHERE batch_id = ? AND reversed = ?`),
			true, at, batchID, false); err != nil {
			return fmt.Errorf("failed to reverse batch %s: %w", batchID, err)
		}
		for _, e := range entries {
			if e.Reversed {
				continue
			}
			e.Reversed = true
			e.ReversedAt = &at
			flipped = append(flipped, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flipped, nil
}

func (j *Journal) Get(ctx context.Context, id fund.EntryID) (fund.LedgerEntry, error) {
	return j.get(ctx, j.s.db, id)
}

func (j *Journal) get(ctx context.Context, db querier, id fund.EntryID) (fund.LedgerEntry, error) {
	row := db.QueryRowContext(ctx, j.s.q(`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fund.LedgerEntry{}, fmt.Errorf("%w: entry %s", fund.ErrNotFound, id)
	}
	if err != nil {
		return fund.LedgerEntry{}, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	return e, nil
}

func (j *Journal) History(ctx context.Context, key fund.FundKey) ([]fund.LedgerEntry, error) {
	return j.query(ctx, j.s.db, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE student_id = ? AND academic_year = ?
		ORDER BY entry_date DESC, id DESC`, key.StudentID, key.AcademicYear)
}

func (j *Journal) Batch(ctx context.Context, batchID fund.BatchID) ([]fund.LedgerEntry, error) {
	entries, err := j.query(ctx, j.s.db, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE batch_id = ? ORDER BY student_id`, batchID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: batch %s", fund.ErrNotFound, batchID)
	}
	return entries, nil
}

func (j *Journal) query(ctx context.Context, db querier, query string, args ...any) ([]fund.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, j.s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []fund.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row scanner) (fund.LedgerEntry, error) {
	var e fund.LedgerEntry
	var id, studentID, year, category, kind string
	var amount decimal.Decimal
	var batchID sql.NullString
	var reversedAt sql.NullTime
	err := row.Scan(&id, &studentID, &year, &category, &kind, &amount, &e.Description,
		&e.Date, &e.RecordedBy, &batchID, &e.Reversed, &reversedAt, &e.CreatedAt)
	if err != nil {
		return fund.LedgerEntry{}, err
	}
	e.ID = fund.EntryID(id)
	e.StudentID = fund.StudentID(studentID)
	e.AcademicYear = fund.AcademicYear(year)
	e.Category = fund.Category(category)
	e.Kind = fund.EntryKind(kind)
	e.Amount = fund.MoneyFromDecimal(amount)
	e.BatchID = fund.BatchID(batchID.String)
	e.Date = e.Date.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	if reversedAt.Valid {
		t := reversedAt.Time.UTC()
		e.ReversedAt = &t
	}
	return e, nil
}
