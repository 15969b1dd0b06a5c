package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/expense-fund/fund"
)

// Funds implements fund.FundStore.
type Funds struct {
	s *Store
}

const fundColumns = `student_id, academic_year, initial_amount, total_expenses,
	remaining_balance, is_negative, version, created_at, updated_at`

func (f *Funds) Get(ctx context.Context, key fund.FundKey) (fund.ExpenseFund, error) {
	return f.get(ctx, f.s.db, key)
}

func (f *Funds) get(ctx context.Context, db querier, key fund.FundKey) (fund.ExpenseFund, error) {
	row := db.QueryRowContext(ctx, f.s.q(`SELECT `+fundColumns+` FROM funds
		WHERE student_id = ? AND academic_year = ?`), key.StudentID, key.AcademicYear)
	out, err := scanFund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fund.ExpenseFund{}, fmt.Errorf("%w: fund %s", fund.ErrNotFound, key)
	}
	if err != nil {
		return fund.ExpenseFund{}, fmt.Errorf("failed to load fund %s: %w", key, err)
	}
	return out, nil
}

// GetOrInit never holds a transaction while the policy runs; the policy may
// query admissions over the same connection pool.
func (f *Funds) GetOrInit(ctx context.Context, key fund.FundKey, policy fund.InitPolicy) (fund.ExpenseFund, bool, error) {
	existing, err := f.Get(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, fund.ErrNotFound) {
		return fund.ExpenseFund{}, false, err
	}

	initial, err := policy.InitialAmount(ctx, key.StudentID, key.AcademicYear)
	if err != nil {
		return fund.ExpenseFund{}, false, fmt.Errorf("init policy for %s: %w", key, err)
	}
	created := fund.NewExpenseFund(key, initial, f.s.now())

	res, err := f.s.db.ExecContext(ctx, f.s.q(`INSERT INTO funds (`+fundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, academic_year) DO NOTHING`),
		created.StudentID, created.AcademicYear,
		created.InitialAmount.Value, created.TotalExpenses.Value, created.RemainingBalance.Value,
		created.IsNegative, created.Version, created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		return fund.ExpenseFund{}, false, fmt.Errorf("failed to create fund %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fund.ExpenseFund{}, false, err
	}

	// Lost the race: someone else created it between our read and insert.
	stored, err := f.Get(ctx, key)
	if err != nil {
		return fund.ExpenseFund{}, false, err
	}
	if n == 1 {
		f.s.logger.Debug().Str("fund", key.String()).Msg("fund created")
	}
	return stored, n == 1, nil
}

func (f *Funds) ApplyDelta(ctx context.Context, key fund.FundKey, delta fund.Money, expectedVersion int64, ref fund.DeltaRef) (fund.ExpenseFund, error) {
	var out fund.ExpenseFund
	err := f.s.withTx(ctx, func(tx *sql.Tx) error {
		applied, err := f.isApplied(ctx, tx, ref)
		if err != nil {
			return err
		}
		cur, err := f.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if applied {
			out = cur
			return nil
		}
		if ref.Op == fund.OpDebit {
			if err := f.checkNotReversed(ctx, tx, ref.EntryID); err != nil {
				return err
			}
		}
		if cur.Version != expectedVersion {
			return fund.ErrConcurrentModification
		}

		now := f.s.now()
		next := cur.WithDelta(delta, now)
		res, err := tx.ExecContext(ctx, f.s.q(`UPDATE funds
			SET total_expenses = ?, remaining_balance = ?, is_negative = ?, version = ?, updated_at = ?
			WHERE student_id = ? AND academic_year = ? AND version = ?`),
			next.TotalExpenses.Value, next.RemainingBalance.Value, next.IsNegative, next.Version, next.UpdatedAt,
			key.StudentID, key.AcademicYear, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update fund %s: %w", key, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fund.ErrConcurrentModification
		}

		_, err = tx.ExecContext(ctx, f.s.q(`INSERT INTO applied_deltas
			(entry_id, op, student_id, academic_year, amount, fund_version, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			ref.EntryID, ref.Op, key.StudentID, key.AcademicYear, delta.Value, next.Version, now,
		)
		if err != nil {
			if f.s.dialect.IsUniqueViolation(err) {
				// Same ref applied concurrently; the retry sees it and no-ops.
				return fund.ErrConcurrentModification
			}
			return fmt.Errorf("failed to record delta %s: %w", ref, err)
		}
		out = next
		return nil
	})
	if err != nil {
		return fund.ExpenseFund{}, err
	}
	return out, nil
}

// checkNotReversed refuses a debit for an entry that was voided or
// reversed. An entry missing from the journal is not checked.
func (f *Funds) checkNotReversed(ctx context.Context, tx *sql.Tx, id fund.EntryID) error {
	var reversed bool
	err := tx.QueryRowContext(ctx, f.s.q(`SELECT reversed FROM ledger_entries
		WHERE id = ?`+f.s.dialect.RowLock), id).Scan(&reversed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check entry %s: %w", id, err)
	}
	if reversed {
		return fmt.Errorf("%w: debit for %s", fund.ErrAlreadyReversed, id)
	}
	return nil
}

func (f *Funds) IsApplied(ctx context.Context, ref fund.DeltaRef) (bool, error) {
	return f.isApplied(ctx, f.s.db, ref)
}

func (f *Funds) isApplied(ctx context.Context, db querier, ref fund.DeltaRef) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, f.s.q(`SELECT COUNT(*) FROM applied_deltas
		WHERE entry_id = ? AND op = ?`), ref.EntryID, ref.Op).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check delta %s: %w", ref, err)
	}
	return count > 0, nil
}

func (f *Funds) ListByYear(ctx context.Context, year fund.AcademicYear) ([]fund.ExpenseFund, error) {
	return f.list(ctx, `SELECT `+fundColumns+` FROM funds
		WHERE academic_year = ? ORDER BY student_id`, year)
}

func (f *Funds) ListNegative(ctx context.Context, year fund.AcademicYear) ([]fund.ExpenseFund, error) {
	return f.list(ctx, `SELECT `+fundColumns+` FROM funds
		WHERE academic_year = ? AND is_negative = ? ORDER BY student_id`, year, true)
}

func (f *Funds) list(ctx context.Context, query string, args ...any) ([]fund.ExpenseFund, error) {
	rows, err := f.s.db.QueryContext(ctx, f.s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query funds: %w", err)
	}
	defer rows.Close()

	var out []fund.ExpenseFund
	for rows.Next() {
		fd, err := scanFund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund: %w", err)
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

func scanFund(row scanner) (fund.ExpenseFund, error) {
	var f fund.ExpenseFund
	var studentID, year string
	var initial, spent, remaining decimal.Decimal
	err := row.Scan(&studentID, &year, &initial, &spent, &remaining,
		&f.IsNegative, &f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fund.ExpenseFund{}, err
	}
	f.StudentID = fund.StudentID(studentID)
	f.AcademicYear = fund.AcademicYear(year)
	f.InitialAmount = fund.MoneyFromDecimal(initial)
	f.TotalExpenses = fund.MoneyFromDecimal(spent)
	f.RemainingBalance = fund.MoneyFromDecimal(remaining)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return f, nil
}
