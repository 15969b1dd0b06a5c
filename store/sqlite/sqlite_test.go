package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/expense-fund/fund"
	"github.com/warp/expense-fund/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const year = fund.AcademicYear("2025-2026")

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func flat(amount string) fund.InitPolicy {
	return fund.InitPolicyFunc(func(context.Context, fund.StudentID, fund.AcademicYear) (fund.Money, error) {
		return fund.MustParseMoney(amount), nil
	})
}

func entry(student string, amount string, day int) fund.LedgerEntry {
	return fund.LedgerEntry{
		ID:           fund.NewEntryID(),
		StudentID:    fund.StudentID(student),
		AcademicYear: year,
		Category:     fund.CategoryStationary,
		Kind:         fund.KindIndividual,
		Amount:       fund.MustParseMoney(amount),
		Description:  "notebooks",
		Date:         time.Date(2025, time.September, day, 10, 0, 0, 0, time.UTC),
		RecordedBy:   "clerk",
		CreatedAt:    time.Now().UTC(),
	}
}

func openFund(t *testing.T, store *sqlite.Store, student, amount string) fund.ExpenseFund {
	t.Helper()
	f, _, err := store.Funds().GetOrInit(context.Background(),
		fund.FundKey{StudentID: fund.StudentID(student), AcademicYear: year}, flat(amount))
	require.NoError(t, err)
	return f
}

// =============================================================================
// FUND STORE
// =============================================================================

func TestFunds_GetOrInit_CreatesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := fund.FundKey{StudentID: "s1", AcademicYear: year}

	f, created, err := store.Funds().GetOrInit(ctx, key, flat("9000"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "9000.00", f.RemainingBalance.String())
	assert.Equal(t, int64(1), f.Version)

	again, created, err := store.Funds().GetOrInit(ctx, key, flat("7000"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "9000.00", again.InitialAmount.String(), "existing fund keeps its amount")
}

func TestFunds_Get_Missing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Funds().Get(context.Background(), fund.FundKey{StudentID: "nobody", AcademicYear: year})
	assert.ErrorIs(t, err, fund.ErrNotFound)
}

func TestFunds_ApplyDelta_CompareAndSwap(t *testing.T) {
	// GIVEN: A fund at version 1
	// WHEN: Two writers both read version 1 and apply a delta
	// THEN: The first wins, the second gets ErrConcurrentModification

	store := newTestStore(t)
	ctx := context.Background()
	f := openFund(t, store, "s1", "300")
	key := f.Key()

	updated, err := store.Funds().ApplyDelta(ctx, key, fund.MustParseMoney("800"), f.Version,
		fund.DeltaRef{EntryID: "entry_a", Op: fund.OpDebit})
	require.NoError(t, err)
	assert.Equal(t, "-500.00", updated.RemainingBalance.String())
	assert.True(t, updated.IsNegative)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.Funds().ApplyDelta(ctx, key, fund.MustParseMoney("10"), f.Version,
		fund.DeltaRef{EntryID: "entry_b", Op: fund.OpDebit})
	assert.ErrorIs(t, err, fund.ErrConcurrentModification)

	stored, err := store.Funds().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "-500.00", stored.RemainingBalance.String())
	assert.Equal(t, "800.00", stored.TotalExpenses.String())
}

func TestFunds_ApplyDelta_SameRefIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	f := openFund(t, store, "s1", "100")
	ref := fund.DeltaRef{EntryID: "entry_a", Op: fund.OpDebit}

	first, err := store.Funds().ApplyDelta(ctx, f.Key(), fund.MustParseMoney("25"), f.Version, ref)
	require.NoError(t, err)

	second, err := store.Funds().ApplyDelta(ctx, f.Key(), fund.MustParseMoney("25"), first.Version, ref)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "75.00", second.RemainingBalance.String())

	applied, err := store.Funds().IsApplied(ctx, ref)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Funds().IsApplied(ctx, fund.DeltaRef{EntryID: "entry_a", Op: fund.OpCredit})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestFunds_ApplyDelta_DebitForReversedEntryRefused(t *testing.T) {
	// GIVEN: A journaled entry that was voided before its debit landed
	// WHEN: Its debit is applied afterwards
	// THEN: The store refuses it and the fund is unchanged

	store := newTestStore(t)
	ctx := context.Background()
	f := openFund(t, store, "s1", "300")
	e := entry("s1", "800", 1)
	_, err := store.Journal().Append(ctx, e)
	require.NoError(t, err)
	_, err = store.Journal().MarkReversed(ctx, e.ID)
	require.NoError(t, err)

	_, err = store.Funds().ApplyDelta(ctx, f.Key(), e.Amount, f.Version, fund.DeltaRef{EntryID: e.ID, Op: fund.OpDebit})
	assert.ErrorIs(t, err, fund.ErrAlreadyReversed)

	got, err := store.Funds().Get(ctx, f.Key())
	require.NoError(t, err)
	assert.Equal(t, "300.00", got.RemainingBalance.String())
	assert.Equal(t, f.Version, got.Version)

	applied, err := store.Funds().IsApplied(ctx, fund.DeltaRef{EntryID: e.ID, Op: fund.OpDebit})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestFunds_ListNegative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, s := range []string{"s3", "s1", "s2"} {
		f := openFund(t, store, s, "100")
		if s != "s2" {
			_, err := store.Funds().ApplyDelta(ctx, f.Key(), fund.MustParseMoney("150"), f.Version,
				fund.DeltaRef{EntryID: fund.EntryID("entry_" + s), Op: fund.OpDebit})
			require.NoError(t, err)
		}
	}

	negative, err := store.Funds().ListNegative(ctx, year)
	require.NoError(t, err)
	require.Len(t, negative, 2)
	assert.Equal(t, fund.StudentID("s1"), negative[0].StudentID)
	assert.Equal(t, fund.StudentID("s3"), negative[1].StudentID)

	all, err := store.Funds().ListByYear(ctx, year)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// JOURNAL
// =============================================================================

func TestJournal_Append_DuplicateIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	openFund(t, store, "s1", "100")

	e := entry("s1", "10", 1)
	_, err := store.Journal().Append(ctx, e)
	require.NoError(t, err)

	_, err = store.Journal().Append(ctx, e)
	assert.ErrorIs(t, err, fund.ErrDuplicateEntry)
}

func TestJournal_AppendBatch_AllOrNothing(t *testing.T) {
	// GIVEN: A batch whose last entry collides with an existing id
	// WHEN: AppendBatch runs
	// THEN: No entry from the batch is visible

	store := newTestStore(t)
	ctx := context.Background()
	openFund(t, store, "s1", "100")
	openFund(t, store, "s2", "100")

	existing := entry("s1", "5", 1)
	_, err := store.Journal().Append(ctx, existing)
	require.NoError(t, err)

	batchID := fund.NewBatchID()
	dup := existing
	dup.Kind = fund.KindCommon
	_, err = store.Journal().AppendBatch(ctx, []fund.LedgerEntry{entry("s2", "5", 2), dup}, batchID)
	assert.ErrorIs(t, err, fund.ErrDuplicateEntry)

	_, err = store.Journal().Batch(ctx, batchID)
	assert.ErrorIs(t, err, fund.ErrNotFound)
	history, err := store.Journal().History(ctx, fund.FundKey{StudentID: "s2", AcademicYear: year})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestJournal_MarkReversed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	openFund(t, store, "s1", "100")

	e := entry("s1", "10", 1)
	_, err := store.Journal().Append(ctx, e)
	require.NoError(t, err)

	marked, err := store.Journal().MarkReversed(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, marked.Reversed)
	require.NotNil(t, marked.ReversedAt)

	_, err = store.Journal().MarkReversed(ctx, e.ID)
	assert.ErrorIs(t, err, fund.ErrAlreadyReversed)

	_, err = store.Journal().MarkReversed(ctx, fund.NewEntryID())
	assert.ErrorIs(t, err, fund.ErrNotFound)

	got, err := store.Journal().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Reversed)
	assert.Equal(t, "10.00", got.Amount.String())
	assert.Equal(t, "notebooks", got.Description)
}

func TestJournal_MarkBatchReversed_FlipsOnlyRemaining(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	openFund(t, store, "s1", "100")
	openFund(t, store, "s2", "100")

	batchID := fund.NewBatchID()
	entries := []fund.LedgerEntry{entry("s2", "5", 1), entry("s1", "5", 1)}
	_, err := store.Journal().AppendBatch(ctx, entries, batchID)
	require.NoError(t, err)

	_, err = store.Journal().MarkReversed(ctx, entries[0].ID)
	require.NoError(t, err)

	flipped, err := store.Journal().MarkBatchReversed(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, fund.StudentID("s1"), flipped[0].StudentID)

	flipped, err = store.Journal().MarkBatchReversed(ctx, batchID)
	require.NoError(t, err)
	assert.Empty(t, flipped)

	batch, err := store.Journal().Batch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, fund.StudentID("s1"), batch[0].StudentID, "batch is ordered by student")
	assert.Equal(t, batchID, batch[0].BatchID)
}

func TestJournal_History_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	openFund(t, store, "s1", "100")

	for _, day := range []int{3, 1, 2} {
		_, err := store.Journal().Append(ctx, entry("s1", "1", day))
		require.NoError(t, err)
	}

	history, err := store.Journal().History(ctx, fund.FundKey{StudentID: "s1", AcademicYear: year})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Date.Day())
	assert.Equal(t, 2, history[1].Date.Day())
	assert.Equal(t, 1, history[2].Date.Day())
}

// =============================================================================
// ADMISSIONS
// =============================================================================

func TestAdmissions_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Admissions().AdmissionYear(ctx, "s1")
	assert.ErrorIs(t, err, fund.ErrNotFound)

	require.NoError(t, store.Admissions().SaveAdmission(ctx, "s1", "2024-2025"))
	require.NoError(t, store.Admissions().SaveAdmission(ctx, "s1", "2025-2026"))

	y, err := store.Admissions().AdmissionYear(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, fund.AcademicYear("2025-2026"), y)
}

// =============================================================================
// LEDGER ON SQLITE
// =============================================================================

func TestLedger_OnSQLite_EndToEnd(t *testing.T) {
	// GIVEN: The ledger running on SQLite
	// WHEN: Individual, common, and reversal operations run
	// THEN: Balances and the journal agree

	store := newTestStore(t)
	ctx := context.Background()
	ledger := fund.NewLedger(store.Funds(), store.Journal(), flat("9000"),
		fund.WithRetryBackoff(time.Millisecond, 5*time.Millisecond))

	res, err := ledger.RecordIndividualExpense(ctx, fund.IndividualExpense{
		StudentID:    "s1",
		AcademicYear: year,
		Category:     fund.CategoryStationary,
		Amount:       fund.MustParseMoney("1200"),
	})
	require.NoError(t, err)
	assert.Equal(t, "7800.00", res.Fund.RemainingBalance.String())

	batch, err := ledger.RecordCommonExpense(ctx, fund.CommonExpense{
		AcademicYear: year,
		Category:     fund.CategoryMedical,
		TotalAmount:  fund.MustParseMoney("3000"),
		Students:     []fund.StudentID{"s1", "s2", "s3", "s4", "s5", "s6"},
	})
	require.NoError(t, err)
	assert.Equal(t, "7300.00", batch.Funds["s1"].RemainingBalance.String())

	_, err = ledger.ReverseBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	f, err := ledger.ReverseEntry(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "9000.00", f.RemainingBalance.String())

	report, err := ledger.Reconcile(ctx, year)
	require.NoError(t, err)
	assert.Equal(t, 6, report.FundsScanned)
	assert.Zero(t, report.Repaired())
	assert.Empty(t, report.Mismatches)
}
