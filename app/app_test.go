package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/expense-fund/config"
	"github.com/warp/expense-fund/fund"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Port:               "8080",
		StoreBackend:       backend,
		NewAdmissionAmount: "9000",
		PromotedAmount:     "7000",
		MaxAttempts:        3,
		RetryBase:          fund.DefaultRetryBase,
		FanoutConcurrency:  4,
		DeficitCacheTTL:    fund.DefaultDeficitCacheTTL,
	}
}

func TestWiring_Backends(t *testing.T) {
	// GIVEN: The memory and sqlite backends
	// WHEN: A ledger is wired over each
	// THEN: The tiered policy applies and writes persist through the stores

	sqliteCfg := testConfig(config.BackendSQLite)
	sqliteCfg.SQLiteDBPath = filepath.Join(t.TempDir(), "fund.db")

	for _, cfg := range []*config.Config{testConfig(config.BackendMemory), sqliteCfg} {
		t.Run(cfg.StoreBackend, func(t *testing.T) {
			ctx := context.Background()
			stores, err := OpenStores(ctx, cfg, zerolog.Nop())
			require.NoError(t, err)
			defer stores.Close()

			require.NoError(t, stores.Admissions.SaveAdmission(ctx, "s1", "2024-2025"))
			ledger, err := NewLedger(cfg, stores, zerolog.Nop())
			require.NoError(t, err)

			res, err := ledger.RecordIndividualExpense(ctx, fund.IndividualExpense{
				StudentID: "s1", AcademicYear: "2025-2026", Category: fund.CategoryStationary, Amount: fund.MustParseMoney("100"),
			})
			require.NoError(t, err)
			assert.Equal(t, "6900.00", res.Fund.RemainingBalance.String())
		})
	}
}

func TestWiring_UnknownBackend(t *testing.T) {
	_, err := OpenStores(context.Background(), testConfig("mongo"), zerolog.Nop())
	assert.Error(t, err)
}

func TestWiring_BadPolicy(t *testing.T) {
	cfg := testConfig(config.BackendMemory)
	cfg.PolicyJSON = `{"type":"sliding"}`
	stores, err := OpenStores(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	_, err = NewLedger(cfg, stores, zerolog.Nop())
	assert.Error(t, err)
}
