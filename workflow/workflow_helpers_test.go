package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupWorkflowDB(t *testing.T) context.Context {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "workflow.db")), config.NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	config.SetDB(conn)
	config.SetRedisClient(nil)
	config.SetLedgerSettings(config.DefaultLedgerSettings())
	t.Cleanup(func() {
		config.SetDB(nil)
		_ = sqlDB.Close()
	})
	require.NoError(t, models.MigrateTable())

	ctx := utils.SetBusinessIdInContext(context.Background(), uuid.NewString())
	return utils.SetUsernameInContext(ctx, "worker@local")
}

// postSale seeds the default chart if needed and posts one cash sale.
func postSale(t *testing.T, ctx context.Context, amount string) *models.Entry {
	t.Helper()
	_, err := models.SeedDefaultChartOfAccounts(ctx)
	require.NoError(t, err)
	cash, err := models.GetAccountByCode(ctx, "1000")
	require.NoError(t, err)
	sales, err := models.GetAccountByCode(ctx, "4000")
	require.NoError(t, err)
	entry, err := models.PostNewEntry(ctx, &models.NewEntry{
		Kind:        models.EntryKindReceipt,
		EntryDate:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Description: "Cash sale",
		Lines: []models.NewEntryLine{
			{AccountId: cash.ID, Debit: decimal.RequireFromString(amount)},
			{AccountId: sales.ID, Credit: decimal.RequireFromString(amount)},
		},
	})
	require.NoError(t, err)
	return entry
}
