package models_test

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

// setupLedgerDB points the global handle at a fresh sqlite file and returns a
// context for a new business.
func setupLedgerDB(t *testing.T) context.Context {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), config.NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// One connection: sqlite serializes writers and the tests stay deterministic.
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
	ctx = utils.SetUsernameInContext(ctx, "tester@local")
	return ctx
}

type chart struct {
	Cash      *models.Account
	Bank      *models.Account
	AR        *models.Account
	Equipment *models.Account
	AP        *models.Account
	Loan      *models.Account
	Capital   *models.Account
	Retained  *models.Account
	Sales     *models.Account
	Service   *models.Account
	Rent      *models.Account
	Salaries  *models.Account
	BankFees  *models.Account
}

func seedChart(t *testing.T, ctx context.Context) chart {
	t.Helper()
	accounts, err := models.SeedDefaultChartOfAccounts(ctx)
	require.NoError(t, err)
	byCode := make(map[string]*models.Account, len(accounts))
	for _, a := range accounts {
		byCode[a.Code] = a
	}
	get := func(code string) *models.Account {
		a, ok := byCode[code]
		require.True(t, ok, "account %s not seeded", code)
		return a
	}
	return chart{
		Cash:      get("1000"),
		Bank:      get("1010"),
		AR:        get("1100"),
		Equipment: get("1500"),
		AP:        get("2000"),
		Loan:      get("2500"),
		Capital:   get("3000"),
		Retained:  get("3200"),
		Sales:     get("4000"),
		Service:   get("4100"),
		Rent:      get("6100"),
		Salaries:  get("6000"),
		BankFees:  get("6300"),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func debit(accountId int, amount string) models.NewEntryLine {
	return models.NewEntryLine{AccountId: accountId, Debit: dec(amount)}
}

func credit(accountId int, amount string) models.NewEntryLine {
	return models.NewEntryLine{AccountId: accountId, Credit: dec(amount)}
}

// post creates and posts a PAYMENT entry in one step.
func post(t *testing.T, ctx context.Context, date time.Time, description string, lines ...models.NewEntryLine) *models.Entry {
	t.Helper()
	entry, err := models.PostNewEntry(ctx, &models.NewEntry{
		Kind:        models.EntryKindPayment,
		EntryDate:   date,
		Description: description,
		Lines:       lines,
	})
	require.NoError(t, err)
	return entry
}

func reloadAccount(t *testing.T, ctx context.Context, id int) *models.Account {
	t.Helper()
	a, err := models.GetAccount(ctx, id)
	require.NoError(t, err)
	return a
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func countRows(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, config.GetDB().Model(model).Where(query, args...).Count(&n).Error)
	return n
}
