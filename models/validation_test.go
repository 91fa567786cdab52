package models_test

import (
	"testing"

	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckEntryLines(t *testing.T) {
	active, inactive := true, false
	accounts := map[int]*models.Account{
		1: {ID: 1, Code: "1000", MainType: models.AccountMainTypeAsset, IsActive: &active},
		2: {ID: 2, Code: "4000", MainType: models.AccountMainTypeRevenue, IsActive: &active},
		3: {ID: 3, Code: "9999", MainType: models.AccountMainTypeExpense, IsActive: &inactive},
	}
	tolerance := dec("0.01")
	line := func(account int, d, c string) models.EntryLine {
		return models.EntryLine{AccountId: account, Debit: dec(d), Credit: dec(c)}
	}

	tests := []struct {
		name  string
		lines []models.EntryLine
		rules []string
	}{
		{"balanced", []models.EntryLine{line(1, "100", "0"), line(2, "0", "100")}, nil},
		{"within tolerance", []models.EntryLine{line(1, "100.005", "0"), line(2, "0", "100")}, nil},
		{"no lines", nil, []string{models.RuleEmptyLines}},
		{"unknown account", []models.EntryLine{line(1, "5", "0"), line(42, "0", "5")}, []string{models.RuleUnknownAccount}},
		{"inactive account", []models.EntryLine{line(3, "5", "0"), line(2, "0", "5")}, []string{models.RuleInactiveAccount}},
		{"negative amount", []models.EntryLine{line(1, "-5", "0"), line(2, "0", "-5")}, []string{models.RuleNegativeAmount, models.RuleNegativeAmount}},
		{"both sides", []models.EntryLine{line(1, "5", "5"), line(2, "0", "0")}, []string{models.RuleNonExclusiveAmount, models.RuleNonExclusiveAmount}},
		{"unbalanced", []models.EntryLine{line(1, "100", "0"), line(2, "0", "99.98")}, []string{models.RuleUnbalanced}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := models.CheckEntryLines(tc.lines, accounts, tolerance)
			var got []string
			for _, v := range result.Violations {
				got = append(got, v.Rule)
			}
			assert.Equal(t, tc.rules, got)
			assert.Equal(t, len(tc.rules) == 0, result.Valid)
			if result.Valid {
				assert.NoError(t, result.Err())
			} else {
				assert.True(t, utils.IsValidationError(result.Err()))
			}
		})
	}
}

func TestCheckEntryLinesReportsEveryLine(t *testing.T) {
	active := true
	accounts := map[int]*models.Account{1: {ID: 1, IsActive: &active}}
	result := models.CheckEntryLines([]models.EntryLine{
		{AccountId: 7, Debit: dec("10")},
		{AccountId: 1, Debit: decimal.Zero, Credit: decimal.Zero},
		{AccountId: 1, Credit: dec("10")},
	}, accounts, dec("0.01"))
	require.False(t, result.Valid)
	require.Len(t, result.Violations, 2)
	assert.Equal(t, 1, result.Violations[0].Line)
	assert.Equal(t, 2, result.Violations[1].Line)
	requireDecimal(t, "10", result.TotalDebit)
	requireDecimal(t, "10", result.TotalCredit)
}

func TestValidateEntryOnlyReads(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)

	result, err := models.ValidateEntry(ctx, &models.NewEntry{
		Kind:      models.EntryKindPayment,
		EntryDate: day(2026, 1, 1),
		Lines:     []models.NewEntryLine{debit(c.Rent.ID, "10"), credit(c.Cash.ID, "10")},
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)

	result, err = models.ValidateEntry(ctx, &models.NewEntry{
		Kind:      models.EntryKindPayment,
		EntryDate: day(2026, 1, 1),
		Lines:     []models.NewEntryLine{debit(c.Rent.ID, "10"), credit(c.Cash.ID, "20")},
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	assert.Zero(t, countRows(t, &models.Entry{}, "business_id = ?", businessId))
	assert.Zero(t, countRows(t, &models.SequenceCounter{}, "business_id = ?", businessId))
}

func TestSignedDelta(t *testing.T) {
	d, c := dec("30"), dec("10")
	requireDecimal(t, "20", models.SignedDelta(models.AccountMainTypeAsset, d, c))
	requireDecimal(t, "20", models.SignedDelta(models.AccountMainTypeExpense, d, c))
	requireDecimal(t, "-20", models.SignedDelta(models.AccountMainTypeLiability, d, c))
	requireDecimal(t, "-20", models.SignedDelta(models.AccountMainTypeEquity, d, c))
	requireDecimal(t, "-20", models.SignedDelta(models.AccountMainTypeRevenue, d, c))
}
