package models_test

import (
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptionSimilarity(t *testing.T) {
	assert.Greater(t, models.DescriptionSimilarity("Payment to ABC Corp", "Payment to ABC Corp."), 0.8)
	assert.InDelta(t, 1.0, models.DescriptionSimilarity("  RENT ", "rent"), 1e-9)
	assert.InDelta(t, 1.0, models.DescriptionSimilarity("", ""), 1e-9)
	assert.Less(t, models.DescriptionSimilarity("Payment to ABC Corp", "Office rent"), 0.5)
}

func TestFindDuplicateEntries(t *testing.T) {
	candidates := []models.DuplicateCandidate{
		{EntryId: 2, EntryNumber: "PAY26000002", EntryDate: day(2026, 1, 5), Amount: dec("100"), Description: "Payment to ABC Corp."},
		{EntryId: 1, EntryNumber: "PAY26000001", EntryDate: day(2026, 1, 5), Amount: dec("100"), Description: "Payment to ABC Corp"},
		{EntryId: 3, EntryNumber: "PAY26000003", EntryDate: day(2026, 1, 5), Amount: dec("100"), Description: "Office rent"},
		{EntryId: 4, EntryNumber: "PAY26000004", EntryDate: day(2026, 1, 6), Amount: dec("100"), Description: "Payment to ABC Corp"},
		{EntryId: 5, EntryNumber: "PAY26000005", EntryDate: day(2026, 1, 5), Amount: dec("100.01"), Description: "Payment to ABC Corp"},
	}
	issues := models.FindDuplicateEntries(candidates, 0.8)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].EntityId, "reported against the later entry")
	assert.Equal(t, models.SeverityLow, issues[0].Severity)
	assert.Equal(t, models.IntegrityCheckDuplicate, issues[0].CheckType)
	assert.Contains(t, issues[0].Details, "PAY26000001")
}

func TestBalanceSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityHigh, models.BalanceSeverity(dec("1000")))
	assert.Equal(t, models.SeverityHigh, models.BalanceSeverity(dec("-2500")))
	assert.Equal(t, models.SeverityMedium, models.BalanceSeverity(dec("-999.99")))
	assert.Equal(t, models.SeverityMedium, models.BalanceSeverity(dec("100")))
	assert.Equal(t, models.SeverityLow, models.BalanceSeverity(dec("99.99")))
}

func TestCheckAccountBalances(t *testing.T) {
	accounts := []*models.Account{
		{ID: 1, Code: "1000", OpeningBalance: dec("10"), Balance: dec("60"), IsActive: utils.NewTrue()},
		{ID: 2, Code: "1010", Balance: dec("40.005"), IsActive: utils.NewTrue()},
		{ID: 3, Code: "1020", Balance: dec("7"), IsActive: utils.NewFalse()},
		{ID: 4, Code: "2000", Balance: dec("150"), IsActive: utils.NewTrue()},
	}
	deltas := map[int]decimal.Decimal{1: dec("50"), 2: dec("40"), 4: dec("20")}
	issues := models.CheckAccountBalances(accounts, deltas, dec("0.01"))
	require.Len(t, issues, 1)
	assert.Equal(t, 4, issues[0].EntityId)
	assert.Equal(t, models.SeverityMedium, issues[0].Severity)
	requireDecimal(t, "20", issues[0].Expected)
	requireDecimal(t, "150", issues[0].Actual)
}

func TestCheckUnbalancedEntriesAndOrphans(t *testing.T) {
	issues := models.CheckUnbalancedEntries([]models.EntryTotals{
		{EntryId: 1, EntryNumber: "JV26000001", Debit: dec("10"), Credit: dec("10")},
		{EntryId: 2, EntryNumber: "JV26000002", Debit: dec("10"), Credit: dec("9")},
	}, dec("0.01"))
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].EntityId)
	assert.Equal(t, models.SeverityHigh, issues[0].Severity)

	orphans := models.FindOrphanReferences([]models.AccountRef{
		{EntityType: "LedgerRecord", EntityId: 7, AccountId: 1},
		{EntityType: "EntryLine", EntityId: 8, AccountId: 99},
	}, map[int]*models.Account{1: {ID: 1}})
	require.Len(t, orphans, 1)
	assert.Equal(t, "EntryLine", orphans[0].EntityType)
	assert.Equal(t, models.SeverityMedium, orphans[0].Severity)
}

func TestIntegrityReportErr(t *testing.T) {
	r := &models.IntegrityReport{CheckType: models.IntegrityCheckBalance, Issues: []models.IntegrityIssue{{Repaired: true}}}
	assert.NoError(t, r.Err())
	r.Issues = append(r.Issues, models.IntegrityIssue{})
	assert.True(t, utils.IsIntegrityViolation(r.Err()))

	dup := &models.IntegrityReport{CheckType: models.IntegrityCheckDuplicate, Issues: []models.IntegrityIssue{{}}}
	assert.NoError(t, dup.Err(), "duplicates are advisory")
}

func reportFor(t *testing.T, reports []*models.IntegrityReport, checkType models.IntegrityCheckType) *models.IntegrityReport {
	t.Helper()
	for _, r := range reports {
		if r.CheckType == checkType {
			return r
		}
	}
	t.Fatalf("no %s report", checkType)
	return nil
}

func TestIntegrityChecksOnCleanBooks(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	post(t, ctx, day(2026, 1, 2), "Cash sale", debit(c.Cash.ID, "100"), credit(c.Sales.ID, "100"))
	entry := post(t, ctx, day(2026, 1, 3), "Rent", debit(c.Rent.ID, "40"), credit(c.Cash.ID, "40"))
	_, err := models.ReverseEntry(ctx, entry.ID, "wrong month")
	require.NoError(t, err)

	reports, err := models.RunIntegrityChecks(ctx, false)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	for _, r := range reports {
		assert.Equal(t, models.ReportStatusSuccess, r.Status, "%s: %v", r.CheckType, r.Issues)
		assert.NoError(t, r.Err())
	}
	assert.Equal(t, 3, reportFor(t, reports, models.IntegrityCheckUnbalanced).Checked)
	assert.Equal(t, 6, reportFor(t, reports, models.IntegrityCheckOrphan).Checked)
}

func TestBalanceMismatchIsRepaired(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	post(t, ctx, day(2026, 1, 2), "Cash sale", debit(c.Cash.ID, "100"), credit(c.Sales.ID, "100"))
	require.NoError(t, config.GetDB().Exec("UPDATE accounts SET balance = ? WHERE id = ?", dec("1600"), c.Cash.ID).Error)

	ctx = utils.SetCorrelationIdInContext(ctx, "audit-1")
	reports, err := models.RunSelectedChecks(ctx, false, models.IntegrityCheckBalance)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "audit-1", r.CorrelationId)
	assert.Equal(t, models.ReportStatusError, r.Status)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, c.Cash.ID, r.Issues[0].EntityId)
	assert.Equal(t, models.SeverityHigh, r.Issues[0].Severity)
	assert.True(t, utils.IsIntegrityViolation(r.Err()))
	requireDecimal(t, "1600", reloadAccount(t, ctx, c.Cash.ID).Balance)

	stored, err := models.ListIntegrityIssues(ctx, "audit-1", nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Repaired)

	reports, err = models.RunSelectedChecks(ctx, true, models.IntegrityCheckBalance)
	require.NoError(t, err)
	r = reports[0]
	assert.Equal(t, 1, r.RepairedCount)
	assert.True(t, r.Issues[0].Repaired)
	assert.Equal(t, models.ReportStatusSuccess, r.Status)
	assert.NoError(t, r.Err())
	requireDecimal(t, "100", reloadAccount(t, ctx, c.Cash.ID).Balance)

	reports, err = models.RunSelectedChecks(ctx, true, models.IntegrityCheckBalance)
	require.NoError(t, err)
	assert.Empty(t, reports[0].Issues)
}

func TestAutoRepairIsSkippedAboveLimit(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	settings := config.DefaultLedgerSettings()
	settings.AutoRepairLimit = 1
	config.SetLedgerSettings(settings)

	db := config.GetDB()
	require.NoError(t, db.Exec("UPDATE accounts SET balance = ? WHERE id = ?", dec("5"), c.Cash.ID).Error)
	require.NoError(t, db.Exec("UPDATE accounts SET balance = ? WHERE id = ?", dec("7"), c.Bank.ID).Error)

	reports, err := models.RunSelectedChecks(ctx, true, models.IntegrityCheckBalance)
	require.NoError(t, err)
	r := reports[0]
	assert.True(t, r.RepairSkipped)
	assert.Zero(t, r.RepairedCount)
	assert.Len(t, r.Issues, 2)
	assert.Equal(t, models.ReportStatusWarning, r.Status)
	requireDecimal(t, "5", reloadAccount(t, ctx, c.Cash.ID).Balance)
}

func TestUnbalancedEntryIsReported(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	entry := post(t, ctx, day(2026, 1, 2), "Cash sale", debit(c.Cash.ID, "100"), credit(c.Sales.ID, "100"))
	require.NoError(t, config.GetDB().Exec("UPDATE entry_lines SET credit = ? WHERE entry_id = ? AND account_id = ?",
		dec("90"), entry.ID, c.Sales.ID).Error)

	reports, err := models.RunSelectedChecks(ctx, false, models.IntegrityCheckUnbalanced)
	require.NoError(t, err)
	r := reports[0]
	require.Len(t, r.Issues, 1)
	assert.Equal(t, entry.ID, r.Issues[0].EntityId)
	assert.Equal(t, models.ReportStatusError, r.Status)
	var violation *utils.IntegrityViolation
	assert.ErrorAs(t, r.Err(), &violation)
}

func TestOrphanRecordsAreReported(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	post(t, ctx, day(2026, 1, 2), "Cash sale", debit(c.Cash.ID, "100"), credit(c.Sales.ID, "100"))
	// Raw SQL bypasses the model's delete guard.
	require.NoError(t, config.GetDB().Exec("DELETE FROM accounts WHERE id = ?", c.Sales.ID).Error)

	reports, err := models.RunSelectedChecks(ctx, false, models.IntegrityCheckOrphan)
	require.NoError(t, err)
	r := reports[0]
	require.Len(t, r.Issues, 2)
	types := []string{r.Issues[0].EntityType, r.Issues[1].EntityType}
	assert.ElementsMatch(t, []string{"LedgerRecord", "EntryLine"}, types)
	assert.Equal(t, models.ReportStatusWarning, r.Status)
	assert.NoError(t, r.Err())
}

func TestDuplicateEntriesAreReported(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	today := utils.DateOnly(time.Now())
	post(t, ctx, today, "Payment to ABC Corp", debit(c.AP.ID, "250"), credit(c.Bank.ID, "250"))
	second := post(t, ctx, today, "Payment to ABC Corp.", debit(c.AP.ID, "250"), credit(c.Bank.ID, "250"))
	post(t, ctx, today, "Payment to XYZ Ltd", debit(c.AP.ID, "90"), credit(c.Bank.ID, "90"))
	post(t, ctx, today.AddDate(0, 0, -30), "Payment to ABC Corp", debit(c.AP.ID, "250"), credit(c.Bank.ID, "250"))

	reports, err := models.RunSelectedChecks(ctx, false, models.IntegrityCheckDuplicate)
	require.NoError(t, err)
	r := reports[0]
	assert.Equal(t, 3, r.Checked)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, second.ID, r.Issues[0].EntityId)
	assert.Equal(t, models.ReportStatusWarning, r.Status)
}

func TestRunSelectedChecksRejectsUnknownCheck(t *testing.T) {
	ctx := setupLedgerDB(t)
	_, err := models.RunSelectedChecks(ctx, false, "SPELLING")
	assert.True(t, utils.IsValidationError(err))
}
