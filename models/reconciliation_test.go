package models_test

import (
	"testing"

	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestMatchStatementWithinDateWindow(t *testing.T) {
	records := []models.LedgerRecord{
		{ID: 1, TransactionDate: day(2026, 1, 5), Debit: dec("100"), Credit: dec("0"), Description: "Customer payment"},
	}
	lines := []models.BankStatementLine{
		{Reference: "B1", TransactionDate: day(2026, 1, 6), Debit: dec("100"), Credit: dec("0"), Description: "ACH payment to vendor"},
	}
	got := models.MatchStatement(lines, records, 3, dec("0.01"))
	require.Len(t, got.Matched, 1)
	assert.Equal(t, models.MatchPair{LedgerRecordId: 1, BankRef: "B1", MatchType: models.MatchTypeAuto}, got.Matched[0])
	assert.Empty(t, got.UnmatchedBook)
	assert.Empty(t, got.UnmatchedBank)
}

func TestMatchStatementAmountsMustAgree(t *testing.T) {
	records := []models.LedgerRecord{
		{ID: 1, TransactionDate: day(2026, 1, 5), Debit: dec("100.00"), Credit: dec("0")},
	}
	lines := []models.BankStatementLine{
		{Reference: "B1", TransactionDate: day(2026, 1, 5), Debit: dec("100.02"), Credit: dec("0")},
	}
	got := models.MatchStatement(lines, records, 3, dec("0.01"))
	assert.Empty(t, got.Matched)
	assert.Equal(t, []int{1}, got.UnmatchedBook)
	assert.Equal(t, []string{"B1"}, got.UnmatchedBank)
}

func TestMatchStatementByDescriptionPrefix(t *testing.T) {
	records := []models.LedgerRecord{
		{ID: 4, TransactionDate: day(2026, 1, 1), Credit: dec("75"), Description: "Settles Invoice 2026-001 in full"},
	}
	lines := []models.BankStatementLine{
		{Reference: "B9", TransactionDate: day(2026, 1, 20), Credit: dec("75"), Description: "INVOICE 2026-001/ACME"},
		{Reference: "B10", TransactionDate: day(2026, 1, 20), Credit: dec("75"), Description: "Unrelated"},
	}
	got := models.MatchStatement(lines, records, 3, dec("0.01"))
	require.Len(t, got.Matched, 1)
	assert.Equal(t, "B9", got.Matched[0].BankRef)
	assert.Equal(t, []string{"B10"}, got.UnmatchedBank)
}

func TestMatchStatementConsumesEarliestRecordFirst(t *testing.T) {
	records := []models.LedgerRecord{
		{ID: 8, TransactionDate: day(2026, 1, 4), Debit: dec("20")},
		{ID: 3, TransactionDate: day(2026, 1, 4), Debit: dec("20")},
		{ID: 2, TransactionDate: day(2026, 1, 3), Debit: dec("20")},
	}
	lines := []models.BankStatementLine{
		{Reference: "A", TransactionDate: day(2026, 1, 4), Debit: dec("20")},
		{Reference: "B", TransactionDate: day(2026, 1, 4), Debit: dec("20")},
	}
	got := models.MatchStatement(lines, records, 3, dec("0.01"))
	require.Len(t, got.Matched, 2)
	assert.Equal(t, 2, got.Matched[0].LedgerRecordId)
	assert.Equal(t, 3, got.Matched[1].LedgerRecordId)
	assert.Equal(t, []int{8}, got.UnmatchedBook)
}

func TestUploadBankStatementValidation(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)

	_, err := models.UploadBankStatement(ctx, &models.NewBankStatement{
		AccountId:     c.Sales.ID,
		StatementDate: day(2026, 1, 31),
		Lines:         []models.NewBankStatementLine{{TransactionDate: day(2026, 1, 2), Debit: dec("1")}},
	})
	require.True(t, utils.IsValidationError(err), "not a bank account: %v", err)

	_, err = models.UploadBankStatement(ctx, &models.NewBankStatement{
		AccountId:     c.Bank.ID,
		StatementDate: day(2026, 1, 31),
		Lines: []models.NewBankStatementLine{
			{TransactionDate: day(2026, 1, 2), Reference: "X", Debit: dec("1")},
			{TransactionDate: day(2026, 1, 3), Reference: "X", Credit: dec("1")},
			{TransactionDate: day(2026, 1, 4), Debit: dec("1"), Credit: dec("1")},
		},
	})
	var verr *utils.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2)
	assert.Equal(t, "DUPLICATE_REFERENCE", verr.Violations[0].Rule)
	assert.Equal(t, models.RuleNonExclusiveAmount, verr.Violations[1].Rule)

	statement, err := models.UploadBankStatement(ctx, &models.NewBankStatement{
		AccountId:     c.Bank.ID,
		StatementDate: day(2026, 1, 31),
		FileName:      "jan.xlsx",
		Lines: []models.NewBankStatementLine{
			{TransactionDate: day(2026, 1, 2), Reference: "L0002", Debit: dec("1")},
			{TransactionDate: day(2026, 1, 3), Credit: dec("1")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatementStatusPending, statement.Status)

	loaded, err := models.GetBankStatement(ctx, statement.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 2)
	assert.Equal(t, "L0002", loaded.Lines[0].Reference)
	assert.Equal(t, "L0002-2", loaded.Lines[1].Reference)
}

func TestReconciliationLifecycle(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)

	r1 := cashRecordOf(t, post(t, ctx, day(2026, 1, 5), "Customer payment INV-1", debit(c.Bank.ID, "500"), credit(c.Sales.ID, "500")), c.Bank.ID)
	post(t, ctx, day(2026, 1, 10), "Rent January", debit(c.Rent.ID, "40"), credit(c.Bank.ID, "40"))
	r3 := cashRecordOf(t, post(t, ctx, day(2026, 1, 15), "Supplier cheque 123", debit(c.AP.ID, "60"), credit(c.Bank.ID, "60")), c.Bank.ID)
	r4 := cashRecordOf(t, post(t, ctx, day(2026, 1, 30), "Cash deposit", debit(c.Bank.ID, "250"), credit(c.Cash.ID, "250")), c.Bank.ID)

	statement, err := models.UploadBankStatement(ctx, &models.NewBankStatement{
		AccountId:      c.Bank.ID,
		StatementDate:  day(2026, 1, 31),
		ClosingBalance: dec("387"),
		Lines: []models.NewBankStatementLine{
			{TransactionDate: day(2026, 1, 6), Description: "ACH payment to vendor", Reference: "B1", Debit: dec("500")},
			{TransactionDate: day(2026, 1, 11), Description: "Rent", Reference: "B2", Credit: dec("40")},
			{TransactionDate: day(2026, 1, 25), Description: "CHQ 000123", Reference: "B3", Credit: dec("60")},
			{TransactionDate: day(2026, 1, 31), Description: "Bank service fee", Reference: "FEE", Credit: dec("15")},
			{TransactionDate: day(2026, 1, 31), Description: "Interest earned", Reference: "INT", Debit: dec("2")},
		},
	})
	require.NoError(t, err)

	session, err := models.StartReconciliation(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconciliationStatusInProgress, session.Status)
	require.Len(t, session.Matched, 2)
	assert.Equal(t, r1.ID, session.Matched[0].LedgerRecordId)
	assert.Equal(t, []int{r3.ID, r4.ID}, session.UnmatchedBook)
	assert.Equal(t, []string{"B3", "FEE", "INT"}, session.UnmatchedBank)
	requireDecimal(t, "650", session.BookBalance)
	requireDecimal(t, "577", session.AdjustedBankBalance)
	requireDecimal(t, "-73", session.Difference)

	again, err := models.StartReconciliation(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID, "starting twice returns the open session")

	loaded, err := models.GetBankStatement(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatementStatusPartial, loaded.Status)

	_, err = models.BulkMatch(ctx, session.ID, []models.ManualMatch{
		{LedgerRecordId: r3.ID, BankRef: "B3"},
		{LedgerRecordId: r4.ID, BankRef: "NOPE"},
	})
	require.True(t, utils.IsValidationError(err), "got %v", err)
	unchanged, err := models.GetReconciliationSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, unchanged.Matched, 2)

	session, err = models.BulkMatch(ctx, session.ID, []models.ManualMatch{{LedgerRecordId: r3.ID, BankRef: "B3"}})
	require.NoError(t, err)
	require.Len(t, session.Matched, 3)
	assert.Equal(t, models.MatchTypeManual, session.Matched[2].MatchType)
	assert.Equal(t, []int{r4.ID}, session.UnmatchedBook)
	requireDecimal(t, "-13", session.Difference)

	_, err = models.CompleteReconciliation(ctx, session.ID, []models.ReconciliationAdjustment{
		{Description: "Fee", Amount: dec("-15"), Type: models.AdjustmentTypeSubtract},
	})
	require.True(t, utils.IsValidationError(err), "negative amount: %v", err)

	completed, err := models.CompleteReconciliation(ctx, session.ID, []models.ReconciliationAdjustment{
		{Description: "Bank service fee", Amount: dec("15"), Type: models.AdjustmentTypeSubtract, CounterAccountId: &c.BankFees.ID},
		{Description: "Interest earned", Amount: dec("2"), Type: models.AdjustmentTypeAdd, CounterAccountId: &c.Service.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReconciliationStatusCompleted, completed.Status)
	requireDecimal(t, "637", completed.AdjustedBookBalance)
	requireDecimal(t, "637", completed.AdjustedBankBalance)
	assert.True(t, completed.Difference.IsZero())
	require.NotNil(t, completed.AdjustmentEntryId)

	adjustment, err := models.GetEntryWithLedger(ctx, *completed.AdjustmentEntryId)
	require.NoError(t, err)
	assert.Equal(t, models.EntryKindBankAdjustment, adjustment.Kind)
	assert.Equal(t, models.EntryStatusPosted, adjustment.Status)
	assert.Len(t, adjustment.LedgerRecords, 4)
	requireDecimal(t, "637", reloadAccount(t, ctx, c.Bank.ID).Balance)
	requireDecimal(t, "15", reloadAccount(t, ctx, c.BankFees.ID).Balance)

	loaded, err = models.GetBankStatement(ctx, statement.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatementStatusReconciled, loaded.Status)

	_, err = models.CompleteReconciliation(ctx, session.ID, nil)
	assert.True(t, utils.IsConflictError(err), "got %v", err)
	_, err = models.StartReconciliation(ctx, statement.ID)
	assert.True(t, utils.IsConflictError(err), "got %v", err)

	events, err := models.ListDomainEvents(ctx, "reconciliation_session", session.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeReconciliationCompleted, events[0].EventType)

	outstanding, err := models.GetOutstandingItems(ctx, c.Bank.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, outstanding.SessionId)
	require.Len(t, outstanding.DepositsInTransit, 1)
	assert.Equal(t, r4.ID, outstanding.DepositsInTransit[0].ID)
	requireDecimal(t, "250", outstanding.TotalDeposits)
	assert.Empty(t, outstanding.OutstandingPayments)

	// Records cleared in January are not offered again.
	feb, err := models.UploadBankStatement(ctx, &models.NewBankStatement{
		AccountId:     c.Bank.ID,
		StatementDate: day(2026, 2, 28),
		Lines: []models.NewBankStatementLine{
			{TransactionDate: day(2026, 2, 1), Description: "Cash deposit", Reference: "F1", Debit: dec("250")},
		},
	})
	require.NoError(t, err)
	next, err := models.StartReconciliation(ctx, feb.ID)
	require.NoError(t, err)
	require.Len(t, next.Matched, 1)
	assert.Equal(t, r4.ID, next.Matched[0].LedgerRecordId)
	assert.NotContains(t, next.UnmatchedBook, r1.ID)
	assert.NotContains(t, next.UnmatchedBook, r3.ID)
}

func TestGetOutstandingItemsWithoutSessions(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	items, err := models.GetOutstandingItems(ctx, c.Bank.ID)
	require.NoError(t, err)
	assert.Zero(t, items.SessionId)
	assert.True(t, items.TotalDeposits.IsZero())
}

func TestParseBankStatementXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]interface{}{
		{"Value Date", "Narration", "Ref", "Withdrawal", "Deposit", "Balance"},
		{"2026-01-06", "ACH payment", "B1", "", "500", "500"},
		{},
		{"07/01/2026", " Rent ", "", "1,250.50", "", "-750.50"},
	}
	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cellName, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	lines, err := models.ParseBankStatementXLSX(buf, "")
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, day(2026, 1, 6), lines[0].TransactionDate)
	assert.Equal(t, "ACH payment", lines[0].Description)
	assert.Equal(t, "B1", lines[0].Reference)
	assert.True(t, lines[0].Debit.IsZero())
	requireDecimal(t, "500", lines[0].Credit)

	assert.Equal(t, day(2026, 1, 7), lines[1].TransactionDate)
	assert.Equal(t, "Rent", lines[1].Description)
	requireDecimal(t, "1250.50", lines[1].Debit)
	require.NotNil(t, lines[1].Balance)
	requireDecimal(t, "750.50", *lines[1].Balance)
}

func TestParseBankStatementXLSXRejectsBadSheets(t *testing.T) {
	write := func(t *testing.T, rows [][]interface{}) *excelize.File {
		f := excelize.NewFile()
		for i, row := range rows {
			cellName, err := excelize.CoordinatesToCellName(1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow("Sheet1", cellName, &row))
		}
		return f
	}

	f := write(t, [][]interface{}{{"Date", "Description", "Credit"}, {"2026-01-01", "x", "5"}})
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	_, err = models.ParseBankStatementXLSX(buf, "")
	var verr *utils.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "MISSING_COLUMN", verr.Violations[0].Rule)

	f = write(t, [][]interface{}{{"Date", "Description", "Debit", "Credit"}, {"someday", "x", "5", ""}, {"2026-01-02", "y", "abc", ""}})
	buf, err = f.WriteToBuffer()
	require.NoError(t, err)
	_, err = models.ParseBankStatementXLSX(buf, "Sheet1")
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2)
	assert.Equal(t, "INVALID_DATE", verr.Violations[0].Rule)
	assert.Equal(t, 2, verr.Violations[0].Line)
	assert.Equal(t, "INVALID_AMOUNT", verr.Violations[1].Rule)
}
