package models_test

import (
	"testing"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccountValidation(t *testing.T) {
	ctx := setupLedgerDB(t)

	_, err := models.CreateAccount(ctx, &models.NewAccount{
		Code: "1000", Name: "Cash", MainType: models.AccountMainTypeAsset, DetailType: models.AccountDetailTypeCash,
	})
	require.NoError(t, err)

	_, err = models.CreateAccount(ctx, &models.NewAccount{
		Code: "1000", Name: "Cash again", MainType: models.AccountMainTypeAsset, DetailType: models.AccountDetailTypeCash,
	})
	assert.True(t, utils.IsValidationError(err), "duplicate code: %v", err)

	_, err = models.CreateAccount(ctx, &models.NewAccount{
		Code: "4001", Name: "Odd", MainType: models.AccountMainTypeRevenue, DetailType: models.AccountDetailTypeBank,
	})
	assert.True(t, utils.IsValidationError(err), "detail type: %v", err)

	_, err = models.CreateAccount(ctx, &models.NewAccount{
		Code: "9000", Name: "Odd", MainType: "Other", DetailType: models.AccountDetailTypeBank,
	})
	assert.True(t, utils.IsValidationError(err), "main type: %v", err)

	_, err = models.CreateAccount(ctx, &models.NewAccount{Name: "No code", MainType: models.AccountMainTypeAsset, DetailType: models.AccountDetailTypeCash})
	assert.True(t, utils.IsValidationError(err), "missing code: %v", err)
}

func TestAccountsAreScopedByBusiness(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)

	other := utils.SetBusinessIdInContext(ctx, "another-business")
	_, err := models.GetAccount(other, c.Cash.ID)
	assert.Equal(t, utils.ErrorRecordNotFound, err)

	// Same code is free in another business.
	_, err = models.CreateAccount(other, &models.NewAccount{
		Code: "1000", Name: "Cash", MainType: models.AccountMainTypeAsset, DetailType: models.AccountDetailTypeCash,
	})
	require.NoError(t, err)

	ids, err := models.ListBusinessIds(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestAccountsCannotBeDeleted(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)

	err := config.GetDB().WithContext(ctx).Delete(c.Cash).Error
	require.Error(t, err)
	assert.EqualValues(t, 1, countRows(t, &models.Account{}, "id = ?", c.Cash.ID))

	deactivated, err := models.DeactivateAccount(ctx, c.Cash.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active())

	active, err := models.ListAccounts(ctx, &models.AccountFilter{ActiveOnly: true, CashOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "1010", active[0].Code)

	_, err = models.ActivateAccount(ctx, c.Cash.ID)
	require.NoError(t, err)
	assert.True(t, reloadAccount(t, ctx, c.Cash.ID).Active())
}

func TestUpdateAccountKeepsBalanceFields(t *testing.T) {
	ctx := setupLedgerDB(t)
	c := seedChart(t, ctx)
	post(t, ctx, day(2026, 1, 2), "Cash sale", debit(c.Cash.ID, "25"), credit(c.Sales.ID, "25"))

	updated, err := models.UpdateAccount(ctx, c.Cash.ID, &models.UpdateAccountInput{Name: "Cash in Till", Category: "Cash"})
	require.NoError(t, err)
	assert.Equal(t, "Cash in Till", updated.Name)
	requireDecimal(t, "25", reloadAccount(t, ctx, c.Cash.ID).Balance)
}

func TestSeedDefaultChartOfAccountsIsIdempotent(t *testing.T) {
	ctx := setupLedgerDB(t)

	first, err := models.SeedDefaultChartOfAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, first, len(models.GetDefaultChartOfAccounts()))

	second, err := models.SeedDefaultChartOfAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)

	retained, err := models.GetAccountByCode(ctx, config.DefaultLedgerSettings().RetainedEarningsCode)
	require.NoError(t, err)
	assert.Equal(t, models.AccountDetailTypeRetainedEarnings, retained.DetailType)
}

func TestTrialBalanceColumns(t *testing.T) {
	d, c := models.TrialBalanceColumns(models.AccountMainTypeAsset, dec("50"))
	requireDecimal(t, "50", d)
	assert.True(t, c.IsZero())

	d, c = models.TrialBalanceColumns(models.AccountMainTypeAsset, dec("-50"))
	assert.True(t, d.IsZero())
	requireDecimal(t, "50", c)

	d, c = models.TrialBalanceColumns(models.AccountMainTypeRevenue, dec("70"))
	assert.True(t, d.IsZero())
	requireDecimal(t, "70", c)
}
