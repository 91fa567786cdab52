package models

import (
	"context"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

type DefaultAccount struct {
	Code       string
	Name       string
	MainType   AccountMainType
	DetailType AccountDetailType
	Category   string
}

func GetDefaultChartOfAccounts() []DefaultAccount {
	return []DefaultAccount{
		{"1000", "Cash on Hand", AccountMainTypeAsset, AccountDetailTypeCash, "Current Assets"},
		{"1010", "Bank Account", AccountMainTypeAsset, AccountDetailTypeBank, "Current Assets"},
		{"1100", "Accounts Receivable", AccountMainTypeAsset, AccountDetailTypeAccountsReceivable, "Current Assets"},
		{"1200", "Inventory", AccountMainTypeAsset, AccountDetailTypeOtherCurrentAsset, "Current Assets"},
		{"1500", "Equipment", AccountMainTypeAsset, AccountDetailTypeFixedAsset, "Fixed Assets"},
		{"1590", "Accumulated Depreciation", AccountMainTypeAsset, AccountDetailTypeFixedAsset, "Fixed Assets"},
		{"2000", "Accounts Payable", AccountMainTypeLiability, AccountDetailTypeAccountsPayable, "Current Liabilities"},
		{"2100", "Accrued Liabilities", AccountMainTypeLiability, AccountDetailTypeOtherCurrentLiability, "Current Liabilities"},
		{"2500", "Long-term Loan", AccountMainTypeLiability, AccountDetailTypeLongTermLiability, "Long-term Liabilities"},
		{"3000", "Owner's Capital", AccountMainTypeEquity, AccountDetailTypeEquity, "Equity"},
		{"3100", "Owner's Drawings", AccountMainTypeEquity, AccountDetailTypeEquity, "Equity"},
		{"3200", "Retained Earnings", AccountMainTypeEquity, AccountDetailTypeRetainedEarnings, "Equity"},
		{"4000", "Sales Revenue", AccountMainTypeRevenue, AccountDetailTypeIncome, "Operating Revenue"},
		{"4100", "Service Revenue", AccountMainTypeRevenue, AccountDetailTypeIncome, "Operating Revenue"},
		{"4900", "Interest Income", AccountMainTypeRevenue, AccountDetailTypeOtherIncome, "Other Revenue"},
		{"5000", "Cost of Goods Sold", AccountMainTypeExpense, AccountDetailTypeCostOfGoodsSold, "Cost of Sales"},
		{"6000", "Salaries Expense", AccountMainTypeExpense, AccountDetailTypeExpense, "Operating Expenses"},
		{"6100", "Rent Expense", AccountMainTypeExpense, AccountDetailTypeExpense, "Operating Expenses"},
		{"6200", "Utilities Expense", AccountMainTypeExpense, AccountDetailTypeExpense, "Operating Expenses"},
		{"6300", "Bank Charges", AccountMainTypeExpense, AccountDetailTypeExpense, "Operating Expenses"},
		{"6900", "Depreciation Expense", AccountMainTypeExpense, AccountDetailTypeOtherExpense, "Other Expenses"},
	}
}

// SeedDefaultChartOfAccounts creates the default accounts that do not exist
// yet, matched by code. Running it twice creates nothing the second time.
func SeedDefaultChartOfAccounts(ctx context.Context) ([]*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	var created []*Account
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&Account{}).Where("business_id = ?", businessId).Pluck("code", &existing).Error; err != nil {
			return err
		}
		have := make(map[string]bool, len(existing))
		for _, code := range existing {
			have[code] = true
		}
		for _, data := range GetDefaultChartOfAccounts() {
			if have[data.Code] {
				continue
			}
			created = append(created, &Account{
				BusinessId: businessId,
				Code:       data.Code,
				Name:       data.Name,
				MainType:   data.MainType,
				DetailType: data.DetailType,
				Category:   data.Category,
				IsActive:   utils.NewTrue(),
			})
		}
		if len(created) == 0 {
			return nil
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("seed chart of accounts", err)
	}
	return created, nil
}
