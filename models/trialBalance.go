package models

import (
	"context"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/shopspring/decimal"
)

type TrialBalanceRow struct {
	AccountId   int             `json:"account_id"`
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	MainType    AccountMainType `json:"main_type"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

type TrialBalance struct {
	Rows        []*TrialBalanceRow `json:"rows"`
	TotalDebit  decimal.Decimal    `json:"total_debit"`
	TotalCredit decimal.Decimal    `json:"total_credit"`
	Balanced    bool               `json:"balanced"`
}

// TrialBalanceColumns puts a balance on its normal side, or on the opposite
// side when it is negative.
func TrialBalanceColumns(mainType AccountMainType, balance decimal.Decimal) (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	onDebitSide := mainType.NormalBalance() == NormalBalanceDebit
	if balance.IsNegative() {
		onDebitSide = !onDebitSide
	}
	if onDebitSide {
		debit = balance.Abs()
	} else {
		credit = balance.Abs()
	}
	return debit, credit
}

// GetTrialBalance lists every account with a non-zero balance by code.
func GetTrialBalance(ctx context.Context) (*TrialBalance, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var accounts []*Account
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).Order("code ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	tb := &TrialBalance{TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for _, a := range accounts {
		if a.Balance.IsZero() {
			continue
		}
		debit, credit := TrialBalanceColumns(a.MainType, a.Balance)
		tb.Rows = append(tb.Rows, &TrialBalanceRow{
			AccountId:   a.ID,
			AccountCode: a.Code,
			AccountName: a.Name,
			MainType:    a.MainType,
			Debit:       debit,
			Credit:      credit,
		})
		tb.TotalDebit = tb.TotalDebit.Add(debit)
		tb.TotalCredit = tb.TotalCredit.Add(credit)
	}
	tb.Balanced = tb.TotalDebit.Sub(tb.TotalCredit).Abs().LessThan(config.GetLedgerSettings().AmountTolerance)
	return tb, nil
}
