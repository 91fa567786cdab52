package models

import (
	"errors"
	"strings"
)

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeRevenue   AccountMainType = "Revenue"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

func (t AccountMainType) IsValid() bool {
	switch t {
	case AccountMainTypeAsset, AccountMainTypeLiability, AccountMainTypeEquity,
		AccountMainTypeRevenue, AccountMainTypeExpense:
		return true
	}
	return false
}

// NormalBalance is DEBIT for assets and expenses, CREDIT for the rest.
func (t AccountMainType) NormalBalance() NormalBalance {
	switch t {
	case AccountMainTypeAsset, AccountMainTypeExpense:
		return NormalBalanceDebit
	default:
		return NormalBalanceCredit
	}
}

// IsTemporary reports whether balances of this type are closed into retained earnings.
func (t AccountMainType) IsTemporary() bool {
	return t == AccountMainTypeRevenue || t == AccountMainTypeExpense
}

type NormalBalance string

const (
	NormalBalanceDebit  NormalBalance = "DEBIT"
	NormalBalanceCredit NormalBalance = "CREDIT"
)

type AccountDetailType string

const (
	AccountDetailTypeCash                  AccountDetailType = "Cash"
	AccountDetailTypeBank                  AccountDetailType = "Bank"
	AccountDetailTypeAccountsReceivable    AccountDetailType = "AccountsReceivable"
	AccountDetailTypeOtherCurrentAsset     AccountDetailType = "OtherCurrentAsset"
	AccountDetailTypeFixedAsset            AccountDetailType = "FixedAsset"
	AccountDetailTypeOtherAsset            AccountDetailType = "OtherAsset"
	AccountDetailTypeAccountsPayable       AccountDetailType = "AccountsPayable"
	AccountDetailTypeOtherCurrentLiability AccountDetailType = "OtherCurrentLiability"
	AccountDetailTypeLongTermLiability     AccountDetailType = "LongTermLiability"
	AccountDetailTypeEquity                AccountDetailType = "Equity"
	AccountDetailTypeRetainedEarnings      AccountDetailType = "RetainedEarnings"
	AccountDetailTypeIncome                AccountDetailType = "Income"
	AccountDetailTypeOtherIncome           AccountDetailType = "OtherIncome"
	AccountDetailTypeCostOfGoodsSold       AccountDetailType = "CostOfGoodsSold"
	AccountDetailTypeExpense               AccountDetailType = "Expense"
	AccountDetailTypeOtherExpense          AccountDetailType = "OtherExpense"
)

var detailTypesByMainType = map[AccountMainType][]AccountDetailType{
	AccountMainTypeAsset: {
		AccountDetailTypeCash, AccountDetailTypeBank, AccountDetailTypeAccountsReceivable,
		AccountDetailTypeOtherCurrentAsset, AccountDetailTypeFixedAsset, AccountDetailTypeOtherAsset,
	},
	AccountMainTypeLiability: {
		AccountDetailTypeAccountsPayable, AccountDetailTypeOtherCurrentLiability, AccountDetailTypeLongTermLiability,
	},
	AccountMainTypeEquity:  {AccountDetailTypeEquity, AccountDetailTypeRetainedEarnings},
	AccountMainTypeRevenue: {AccountDetailTypeIncome, AccountDetailTypeOtherIncome},
	AccountMainTypeExpense: {AccountDetailTypeCostOfGoodsSold, AccountDetailTypeExpense, AccountDetailTypeOtherExpense},
}

// BelongsTo reports whether the detail type is allowed under mainType.
func (t AccountDetailType) BelongsTo(mainType AccountMainType) bool {
	for _, dt := range detailTypesByMainType[mainType] {
		if dt == t {
			return true
		}
	}
	return false
}

type EntryStatus string

const (
	EntryStatusDraft     EntryStatus = "DRAFT"
	EntryStatusApproved  EntryStatus = "APPROVED"
	EntryStatusPosted    EntryStatus = "POSTED"
	EntryStatusCancelled EntryStatus = "CANCELLED"
	EntryStatusReversed  EntryStatus = "REVERSED"
)

// EntryKind distinguishes journal entries from the voucher families. The posting rules are identical.
type EntryKind string

const (
	EntryKindJournal        EntryKind = "JOURNAL"
	EntryKindPayment        EntryKind = "PAYMENT"
	EntryKindReceipt        EntryKind = "RECEIPT"
	EntryKindContra         EntryKind = "CONTRA"
	EntryKindSales          EntryKind = "SALES"
	EntryKindPurchase       EntryKind = "PURCHASE"
	EntryKindDebitNote      EntryKind = "DEBIT_NOTE"
	EntryKindCreditNote     EntryKind = "CREDIT_NOTE"
	EntryKindClosing        EntryKind = "CLOSING"
	EntryKindReversal       EntryKind = "REVERSAL"
	EntryKindBankAdjustment EntryKind = "BANK_ADJUSTMENT"
)

var entryKindPrefixes = map[EntryKind]string{
	EntryKindJournal:        "JE",
	EntryKindPayment:        "PAY",
	EntryKindReceipt:        "REC",
	EntryKindContra:         "CON",
	EntryKindSales:          "SAL",
	EntryKindPurchase:       "PUR",
	EntryKindDebitNote:      "DN",
	EntryKindCreditNote:     "CN",
	EntryKindClosing:        "CLS",
	EntryKindReversal:       "REV",
	EntryKindBankAdjustment: "BADJ",
}

func (k EntryKind) IsValid() bool {
	_, ok := entryKindPrefixes[k]
	return ok
}

// Prefix is the entry number prefix of the kind.
func (k EntryKind) Prefix() string {
	return entryKindPrefixes[k]
}

// IsSystem reports kinds generated by the engine itself rather than entered by users.
func (k EntryKind) IsSystem() bool {
	return k == EntryKindClosing || k == EntryKindReversal || k == EntryKindBankAdjustment
}

type CashFlowCategory string

const (
	CashFlowCategoryOperating CashFlowCategory = "OPERATING"
	CashFlowCategoryInvesting CashFlowCategory = "INVESTING"
	CashFlowCategoryFinancing CashFlowCategory = "FINANCING"
	CashFlowCategoryNonCash   CashFlowCategory = "NON_CASH"
)

func (c CashFlowCategory) IsValid() bool {
	switch c {
	case CashFlowCategoryOperating, CashFlowCategoryInvesting, CashFlowCategoryFinancing, CashFlowCategoryNonCash:
		return true
	}
	return false
}

func ParseCashFlowCategory(s string) (CashFlowCategory, error) {
	c := CashFlowCategory(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", errors.New("invalid cash flow category: " + s)
	}
	return c, nil
}

// CategorySource records how a ledger record got its cash-flow category.
type CategorySource string

const (
	CategorySourceNonCash   CategorySource = "NON_CASH"
	CategorySourceRule      CategorySource = "RULE"
	CategorySourceHeuristic CategorySource = "HEURISTIC"
	CategorySourceDefault   CategorySource = "DEFAULT"
	CategorySourceManual    CategorySource = "MANUAL"
)

type PeriodType string

const (
	PeriodTypeMonth   PeriodType = "month"
	PeriodTypeQuarter PeriodType = "quarter"
	PeriodTypeYear    PeriodType = "year"
)

func (t PeriodType) IsValid() bool {
	return t == PeriodTypeMonth || t == PeriodTypeQuarter || t == PeriodTypeYear
}

type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "open"
	PeriodStatusClosed PeriodStatus = "closed"
	PeriodStatusLocked PeriodStatus = "locked"
)

type StatementStatus string

const (
	StatementStatusPending    StatementStatus = "pending"
	StatementStatusPartial    StatementStatus = "partial"
	StatementStatusReconciled StatementStatus = "reconciled"
)

type ReconciliationStatus string

const (
	ReconciliationStatusInProgress ReconciliationStatus = "IN_PROGRESS"
	ReconciliationStatusCompleted  ReconciliationStatus = "COMPLETED"
)

type AdjustmentType string

const (
	AdjustmentTypeAdd      AdjustmentType = "add"
	AdjustmentTypeSubtract AdjustmentType = "subtract"
)

type MatchType string

const (
	MatchTypeAuto   MatchType = "auto"
	MatchTypeManual MatchType = "manual"
)

type IntegrityCheckType string

const (
	IntegrityCheckBalance    IntegrityCheckType = "BALANCE_RECONCILIATION"
	IntegrityCheckUnbalanced IntegrityCheckType = "UNBALANCED_ENTRY"
	IntegrityCheckDuplicate  IntegrityCheckType = "DUPLICATE_ENTRY"
	IntegrityCheckOrphan     IntegrityCheckType = "ORPHAN_RECORD"
)

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

type ReportStatus string

const (
	ReportStatusSuccess ReportStatus = "success"
	ReportStatusWarning ReportStatus = "warning"
	ReportStatusError   ReportStatus = "error"
)
