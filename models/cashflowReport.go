package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CategoryStat struct {
	Category  CashFlowCategory `json:"category"`
	Count     int              `json:"count"`
	NetAmount decimal.Decimal  `json:"net_amount"`
}

type CategoryStatistics struct {
	FromDate           *time.Time      `json:"from_date"`
	ToDate             *time.Time      `json:"to_date"`
	ByCategory         []*CategoryStat `json:"by_category"`
	TotalRecords       int             `json:"total_records"`
	NeedsReviewCount   int             `json:"needs_review_count"`
	OverrideCount      int             `json:"override_count"`
	UncategorizedCount int             `json:"uncategorized_count"`
}

type CashFlowSummary struct {
	FromDate              time.Time       `json:"from_date"`
	ToDate                time.Time       `json:"to_date"`
	OpeningCash           decimal.Decimal `json:"opening_cash"`
	Operating             decimal.Decimal `json:"operating"`
	Investing             decimal.Decimal `json:"investing"`
	Financing             decimal.Decimal `json:"financing"`
	NonCash               decimal.Decimal `json:"non_cash"`
	Uncategorized         decimal.Decimal `json:"uncategorized"`
	CalculatedClosingCash decimal.Decimal `json:"calculated_closing_cash"`
	ActualClosingCash     decimal.Decimal `json:"actual_closing_cash"`
	Variance              decimal.Decimal `json:"variance"`
	Reconciled            bool            `json:"reconciled"`
}

type cashMovement struct {
	AccountId        int
	TransactionDate  time.Time
	Debit            decimal.Decimal
	Credit           decimal.Decimal
	CashFlowCategory CashFlowCategory
	NeedsReview      bool
	ManualOverride   bool
}

func loadCashAccounts(tx *gorm.DB, businessId string) (map[int]*Account, error) {
	var accounts []*Account
	if err := tx.Where("business_id = ? AND detail_type IN ?", businessId,
		[]AccountDetailType{AccountDetailTypeCash, AccountDetailTypeBank}).
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	result := make(map[int]*Account, len(accounts))
	for _, a := range accounts {
		result[a.ID] = a
	}
	return result, nil
}

func accountIds(accounts map[int]*Account) []int {
	ids := make([]int, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	return ids
}

// GetCategoryStatistics counts cash records per category and sums their net
// cash effect. Amounts are summed in Go to keep decimal precision.
func GetCategoryStatistics(ctx context.Context, from, to *time.Time) (*CategoryStatistics, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB().WithContext(ctx)
	cash, err := loadCashAccounts(db, businessId)
	if err != nil {
		return nil, err
	}
	stats := &CategoryStatistics{FromDate: from, ToDate: to}
	byCategory := make(map[CashFlowCategory]*CategoryStat)
	for _, c := range []CashFlowCategory{CashFlowCategoryOperating, CashFlowCategoryInvesting, CashFlowCategoryFinancing, CashFlowCategoryNonCash} {
		s := &CategoryStat{Category: c, NetAmount: decimal.Zero}
		byCategory[c] = s
		stats.ByCategory = append(stats.ByCategory, s)
	}
	if len(cash) == 0 {
		return stats, nil
	}

	q := db.Model(&LedgerRecord{}).Where("business_id = ? AND account_id IN ?", businessId, accountIds(cash))
	if from != nil {
		q = q.Where("transaction_date >= ?", utils.DateOnly(*from))
	}
	if to != nil {
		q = q.Where("transaction_date <= ?", utils.DateOnly(*to))
	}
	var rows []cashMovement
	if err := q.Select("account_id, transaction_date, debit, credit, cash_flow_category, needs_review, manual_override").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.TotalRecords++
		if r.NeedsReview {
			stats.NeedsReviewCount++
		}
		if r.ManualOverride {
			stats.OverrideCount++
		}
		s, ok := byCategory[r.CashFlowCategory]
		if !ok {
			stats.UncategorizedCount++
			continue
		}
		s.Count++
		s.NetAmount = s.NetAmount.Add(cash[r.AccountId].SignedDelta(r.Debit, r.Credit))
	}
	return stats, nil
}

// GetCashFlowSummary rebuilds the period's cash movement by category and
// checks it against the ledger. Variance comes from non-cash and
// uncategorized movements on cash accounts.
func GetCashFlowSummary(ctx context.Context, from, to time.Time) (*CashFlowSummary, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	from, to = utils.DateOnly(from), utils.DateOnly(to)
	if to.Before(from) {
		return nil, utils.NewValidationError("INVALID_DATE_RANGE", "to date is before from date")
	}
	summary := &CashFlowSummary{
		FromDate:      from,
		ToDate:        to,
		OpeningCash:   decimal.Zero,
		Operating:     decimal.Zero,
		Investing:     decimal.Zero,
		Financing:     decimal.Zero,
		NonCash:       decimal.Zero,
		Uncategorized: decimal.Zero,
	}

	db := config.GetDB().WithContext(ctx)
	cash, err := loadCashAccounts(db, businessId)
	if err != nil {
		return nil, err
	}
	for _, a := range cash {
		summary.OpeningCash = summary.OpeningCash.Add(a.OpeningBalance)
	}
	if len(cash) > 0 {
		var rows []cashMovement
		if err := db.Model(&LedgerRecord{}).
			Where("business_id = ? AND account_id IN ? AND transaction_date <= ?", businessId, accountIds(cash), to).
			Select("account_id, transaction_date, debit, credit, cash_flow_category").
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			delta := cash[r.AccountId].SignedDelta(r.Debit, r.Credit)
			if r.TransactionDate.Before(from) {
				summary.OpeningCash = summary.OpeningCash.Add(delta)
				continue
			}
			switch r.CashFlowCategory {
			case CashFlowCategoryOperating:
				summary.Operating = summary.Operating.Add(delta)
			case CashFlowCategoryInvesting:
				summary.Investing = summary.Investing.Add(delta)
			case CashFlowCategoryFinancing:
				summary.Financing = summary.Financing.Add(delta)
			case CashFlowCategoryNonCash:
				summary.NonCash = summary.NonCash.Add(delta)
			default:
				summary.Uncategorized = summary.Uncategorized.Add(delta)
			}
		}
	}

	summary.CalculatedClosingCash = summary.OpeningCash.Add(summary.Operating).Add(summary.Investing).Add(summary.Financing)
	summary.ActualClosingCash = summary.CalculatedClosingCash.Add(summary.NonCash).Add(summary.Uncategorized)
	summary.Variance = summary.ActualClosingCash.Sub(summary.CalculatedClosingCash)
	summary.Reconciled = summary.Variance.Abs().LessThan(config.GetLedgerSettings().AmountTolerance)
	return summary, nil
}
