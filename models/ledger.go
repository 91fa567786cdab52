package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerRecord is the posted trace of one entry line. BalanceAfter is the
// account balance right after this line was applied and is never recomputed.
type LedgerRecord struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	BusinessId         string           `gorm:"size:64;not null;index;index:idx_ledger_account_date,priority:1" json:"business_id"`
	AccountId          int              `gorm:"not null;index;index:idx_ledger_account_date,priority:2" json:"account_id"`
	EntryId            int              `gorm:"not null;index" json:"entry_id"`
	EntryLineId        int              `gorm:"not null;index" json:"entry_line_id"`
	EntryNumber        string           `gorm:"size:30;not null" json:"entry_number"`
	TransactionDate    time.Time        `gorm:"not null;index;index:idx_ledger_account_date,priority:3" json:"transaction_date"`
	Description        string           `gorm:"type:text" json:"description"`
	Debit              decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"debit"`
	Credit             decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"credit"`
	BalanceAfter       decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"balance_after"`
	CostCenter         string           `gorm:"size:50" json:"cost_center"`
	Project            string           `gorm:"size:50" json:"project"`
	Department         string           `gorm:"size:50" json:"department"`
	SourceType         string           `gorm:"size:50" json:"source_type"`
	CashFlowCategory   CashFlowCategory `gorm:"size:20;index" json:"cash_flow_category"`
	CategoryConfidence float64          `gorm:"not null;default:0" json:"category_confidence"`
	CategorySource     CategorySource   `gorm:"size:20" json:"category_source"`
	CategoryRuleId     *int             `json:"category_rule_id"`
	NeedsReview        bool             `gorm:"not null;default:false;index" json:"needs_review"`
	ManualOverride     bool             `gorm:"not null;default:false" json:"manual_override"`
	CategorizedAt      *time.Time       `json:"categorized_at"`
	CategoryHistory    []CategoryChange `gorm:"foreignKey:LedgerRecordId" json:"category_history,omitempty"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// CategoryChange is one append-only row of a ledger record's category history.
type CategoryChange struct {
	ID             int              `gorm:"primary_key" json:"id"`
	BusinessId     string           `gorm:"size:64;not null;index" json:"business_id"`
	LedgerRecordId int              `gorm:"not null;index" json:"ledger_record_id"`
	FromCategory   CashFlowCategory `gorm:"size:20" json:"from_category"`
	ToCategory     CashFlowCategory `gorm:"size:20;not null" json:"to_category"`
	Source         CategorySource   `gorm:"size:20;not null" json:"source"`
	ChangedBy      string           `gorm:"size:100;not null" json:"changed_by"`
	ChangedAt      time.Time        `gorm:"not null" json:"changed_at"`
	Reason         string           `gorm:"type:text" json:"reason"`
}

var ledgerCategoryFields = map[string]bool{
	"CashFlowCategory":   true,
	"CategoryConfidence": true,
	"CategorySource":     true,
	"CategoryRuleId":     true,
	"NeedsReview":        true,
	"ManualOverride":     true,
	"CategorizedAt":      true,
	"UpdatedAt":          true,
}

func (r *LedgerRecord) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: ledger_records cannot be deleted")
}

// BeforeUpdate allows only the category fields to change.
func (r *LedgerRecord) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if f == nil || f.Name == "" {
			continue
		}
		if tx.Statement.Changed(f.Name) && !ledgerCategoryFields[f.Name] {
			return errors.New("immutable ledger: only cash flow category fields may be updated on ledger_records")
		}
	}
	return nil
}

func (c *CategoryChange) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("category history is append-only")
}

func (c *CategoryChange) BeforeDelete(tx *gorm.DB) error {
	return errors.New("category history is append-only")
}

// Amount is the non-zero side of the record.
func (r *LedgerRecord) Amount() decimal.Decimal {
	if r.Debit.IsPositive() {
		return r.Debit
	}
	return r.Credit
}

func (r *LedgerRecord) applyCategory(result *CategoryResult, at time.Time) {
	if result == nil {
		return
	}
	r.CashFlowCategory = result.Category
	r.CategoryConfidence = result.Confidence
	r.CategorySource = result.Source
	r.CategoryRuleId = result.RuleId
	r.NeedsReview = result.NeedsReview
	r.CategorizedAt = &at
}

type LedgerFilter struct {
	AccountId int
	FromDate  *time.Time
	ToDate    *time.Time
}

// ListLedgerRecords returns records in posting order for one account or for all.
func ListLedgerRecords(ctx context.Context, filter *LedgerFilter, page *Pagination) ([]*LedgerRecord, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	limit, offset := page.normalize()
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter != nil {
		if filter.AccountId > 0 {
			dbCtx = dbCtx.Where("account_id = ?", filter.AccountId)
		}
		if filter.FromDate != nil {
			dbCtx = dbCtx.Where("transaction_date >= ?", *filter.FromDate)
		}
		if filter.ToDate != nil {
			dbCtx = dbCtx.Where("transaction_date <= ?", *filter.ToDate)
		}
	}
	var records []*LedgerRecord
	err = dbCtx.Order("transaction_date ASC, id ASC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

// GetLedgerRecord loads one record with its category history.
func GetLedgerRecord(ctx context.Context, id int) (*LedgerRecord, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var record LedgerRecord
	err = db.WithContext(ctx).
		Preload("CategoryHistory", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&record).Error
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &record, nil
}
