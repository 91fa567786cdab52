package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OverrideCategory sets the category of one ledger record by hand and appends
// the change to its history. An empty actor falls back to the context user.
func OverrideCategory(ctx context.Context, ledgerRecordId int, category CashFlowCategory, reason string, actor string) (*LedgerRecord, error) {
	records, err := BatchOverrideCategory(ctx, []int{ledgerRecordId}, category, reason, actor)
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// BatchOverrideCategory overrides all records or none. Each record still gets
// its own history row.
func BatchOverrideCategory(ctx context.Context, ledgerRecordIds []int, category CashFlowCategory, reason string, actor string) ([]*LedgerRecord, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	ids := utils.UniqueSlice(ledgerRecordIds)
	if len(ids) == 0 {
		return nil, utils.NewValidationError("EMPTY_BATCH", "no ledger records given")
	}
	if max := config.GetLedgerSettings().MaxBatchOverride; len(ids) > max {
		return nil, utils.NewValidationError("BATCH_TOO_LARGE", "at most %d records can be overridden at once, got %d", max, len(ids))
	}
	if !category.IsValid() {
		return nil, utils.NewValidationError("INVALID_CATEGORY", "unknown cash flow category %q", category)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, utils.NewValidationError("REASON_REQUIRED", "override reason is required")
	}
	if strings.TrimSpace(actor) == "" {
		actor = utils.GetActorFromContext(ctx)
	}

	var records []*LedgerRecord
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).
			Where("business_id = ? AND id IN ?", businessId, ids).
			Order("id ASC").
			Find(&records).Error; err != nil {
			return err
		}
		if missing := missingIds(ids, records); len(missing) > 0 {
			return utils.NewValidationError("UNKNOWN_RECORD", "ledger records not found: %v", missing)
		}
		for _, r := range records {
			if r.CategorySource == "" {
				return utils.NewValidationError("NOT_CASH_RECORD", "ledger record %d is not a cash movement", r.ID)
			}
		}
		return recategorizeTx(ctx, tx, businessId, records, category, CategorySourceManual, reason, actor, nil)
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("override category", err)
	}
	config.Metrics().CategoryOverride.Add(float64(len(records)))
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "BatchOverrideCategory",
		"business_id": businessId,
		"count":       len(records),
		"category":    category,
		"actor":       actor,
	}).Info("cash flow category overridden")
	return records, nil
}

func missingIds(ids []int, records []*LedgerRecord) []int {
	found := make(map[int]bool, len(records))
	for _, r := range records {
		found[r.ID] = true
	}
	var missing []int
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	sort.Ints(missing)
	return missing
}

// recategorizeTx moves records to category, writes one history row each and
// one CategoryChanged event for the batch. Records are updated in place.
func recategorizeTx(ctx context.Context, tx *gorm.DB, businessId string, records []*LedgerRecord, category CashFlowCategory, source CategorySource, reason string, actor string, ruleId *int) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	manual := source == CategorySourceManual
	history := make([]CategoryChange, 0, len(records))
	ids := make([]int, 0, len(records))
	for _, r := range records {
		history = append(history, CategoryChange{
			BusinessId:     businessId,
			LedgerRecordId: r.ID,
			FromCategory:   r.CashFlowCategory,
			ToCategory:     category,
			Source:         source,
			ChangedBy:      actor,
			ChangedAt:      now,
			Reason:         reason,
		})
		if err := tx.Model(r).Updates(map[string]interface{}{
			"cash_flow_category":  category,
			"category_confidence": 1.0,
			"category_source":     source,
			"category_rule_id":    ruleId,
			"needs_review":        false,
			"manual_override":     manual,
			"categorized_at":      &now,
		}).Error; err != nil {
			return err
		}
		r.CashFlowCategory = category
		r.CategoryConfidence = 1.0
		r.CategorySource = source
		r.CategoryRuleId = ruleId
		r.NeedsReview = false
		r.ManualOverride = manual
		r.CategorizedAt = &now
		ids = append(ids, r.ID)
	}
	if err := tx.Create(&history).Error; err != nil {
		return err
	}
	for i := range records {
		records[i].CategoryHistory = append(records[i].CategoryHistory, history[i])
	}
	payload := CategoryChangedPayload{LedgerRecordIds: ids, To: category, ChangedBy: actor, Reason: reason}
	return publishEvent(ctx, tx, businessId, EventTypeCategoryChanged, "ledger_record", ids[0], payload)
}

// ApplyRuleToHistory re-runs one rule over posted cash records dated in
// [from, to]. Manual overrides and non-cash records are left alone. It
// returns how many records changed category.
func ApplyRuleToHistory(ctx context.Context, ruleId int, from, to time.Time) (int, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return 0, err
	}
	from, to = utils.DateOnly(from), utils.DateOnly(to)
	if to.Before(from) {
		return 0, utils.NewValidationError("INVALID_DATE_RANGE", "to date is before from date")
	}
	limit := config.GetLedgerSettings().MaxRuleBackfill
	actor := utils.GetActorFromContext(ctx)

	changed := 0
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rule, err := getRuleTx(tx, businessId, ruleId)
		if err != nil {
			return err
		}
		if !rule.Active() {
			return utils.NewValidationError("RULE_INACTIVE", "rule %q is inactive", rule.Name)
		}
		conds, err := rule.Conditions.Build()
		if err != nil {
			return err
		}
		compiled := compiledRule{rule: rule, conditions: conds}

		var cashAccountIds []int
		if err := tx.Model(&Account{}).
			Where("business_id = ? AND detail_type IN ?", businessId, []AccountDetailType{AccountDetailTypeCash, AccountDetailTypeBank}).
			Pluck("id", &cashAccountIds).Error; err != nil {
			return err
		}
		if len(cashAccountIds) == 0 {
			return nil
		}

		var candidates []*LedgerRecord
		if err := tx.Clauses(forUpdate()).
			Where("business_id = ? AND account_id IN ? AND transaction_date >= ? AND transaction_date <= ?", businessId, cashAccountIds, from, to).
			Where("manual_override = ? AND category_source <> ?", false, CategorySourceNonCash).
			Order("transaction_date ASC, id ASC").
			Limit(limit + 1).
			Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) > limit {
			return utils.NewValidationError("BACKFILL_TOO_LARGE", "more than %d records in window; narrow the date range", limit)
		}

		var matched []*LedgerRecord
		for _, r := range candidates {
			in := MatchInput{AccountId: r.AccountId, Description: r.Description, SourceType: r.SourceType, Amount: r.Amount()}
			if !compiled.matches(in) {
				continue
			}
			if r.CashFlowCategory == rule.Category && r.CategorySource == CategorySourceRule {
				continue
			}
			matched = append(matched, r)
		}
		id := rule.ID
		reason := fmt.Sprintf("rule %q applied to history", rule.Name)
		if err := recategorizeTx(ctx, tx, businessId, matched, rule.Category, CategorySourceRule, reason, actor, &id); err != nil {
			return err
		}
		changed = len(matched)
		return touchRuleUsage(tx, businessId, map[int]int{rule.ID: changed}, time.Now().UTC())
	})
	if err != nil {
		return 0, utils.ClassifyStorageError("apply rule to history", err)
	}
	return changed, nil
}

// ListRecordsNeedingReview returns low-confidence categorizations, oldest first, and the total count.
func ListRecordsNeedingReview(ctx context.Context, page *Pagination) ([]*LedgerRecord, int64, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, 0, err
	}
	limit, offset := page.normalize()
	db := config.GetDB()
	q := db.WithContext(ctx).Model(&LedgerRecord{}).
		Where("business_id = ? AND needs_review = ? AND manual_override = ?", businessId, true, false).
		Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var records []*LedgerRecord
	if err := q.Order("transaction_date ASC, id ASC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}
