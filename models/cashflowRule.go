package models

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MatchInput is what a rule condition sees of one cash movement.
type MatchInput struct {
	AccountId   int
	Description string
	SourceType  string
	Amount      decimal.Decimal
}

type MatchCondition interface {
	Matches(in MatchInput) bool
}

type AccountIn struct {
	AccountIds []int
}

func (c AccountIn) Matches(in MatchInput) bool {
	for _, id := range c.AccountIds {
		if id == in.AccountId {
			return true
		}
	}
	return false
}

// DescriptionContains matches when any keyword occurs in the description, ignoring case.
type DescriptionContains struct {
	Keywords []string
}

func (c DescriptionContains) Matches(in MatchInput) bool {
	desc := strings.ToLower(in.Description)
	for _, k := range c.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(desc, k) {
			return true
		}
	}
	return false
}

type DescriptionRegex struct {
	Pattern *regexp.Regexp
}

func (c DescriptionRegex) Matches(in MatchInput) bool {
	return c.Pattern != nil && c.Pattern.MatchString(in.Description)
}

// AmountRange is inclusive on both ends; a nil bound is open.
type AmountRange struct {
	Min *decimal.Decimal
	Max *decimal.Decimal
}

func (c AmountRange) Matches(in MatchInput) bool {
	if c.Min != nil && in.Amount.LessThan(*c.Min) {
		return false
	}
	if c.Max != nil && in.Amount.GreaterThan(*c.Max) {
		return false
	}
	return true
}

type SourceTypeIn struct {
	SourceTypes []string
}

func (c SourceTypeIn) Matches(in MatchInput) bool {
	for _, s := range c.SourceTypes {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(in.SourceType)) {
			return true
		}
	}
	return false
}

// AnyOf matches when at least one of its conditions does.
type AnyOf []MatchCondition

func (c AnyOf) Matches(in MatchInput) bool {
	for _, cond := range c {
		if cond.Matches(in) {
			return true
		}
	}
	return false
}

// RuleConditions is the stored form of a rule's condition set. Absent fields
// are not checked.
type RuleConditions struct {
	AccountIds          []int            `json:"account_ids,omitempty"`
	DescriptionContains []string         `json:"description_contains,omitempty"`
	DescriptionRegex    string           `json:"description_regex,omitempty"`
	AmountMin           *decimal.Decimal `json:"amount_min,omitempty"`
	AmountMax           *decimal.Decimal `json:"amount_max,omitempty"`
	SourceTypes         []string         `json:"source_types,omitempty"`
}

// Build compiles the present conditions. Keyword and regex description checks
// form one condition that passes when either matches.
func (c RuleConditions) Build() ([]MatchCondition, error) {
	var conds []MatchCondition
	if len(c.AccountIds) > 0 {
		conds = append(conds, AccountIn{AccountIds: c.AccountIds})
	}

	var desc AnyOf
	if len(c.DescriptionContains) > 0 {
		desc = append(desc, DescriptionContains{Keywords: c.DescriptionContains})
	}
	if c.DescriptionRegex != "" {
		re, err := regexp.Compile("(?i)" + c.DescriptionRegex)
		if err != nil {
			return nil, utils.NewValidationError("INVALID_REGEX", "description regex does not compile: %v", err)
		}
		desc = append(desc, DescriptionRegex{Pattern: re})
	}
	switch len(desc) {
	case 0:
	case 1:
		conds = append(conds, desc[0])
	default:
		conds = append(conds, desc)
	}

	if c.AmountMin != nil || c.AmountMax != nil {
		if c.AmountMin != nil && c.AmountMax != nil && c.AmountMin.GreaterThan(*c.AmountMax) {
			return nil, utils.NewValidationError("INVALID_AMOUNT_RANGE", "amount_min is greater than amount_max")
		}
		conds = append(conds, AmountRange{Min: c.AmountMin, Max: c.AmountMax})
	}
	if len(c.SourceTypes) > 0 {
		conds = append(conds, SourceTypeIn{SourceTypes: c.SourceTypes})
	}
	return conds, nil
}

type CashFlowRule struct {
	ID            int              `gorm:"primary_key" json:"id"`
	BusinessId    string           `gorm:"size:64;not null;index;index:uniq_cash_flow_rule_name,unique" json:"business_id"`
	Name          string           `gorm:"size:100;not null;index:uniq_cash_flow_rule_name,unique" json:"name"`
	Description   string           `gorm:"type:text" json:"description"`
	Category      CashFlowCategory `gorm:"size:20;not null" json:"category"`
	Priority      int              `gorm:"not null;default:0;index" json:"priority"`
	IsActive      *bool            `gorm:"not null;default:true" json:"is_active"`
	Conditions    RuleConditions   `gorm:"serializer:json;type:text" json:"conditions"`
	UsageCount    int64            `gorm:"not null;default:0" json:"usage_count"`
	LastAppliedAt *time.Time       `json:"last_applied_at"`
	CreatedBy     string           `gorm:"size:100" json:"created_by"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCashFlowRule struct {
	Name        string           `json:"name" validate:"required,max=100"`
	Description string           `json:"description"`
	Category    CashFlowCategory `json:"category" validate:"required"`
	Priority    int              `json:"priority"`
	Conditions  RuleConditions   `json:"conditions"`
}

func (r *CashFlowRule) Active() bool {
	return r.IsActive != nil && *r.IsActive
}

func (input *NewCashFlowRule) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Category.IsValid() {
		return utils.NewValidationError("INVALID_CATEGORY", "unknown cash flow category %q", input.Category)
	}
	conds, err := input.Conditions.Build()
	if err != nil {
		return err
	}
	if len(conds) == 0 {
		return utils.NewValidationError("EMPTY_CONDITIONS", "a rule needs at least one condition")
	}
	return nil
}

func CreateCashFlowRule(ctx context.Context, input *NewCashFlowRule) (*CashFlowRule, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	rule := CashFlowRule{
		BusinessId:  businessId,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		Category:    input.Category,
		Priority:    input.Priority,
		IsActive:    utils.NewTrue(),
		Conditions:  input.Conditions,
		CreatedBy:   utils.GetActorFromContext(ctx),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&rule).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewValidationError("DUPLICATE_RULE_NAME", "rule %q already exists", rule.Name)
		}
		return nil, err
	}
	invalidateRuleCache(ctx, businessId)
	return &rule, nil
}

func UpdateCashFlowRule(ctx context.Context, id int, input *NewCashFlowRule) (*CashFlowRule, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	rule, err := utils.FetchModel[CashFlowRule](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	rule.Name = strings.TrimSpace(input.Name)
	rule.Description = input.Description
	rule.Category = input.Category
	rule.Priority = input.Priority
	rule.Conditions = input.Conditions

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(rule).Select("Name", "Description", "Category", "Priority", "Conditions").Updates(rule).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewValidationError("DUPLICATE_RULE_NAME", "rule %q already exists", rule.Name)
		}
		return nil, err
	}
	invalidateRuleCache(ctx, businessId)
	return rule, nil
}

func DeactivateCashFlowRule(ctx context.Context, id int) (*CashFlowRule, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	rule, err := utils.FetchModel[CashFlowRule](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&CashFlowRule{}).
		Where("business_id = ? AND id = ?", businessId, id).
		Update("is_active", false).Error; err != nil {
		return nil, err
	}
	rule.IsActive = utils.NewFalse()
	invalidateRuleCache(ctx, businessId)
	return rule, nil
}

// ListCashFlowRules returns rules in evaluation order.
func ListCashFlowRules(ctx context.Context, activeOnly bool) ([]*CashFlowRule, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if activeOnly {
		dbCtx = dbCtx.Where("is_active = ?", true)
	}
	var rules []*CashFlowRule
	err = dbCtx.Order("priority DESC, id ASC").Find(&rules).Error
	return rules, err
}

// loadActiveRules reads through the redis list cache when it is available.
// Cached copies carry stale usage counters, which matching never reads.
func loadActiveRules(ctx context.Context, tx *gorm.DB, businessId string) ([]*CashFlowRule, error) {
	if cached, err := utils.RetrieveRedisList[CashFlowRule](ctx, businessId); err == nil && cached != nil {
		return cached, nil
	}
	var rules []*CashFlowRule
	if err := tx.Where("business_id = ? AND is_active = ?", businessId, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	if err := utils.StoreRedisList(ctx, businessId, rules); err != nil {
		config.LogError(config.GetLogger(), "cashflowRule.go", "loadActiveRules", "caching rules", businessId, err)
	}
	return rules, nil
}

func invalidateRuleCache(ctx context.Context, businessId string) {
	if err := utils.RemoveRedisList[CashFlowRule](ctx, businessId); err != nil {
		config.LogError(config.GetLogger(), "cashflowRule.go", "invalidateRuleCache", "removing cached rules", businessId, err)
	}
}

// touchRuleUsage adds hits to the rules' usage counters.
func touchRuleUsage(tx *gorm.DB, businessId string, hits map[int]int, at time.Time) error {
	for id, n := range hits {
		if n <= 0 {
			continue
		}
		if err := tx.Model(&CashFlowRule{}).
			Where("business_id = ? AND id = ?", businessId, id).
			Updates(map[string]interface{}{
				"usage_count":     gorm.Expr("usage_count + ?", n),
				"last_applied_at": at,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func getRuleTx(tx *gorm.DB, businessId string, id int) (*CashFlowRule, error) {
	var rule CashFlowRule
	err := tx.Where("business_id = ? AND id = ?", businessId, id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
