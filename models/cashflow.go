package models

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CategoryResult struct {
	Category    CashFlowCategory `json:"category"`
	Confidence  float64          `json:"confidence"`
	NeedsReview bool             `json:"needs_review"`
	Source      CategorySource   `json:"source"`
	RuleId      *int             `json:"rule_id,omitempty"`
}

type CategorizeInput struct {
	Account     *Account
	Description string
	SourceType  string
	Amount      decimal.Decimal
}

type compiledRule struct {
	rule       *CashFlowRule
	conditions []MatchCondition
}

func (r compiledRule) matches(in MatchInput) bool {
	if len(r.conditions) == 0 {
		return false
	}
	for _, c := range r.conditions {
		if !c.Matches(in) {
			return false
		}
	}
	return true
}

// Categorizer classifies cash movements: non-cash keywords first, then rules
// by descending priority, then the keyword heuristic.
type Categorizer struct {
	rules    []compiledRule
	keywords *config.CashflowKeywords
}

// Heuristic ties resolve in this order.
var heuristicCategoryOrder = []CashFlowCategory{
	CashFlowCategoryFinancing,
	CashFlowCategoryInvesting,
	CashFlowCategoryOperating,
}

// NewCategorizer skips inactive rules and rules whose conditions no longer compile.
func NewCategorizer(rules []*CashFlowRule, keywords *config.CashflowKeywords) *Categorizer {
	c := &Categorizer{keywords: keywords}
	for _, r := range rules {
		if r == nil || !r.Active() {
			continue
		}
		conds, err := r.Conditions.Build()
		if err != nil || len(conds) == 0 {
			config.LogError(config.GetLogger(), "cashflow.go", "NewCategorizer", "skipping rule", r.ID, err)
			continue
		}
		c.rules = append(c.rules, compiledRule{rule: r, conditions: conds})
	}
	sort.SliceStable(c.rules, func(i, j int) bool {
		if c.rules[i].rule.Priority != c.rules[j].rule.Priority {
			return c.rules[i].rule.Priority > c.rules[j].rule.Priority
		}
		return c.rules[i].rule.ID < c.rules[j].rule.ID
	})
	return c
}

func loadCategorizer(ctx context.Context, tx *gorm.DB, businessId string) (*Categorizer, error) {
	keywords, err := config.GetCashflowKeywords()
	if err != nil {
		return nil, err
	}
	rules, err := loadActiveRules(ctx, tx, businessId)
	if err != nil {
		return nil, err
	}
	return NewCategorizer(rules, keywords), nil
}

// Categorize returns nil for accounts that are not cash-type.
func (c *Categorizer) Categorize(in CategorizeInput) *CategoryResult {
	if in.Account == nil || !in.Account.IsCashAccount() {
		return nil
	}
	if c.isNonCash(in.Description, in.SourceType) {
		return &CategoryResult{Category: CashFlowCategoryNonCash, Confidence: 1.0, Source: CategorySourceNonCash}
	}
	match := MatchInput{
		AccountId:   in.Account.ID,
		Description: in.Description,
		SourceType:  in.SourceType,
		Amount:      in.Amount.Abs(),
	}
	for _, r := range c.rules {
		if r.matches(match) {
			id := r.rule.ID
			return &CategoryResult{Category: r.rule.Category, Confidence: 1.0, Source: CategorySourceRule, RuleId: &id}
		}
	}
	return c.heuristic(in.Description)
}

func (c *Categorizer) isNonCash(description, sourceType string) bool {
	if c.keywords == nil {
		return false
	}
	desc := strings.ToLower(description)
	src := strings.ToLower(sourceType)
	for _, k := range c.keywords.NonCash {
		if k == "" {
			continue
		}
		if containsWord(desc, k) || containsWord(src, k) {
			return true
		}
	}
	return false
}

func (c *Categorizer) heuristic(description string) *CategoryResult {
	fallback := &CategoryResult{Category: CashFlowCategoryOperating, Confidence: 0.3, NeedsReview: true, Source: CategorySourceDefault}
	if c.keywords == nil {
		return fallback
	}
	if cat, err := ParseCashFlowCategory(c.keywords.Default.Category); err == nil {
		fallback.Category = cat
	}
	if c.keywords.Default.Confidence > 0 {
		fallback.Confidence = c.keywords.Default.Confidence
	}

	desc := strings.ToLower(description)
	for _, tier := range c.keywords.Tiers {
		var best CashFlowCategory
		bestScore := 0
		for _, cat := range heuristicCategoryOrder {
			score := 0
			for _, k := range tier.Keywords[string(cat)] {
				if containsWord(desc, k) {
					score++
				}
			}
			if score > bestScore {
				best, bestScore = cat, score
			}
		}
		if bestScore > 0 {
			return &CategoryResult{
				Category:    best,
				Confidence:  tier.Confidence[string(best)],
				NeedsReview: tier.NeedsReview,
				Source:      CategorySourceHeuristic,
			}
		}
	}
	return fallback
}

// containsWord reports whether keyword occurs in text starting at a word boundary.
// Both arguments are expected in lower case.
func containsWord(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	for from := 0; from <= len(text)-len(keyword); {
		i := strings.Index(text[from:], keyword)
		if i < 0 {
			return false
		}
		pos := from + i
		if pos == 0 || !isWordRune(rune(text[pos-1])) {
			return true
		}
		from = pos + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Categorize classifies a prospective cash movement on accountId and counts
// the rule hit, if any. It returns nil for non-cash accounts.
func Categorize(ctx context.Context, accountId int, description string, sourceType string, amount decimal.Decimal) (*CategoryResult, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	account, err := utils.FetchModel[Account](ctx, businessId, accountId)
	if err != nil {
		return nil, err
	}
	if !account.IsCashAccount() {
		return nil, nil
	}

	db := config.GetDB().WithContext(ctx)
	categorizer, err := loadCategorizer(ctx, db, businessId)
	if err != nil {
		return nil, err
	}
	result := categorizer.Categorize(CategorizeInput{
		Account:     account,
		Description: description,
		SourceType:  sourceType,
		Amount:      amount,
	})
	if result != nil && result.RuleId != nil {
		if err := touchRuleUsage(db, businessId, map[int]int{*result.RuleId: 1}, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	if result != nil {
		config.Metrics().Categorizations.WithLabelValues(string(result.Source), string(result.Category)).Inc()
	}
	return result, nil
}
