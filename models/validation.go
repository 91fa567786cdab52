package models

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

// Rule codes reported in ValidationError violations.
const (
	RuleEmptyLines         = "EMPTY_LINES"
	RuleUnknownAccount     = "UNKNOWN_ACCOUNT"
	RuleInactiveAccount    = "INACTIVE_ACCOUNT"
	RuleNegativeAmount     = "NEGATIVE_AMOUNT"
	RuleNonExclusiveAmount = "NON_EXCLUSIVE_AMOUNT"
	RuleUnbalanced         = "UNBALANCED"
)

type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Violations  []utils.Violation `json:"violations"`
	TotalDebit  decimal.Decimal   `json:"total_debit"`
	TotalCredit decimal.Decimal   `json:"total_credit"`
}

// Err returns the result as a ValidationError, or nil when valid.
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	return &utils.ValidationError{Violations: r.Violations}
}

func (r *ValidationResult) add(line int, rule string, format string, args ...any) {
	r.Violations = append(r.Violations, utils.Violation{Line: line, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// CheckEntryLines validates lines against the given accounts without touching
// storage. Every failing line is reported, numbered from 1.
func CheckEntryLines(lines []EntryLine, accounts map[int]*Account, tolerance decimal.Decimal) *ValidationResult {
	result := &ValidationResult{TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	if len(lines) == 0 {
		result.add(0, RuleEmptyLines, "an entry needs at least one line")
		return result
	}

	for i, line := range lines {
		n := i + 1
		account, ok := accounts[line.AccountId]
		switch {
		case !ok || account == nil:
			result.add(n, RuleUnknownAccount, "account %d does not exist", line.AccountId)
		case !account.Active():
			result.add(n, RuleInactiveAccount, "account %s is inactive", account.Code)
		}

		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			result.add(n, RuleNegativeAmount, "debit and credit must not be negative")
		} else if line.Debit.IsPositive() == line.Credit.IsPositive() {
			result.add(n, RuleNonExclusiveAmount, "exactly one of debit or credit must be greater than zero")
		}

		result.TotalDebit = result.TotalDebit.Add(line.Debit)
		result.TotalCredit = result.TotalCredit.Add(line.Credit)
	}

	if !utils.WithinTolerance(result.TotalDebit, result.TotalCredit, tolerance) {
		result.add(0, RuleUnbalanced, "debits %s and credits %s differ by %s",
			result.TotalDebit.StringFixed(2), result.TotalCredit.StringFixed(2),
			result.TotalDebit.Sub(result.TotalCredit).Abs().StringFixed(2))
	}

	result.Valid = len(result.Violations) == 0
	return result
}

// ValidateEntry checks a proposed entry. It only reads account state.
func ValidateEntry(ctx context.Context, input *NewEntry) (*ValidationResult, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	lines := buildEntryLines(businessId, input.Lines)
	ids := make([]int, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.AccountId)
	}
	db := config.GetDB()
	accounts, err := loadAccountsTx(db.WithContext(ctx), businessId, utils.UniqueSlice(ids))
	if err != nil {
		return nil, utils.ClassifyStorageError("validate entry", err)
	}
	return CheckEntryLines(lines, accounts, config.GetLedgerSettings().AmountTolerance), nil
}
