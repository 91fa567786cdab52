package config

import (
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// LedgerSettings carries the tunables of the posting and audit engines.
//
// Set via env:
// - LEDGER_AMOUNT_TOLERANCE=0.01
// - LEDGER_RETAINED_EARNINGS_CODE=3200
// - LEDGER_AUTO_REPAIR_LIMIT=10
// - LEDGER_MAX_BATCH_OVERRIDE=1000
// - LEDGER_MAX_RULE_BACKFILL=5000
// - LEDGER_DUPLICATE_WINDOW_HOURS=24
// - LEDGER_DUPLICATE_SIMILARITY=0.8
// - LEDGER_RECONCILE_DATE_WINDOW_DAYS=3
// - LEDGER_APPROVAL_REQUIRED_KINDS="JOURNAL"
// - LEDGER_NUMBER_ALLOCATOR=db|redis
type LedgerSettings struct {
	AmountTolerance        decimal.Decimal
	RetainedEarningsCode   string
	AutoRepairLimit        int
	MaxBatchOverride       int
	MaxRuleBackfill        int
	DuplicateWindowHours   int
	DuplicateSimilarity    float64
	ReconcileDateWindow    int
	ApprovalRequiredKinds  []string
	NumberAllocator        string
	SequenceCreateAttempts int
}

var (
	ledgerSettings     *LedgerSettings
	ledgerSettingsOnce sync.Once
	ledgerSettingsMu   sync.RWMutex
)

func DefaultLedgerSettings() LedgerSettings {
	return LedgerSettings{
		AmountTolerance:        decimal.NewFromFloat(0.01),
		RetainedEarningsCode:   "3200",
		AutoRepairLimit:        10,
		MaxBatchOverride:       1000,
		MaxRuleBackfill:        5000,
		DuplicateWindowHours:   24,
		DuplicateSimilarity:    0.8,
		ReconcileDateWindow:    3,
		ApprovalRequiredKinds:  []string{"JOURNAL"},
		NumberAllocator:        "db",
		SequenceCreateAttempts: 5,
	}
}

func loadLedgerSettings() *LedgerSettings {
	s := DefaultLedgerSettings()
	if v := strings.TrimSpace(os.Getenv("LEDGER_AMOUNT_TOLERANCE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			s.AmountTolerance = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("LEDGER_RETAINED_EARNINGS_CODE")); v != "" {
		s.RetainedEarningsCode = v
	}
	s.AutoRepairLimit = intFromEnv("LEDGER_AUTO_REPAIR_LIMIT", s.AutoRepairLimit)
	s.MaxBatchOverride = intFromEnv("LEDGER_MAX_BATCH_OVERRIDE", s.MaxBatchOverride)
	s.MaxRuleBackfill = intFromEnv("LEDGER_MAX_RULE_BACKFILL", s.MaxRuleBackfill)
	s.DuplicateWindowHours = intFromEnv("LEDGER_DUPLICATE_WINDOW_HOURS", s.DuplicateWindowHours)
	s.ReconcileDateWindow = intFromEnv("LEDGER_RECONCILE_DATE_WINDOW_DAYS", s.ReconcileDateWindow)
	if v := strings.TrimSpace(os.Getenv("LEDGER_DUPLICATE_SIMILARITY")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			f, _ := d.Float64()
			if f > 0 && f < 1 {
				s.DuplicateSimilarity = f
			}
		}
	}
	if raw, ok := os.LookupEnv("LEDGER_APPROVAL_REQUIRED_KINDS"); ok {
		s.ApprovalRequiredKinds = nil
		for _, part := range strings.Split(raw, ",") {
			if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
				s.ApprovalRequiredKinds = append(s.ApprovalRequiredKinds, p)
			}
		}
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_NUMBER_ALLOCATOR"))); v != "" {
		s.NumberAllocator = v
	}
	return &s
}

// GetLedgerSettings returns the process-wide settings, loading them from env on first use.
func GetLedgerSettings() LedgerSettings {
	ledgerSettingsOnce.Do(func() {
		ledgerSettingsMu.Lock()
		if ledgerSettings == nil {
			ledgerSettings = loadLedgerSettings()
		}
		ledgerSettingsMu.Unlock()
	})
	ledgerSettingsMu.RLock()
	defer ledgerSettingsMu.RUnlock()
	return *ledgerSettings
}

// SetLedgerSettings replaces the settings. Tests use it.
func SetLedgerSettings(s LedgerSettings) {
	ledgerSettingsOnce.Do(func() {})
	ledgerSettingsMu.Lock()
	ledgerSettings = &s
	ledgerSettingsMu.Unlock()
}

// RequiresApproval reports whether entries of kind must be APPROVED before posting.
// Kind keys are case-insensitive.
func RequiresApproval(kind string) bool {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if kind == "" {
		return false
	}
	for _, k := range GetLedgerSettings().ApprovalRequiredKinds {
		if k == kind {
			return true
		}
	}
	return false
}
