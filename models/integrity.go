package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const integrityBatchSize = 1000

// IntegrityIssueRecord is one finding of an audit run, kept for operator review.
type IntegrityIssueRecord struct {
	ID            int                `gorm:"primary_key" json:"id"`
	BusinessId    string             `gorm:"size:64;index;not null" json:"business_id"`
	CheckType     IntegrityCheckType `gorm:"size:50;index;not null" json:"check_type"`
	Severity      Severity           `gorm:"size:10;index;not null" json:"severity"`
	EntityType    string             `gorm:"size:50;index;not null" json:"entity_type"`
	EntityId      int                `gorm:"index;not null" json:"entity_id"`
	Details       string             `gorm:"type:text" json:"details"`
	Repaired      bool               `gorm:"not null;default:false" json:"repaired"`
	CorrelationId string             `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

type IntegrityIssue struct {
	CheckType  IntegrityCheckType `json:"check_type"`
	Severity   Severity           `json:"severity"`
	EntityType string             `json:"entity_type"`
	EntityId   int                `json:"entity_id"`
	Details    string             `json:"details"`
	Expected   decimal.Decimal    `json:"expected"`
	Actual     decimal.Decimal    `json:"actual"`
	Repaired   bool               `json:"repaired"`
}

// IntegrityReport summarizes one check of one run.
type IntegrityReport struct {
	CheckType     IntegrityCheckType `json:"check_type"`
	Status        ReportStatus       `json:"status"`
	CorrelationId string             `json:"correlation_id"`
	Checked       int                `json:"checked"`
	Issues        []IntegrityIssue   `json:"issues"`
	RepairedCount int                `json:"repaired_count"`
	RepairSkipped bool               `json:"repair_skipped"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
}

// Err reports unrepaired balance mismatches and unbalanced entries as an IntegrityViolation.
func (r *IntegrityReport) Err() error {
	if r.CheckType != IntegrityCheckBalance && r.CheckType != IntegrityCheckUnbalanced {
		return nil
	}
	open := 0
	for _, issue := range r.Issues {
		if !issue.Repaired {
			open++
		}
	}
	if open == 0 {
		return nil
	}
	return &utils.IntegrityViolation{CheckType: string(r.CheckType), Message: fmt.Sprintf("%d unresolved issue(s)", open)}
}

func (r *IntegrityReport) finish() {
	r.FinishedAt = time.Now().UTC()
	r.Status = ReportStatusSuccess
	for _, issue := range r.Issues {
		if issue.Repaired {
			continue
		}
		if issue.Severity == SeverityHigh {
			r.Status = ReportStatusError
			return
		}
		r.Status = ReportStatusWarning
	}
}

// BalanceSeverity grades a balance mismatch by the size of the difference.
func BalanceSeverity(diff decimal.Decimal) Severity {
	abs := diff.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return SeverityHigh
	case abs.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// CheckAccountBalances compares each active account's stored balance with
// openingBalance plus the signed deltas of its ledger records.
func CheckAccountBalances(accounts []*Account, deltas map[int]decimal.Decimal, tolerance decimal.Decimal) []IntegrityIssue {
	var issues []IntegrityIssue
	for _, a := range accounts {
		if !a.Active() {
			continue
		}
		expected := a.OpeningBalance.Add(deltas[a.ID])
		diff := a.Balance.Sub(expected)
		if !diff.Abs().GreaterThan(tolerance) {
			continue
		}
		issues = append(issues, IntegrityIssue{
			CheckType:  IntegrityCheckBalance,
			Severity:   BalanceSeverity(diff),
			EntityType: "Account",
			EntityId:   a.ID,
			Details:    fmt.Sprintf("account %s balance=%s != recomputed=%s (diff %s)", a.Code, a.Balance.StringFixed(4), expected.StringFixed(4), diff.StringFixed(4)),
			Expected:   expected,
			Actual:     a.Balance,
		})
	}
	return issues
}

// EntryTotals are the summed lines of one posted entry.
type EntryTotals struct {
	EntryId     int
	EntryNumber string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
}

func CheckUnbalancedEntries(totals []EntryTotals, tolerance decimal.Decimal) []IntegrityIssue {
	var issues []IntegrityIssue
	for _, t := range totals {
		if !t.Debit.Sub(t.Credit).Abs().GreaterThan(tolerance) {
			continue
		}
		issues = append(issues, IntegrityIssue{
			CheckType:  IntegrityCheckUnbalanced,
			Severity:   SeverityHigh,
			EntityType: "Entry",
			EntityId:   t.EntryId,
			Details:    fmt.Sprintf("entry %s debits %s != credits %s", t.EntryNumber, t.Debit.StringFixed(4), t.Credit.StringFixed(4)),
			Expected:   t.Debit,
			Actual:     t.Credit,
		})
	}
	return issues
}

type DuplicateCandidate struct {
	EntryId     int
	EntryNumber string
	EntryDate   time.Time
	Amount      decimal.Decimal
	Description string
}

// DescriptionSimilarity is 1 - editDistance/maxLength over the trimmed,
// lower-cased descriptions. Two empty strings are identical.
func DescriptionSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// FindDuplicateEntries flags pairs of same-day, same-amount entries whose
// descriptions are more similar than threshold. Each pair is reported once,
// against the later entry.
func FindDuplicateEntries(candidates []DuplicateCandidate, threshold float64) []IntegrityIssue {
	groups := make(map[string][]DuplicateCandidate)
	var keys []string
	for _, c := range candidates {
		key := utils.DateOnly(c.EntryDate).Format("2006-01-02") + "|" + c.Amount.StringFixed(4)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], c)
	}
	sort.Strings(keys)

	var issues []IntegrityIssue
	for _, key := range keys {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool { return group[i].EntryId < group[j].EntryId })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				similarity := DescriptionSimilarity(group[i].Description, group[j].Description)
				if similarity <= threshold {
					continue
				}
				issues = append(issues, IntegrityIssue{
					CheckType:  IntegrityCheckDuplicate,
					Severity:   SeverityLow,
					EntityType: "Entry",
					EntityId:   group[j].EntryId,
					Details: fmt.Sprintf("entry %s looks like a duplicate of %s (similarity %.2f, amount %s)",
						group[j].EntryNumber, group[i].EntryNumber, similarity, group[j].Amount.StringFixed(2)),
					Expected: group[i].Amount,
					Actual:   group[j].Amount,
				})
			}
		}
	}
	return issues
}

// AccountRef is a row that points at an account.
type AccountRef struct {
	EntityType string
	EntityId   int
	AccountId  int
}

func FindOrphanReferences(refs []AccountRef, accounts map[int]*Account) []IntegrityIssue {
	var issues []IntegrityIssue
	for _, ref := range refs {
		if _, ok := accounts[ref.AccountId]; ok {
			continue
		}
		issues = append(issues, IntegrityIssue{
			CheckType:  IntegrityCheckOrphan,
			Severity:   SeverityMedium,
			EntityType: ref.EntityType,
			EntityId:   ref.EntityId,
			Details:    fmt.Sprintf("%s %d references missing account %d", ref.EntityType, ref.EntityId, ref.AccountId),
		})
	}
	return issues
}

// ledgerSnapshot is the committed state the checks run over.
type ledgerSnapshot struct {
	accounts     []*Account
	accountsById map[int]*Account
	deltas       map[int]decimal.Decimal
	totals       []EntryTotals
	recent       []DuplicateCandidate
	refs         []AccountRef
	recordCount  int
}

type auditLedgerRow struct {
	ID        int
	AccountId int
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

type auditLineRow struct {
	ID        int
	EntryId   int
	AccountId int
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

func loadLedgerSnapshot(ctx context.Context, businessId string, checks map[IntegrityCheckType]bool, now time.Time) (*ledgerSnapshot, error) {
	snap := &ledgerSnapshot{accountsById: map[int]*Account{}, deltas: map[int]decimal.Decimal{}}
	settings := config.GetLedgerSettings()
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("business_id = ?", businessId).Order("id ASC").Find(&snap.accounts).Error; err != nil {
			return err
		}
		for _, a := range snap.accounts {
			snap.accountsById[a.ID] = a
		}

		if checks[IntegrityCheckBalance] || checks[IntegrityCheckOrphan] {
			lastId := 0
			for {
				var rows []auditLedgerRow
				if err := tx.Model(&LedgerRecord{}).
					Select("id, account_id, debit, credit").
					Where("business_id = ? AND id > ?", businessId, lastId).
					Order("id ASC").Limit(integrityBatchSize).
					Find(&rows).Error; err != nil {
					return err
				}
				for _, r := range rows {
					snap.recordCount++
					if a, ok := snap.accountsById[r.AccountId]; ok {
						snap.deltas[r.AccountId] = snap.deltas[r.AccountId].Add(a.SignedDelta(r.Debit, r.Credit))
					} else {
						snap.refs = append(snap.refs, AccountRef{EntityType: "LedgerRecord", EntityId: r.ID, AccountId: r.AccountId})
					}
				}
				if len(rows) < integrityBatchSize {
					break
				}
				lastId = rows[len(rows)-1].ID
			}
		}

		if checks[IntegrityCheckUnbalanced] || checks[IntegrityCheckOrphan] {
			var entries []*Entry
			if err := tx.Select("id, entry_number, posted_at").
				Where("business_id = ?", businessId).
				Find(&entries).Error; err != nil {
				return err
			}
			byId := make(map[int]*EntryTotals)
			for _, e := range entries {
				if e.PostedAt == nil {
					continue
				}
				byId[e.ID] = &EntryTotals{EntryId: e.ID, EntryNumber: e.EntryNumber, Debit: decimal.Zero, Credit: decimal.Zero}
			}
			lastId := 0
			for {
				var rows []auditLineRow
				if err := tx.Model(&EntryLine{}).
					Select("id, entry_id, account_id, debit, credit").
					Where("business_id = ? AND id > ?", businessId, lastId).
					Order("id ASC").Limit(integrityBatchSize).
					Find(&rows).Error; err != nil {
					return err
				}
				for _, r := range rows {
					if _, ok := snap.accountsById[r.AccountId]; !ok {
						snap.refs = append(snap.refs, AccountRef{EntityType: "EntryLine", EntityId: r.ID, AccountId: r.AccountId})
					}
					if t, ok := byId[r.EntryId]; ok {
						t.Debit = t.Debit.Add(r.Debit)
						t.Credit = t.Credit.Add(r.Credit)
					}
				}
				if len(rows) < integrityBatchSize {
					break
				}
				lastId = rows[len(rows)-1].ID
			}
			for _, t := range byId {
				snap.totals = append(snap.totals, *t)
			}
			sort.Slice(snap.totals, func(i, j int) bool { return snap.totals[i].EntryId < snap.totals[j].EntryId })
		}

		if checks[IntegrityCheckDuplicate] {
			since := utils.DateOnly(now.Add(-time.Duration(settings.DuplicateWindowHours) * time.Hour))
			var entries []*Entry
			if err := tx.Where("business_id = ? AND posted_at IS NOT NULL AND entry_date >= ? AND kind NOT IN ?",
				businessId, since, []EntryKind{EntryKindReversal, EntryKindClosing}).
				Order("id ASC").
				Find(&entries).Error; err != nil {
				return err
			}
			for _, e := range entries {
				snap.recent = append(snap.recent, DuplicateCandidate{
					EntryId:     e.ID,
					EntryNumber: e.EntryNumber,
					EntryDate:   e.EntryDate,
					Amount:      e.TotalDebit,
					Description: e.Description,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RunIntegrityChecks runs every check over one snapshot. With autoRepair,
// balance mismatches are overwritten with recomputed values, but only when
// there are at most LEDGER_AUTO_REPAIR_LIMIT of them.
func RunIntegrityChecks(ctx context.Context, autoRepair bool) ([]*IntegrityReport, error) {
	return RunSelectedChecks(ctx, autoRepair,
		IntegrityCheckBalance, IntegrityCheckUnbalanced, IntegrityCheckDuplicate, IntegrityCheckOrphan)
}

// RunSelectedChecks runs the named checks; reports follow the argument order.
func RunSelectedChecks(ctx context.Context, autoRepair bool, checkTypes ...IntegrityCheckType) ([]*IntegrityReport, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.RunIntegrityChecks")
	defer span.End()
	correlationId := correlationIdFromContextOrNew(ctx)
	span.SetAttributes(attribute.String("business.id", businessId), attribute.String("correlation.id", correlationId))

	settings := config.GetLedgerSettings()
	now := time.Now().UTC()
	wanted := make(map[IntegrityCheckType]bool, len(checkTypes))
	for _, c := range checkTypes {
		wanted[c] = true
	}
	snap, err := loadLedgerSnapshot(ctx, businessId, wanted, now)
	if err != nil {
		span.RecordError(err)
		return nil, utils.ClassifyStorageError("integrity snapshot", err)
	}

	var reports []*IntegrityReport
	for _, checkType := range checkTypes {
		report := &IntegrityReport{CheckType: checkType, CorrelationId: correlationId, StartedAt: now}
		switch checkType {
		case IntegrityCheckBalance:
			report.Checked = len(snap.accounts)
			report.Issues = CheckAccountBalances(snap.accounts, snap.deltas, settings.AmountTolerance)
			if autoRepair && len(report.Issues) > 0 {
				if len(report.Issues) > settings.AutoRepairLimit {
					report.RepairSkipped = true
				} else if err := repairBalances(ctx, businessId, report, settings.AmountTolerance); err != nil {
					span.RecordError(err)
					return nil, utils.ClassifyStorageError("balance repair", err)
				}
			}
		case IntegrityCheckUnbalanced:
			report.Checked = len(snap.totals)
			report.Issues = CheckUnbalancedEntries(snap.totals, settings.AmountTolerance)
		case IntegrityCheckDuplicate:
			report.Checked = len(snap.recent)
			report.Issues = FindDuplicateEntries(snap.recent, settings.DuplicateSimilarity)
		case IntegrityCheckOrphan:
			report.Checked = snap.recordCount
			report.Issues = FindOrphanReferences(snap.refs, snap.accountsById)
		default:
			return nil, utils.NewValidationError("UNKNOWN_CHECK", "unknown integrity check %q", checkType)
		}
		report.finish()
		reports = append(reports, report)
	}

	if err := saveIntegrityIssues(ctx, businessId, correlationId, reports); err != nil {
		config.LogError(config.GetLogger(), "models", "RunIntegrityChecks", "save issues", correlationId, err)
	}
	logger := config.GetLogger()
	for _, r := range reports {
		for _, issue := range r.Issues {
			config.Metrics().IntegrityIssues.WithLabelValues(string(issue.CheckType), string(issue.Severity)).Inc()
		}
		entry := logger.WithFields(logrus.Fields{
			"field":          "RunIntegrityChecks",
			"business_id":    businessId,
			"correlation_id": correlationId,
			"check":          r.CheckType,
			"checked":        r.Checked,
			"issues":         len(r.Issues),
			"repaired":       r.RepairedCount,
		})
		if r.Status == ReportStatusSuccess {
			entry.Info("integrity check passed")
		} else {
			entry.Warn("integrity check found issues")
		}
	}
	return reports, nil
}

// repairBalances recomputes each mismatched account under its row lock and
// writes the recomputed balance when it still disagrees.
func repairBalances(ctx context.Context, businessId string, report *IntegrityReport, tolerance decimal.Decimal) error {
	ids := make([]int, 0, len(report.Issues))
	for _, issue := range report.Issues {
		ids = append(ids, issue.EntityId)
	}
	repaired := make(map[int]decimal.Decimal)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accounts, err := lockAccounts(tx, businessId, ids)
		if err != nil {
			return err
		}
		for _, id := range utils.UniqueSlice(ids) {
			a, ok := accounts[id]
			if !ok {
				continue
			}
			var rows []auditLedgerRow
			if err := tx.Model(&LedgerRecord{}).
				Select("id, account_id, debit, credit").
				Where("business_id = ? AND account_id = ?", businessId, id).
				Find(&rows).Error; err != nil {
				return err
			}
			expected := a.OpeningBalance
			for _, r := range rows {
				expected = expected.Add(a.SignedDelta(r.Debit, r.Credit))
			}
			if !a.Balance.Sub(expected).Abs().GreaterThan(tolerance) {
				continue
			}
			if err := tx.Model(&Account{}).
				Where("business_id = ? AND id = ?", businessId, id).
				Update("balance", expected).Error; err != nil {
				return err
			}
			repaired[id] = expected
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range report.Issues {
		if expected, ok := repaired[report.Issues[i].EntityId]; ok {
			report.Issues[i].Repaired = true
			report.Issues[i].Expected = expected
			report.RepairedCount++
		}
	}
	config.Metrics().BalanceRepairs.Add(float64(report.RepairedCount))
	return nil
}

func saveIntegrityIssues(ctx context.Context, businessId string, correlationId string, reports []*IntegrityReport) error {
	var rows []IntegrityIssueRecord
	for _, r := range reports {
		for _, issue := range r.Issues {
			rows = append(rows, IntegrityIssueRecord{
				BusinessId:    businessId,
				CheckType:     issue.CheckType,
				Severity:      issue.Severity,
				EntityType:    issue.EntityType,
				EntityId:      issue.EntityId,
				Details:       issue.Details,
				Repaired:      issue.Repaired,
				CorrelationId: correlationId,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	db := config.GetDB()
	return db.WithContext(ctx).CreateInBatches(&rows, 200).Error
}

// ListIntegrityIssues returns stored findings, newest first, optionally for one run.
func ListIntegrityIssues(ctx context.Context, correlationId string, page *Pagination) ([]*IntegrityIssueRecord, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	limit, offset := page.normalize()
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if correlationId != "" {
		dbCtx = dbCtx.Where("correlation_id = ?", correlationId)
	}
	var results []*IntegrityIssueRecord
	err = dbCtx.Order("id DESC").Limit(limit).Offset(offset).Find(&results).Error
	return results, err
}
