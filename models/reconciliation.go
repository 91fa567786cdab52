package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const descriptionMatchPrefix = 10

type MatchPair struct {
	LedgerRecordId int       `json:"ledger_record_id"`
	BankRef        string    `json:"bank_ref"`
	MatchType      MatchType `json:"match_type"`
}

// MatchResult partitions one matching pass. It is built fresh by every pass.
type MatchResult struct {
	Matched       []MatchPair `json:"matched"`
	UnmatchedBook []int       `json:"unmatched_book"`
	UnmatchedBank []string    `json:"unmatched_bank"`
}

// MatchStatement pairs each bank line, in line order, with the first unconsumed
// ledger record (by date, then id) of equal debit and credit that is either
// within dateWindowDays of the line or whose description contains the first
// ten characters of the bank description. Greedy and deterministic.
func MatchStatement(lines []BankStatementLine, records []LedgerRecord, dateWindowDays int, tolerance decimal.Decimal) MatchResult {
	book := make([]LedgerRecord, len(records))
	copy(book, records)
	sort.SliceStable(book, func(i, j int) bool {
		if !book[i].TransactionDate.Equal(book[j].TransactionDate) {
			return book[i].TransactionDate.Before(book[j].TransactionDate)
		}
		return book[i].ID < book[j].ID
	})

	consumed := make([]bool, len(book))
	result := MatchResult{}
	for _, line := range lines {
		prefix := descriptionPrefix(line.Description)
		found := -1
		for i := range book {
			if consumed[i] {
				continue
			}
			r := &book[i]
			if !utils.WithinTolerance(r.Debit, line.Debit, tolerance) || !utils.WithinTolerance(r.Credit, line.Credit, tolerance) {
				continue
			}
			if withinDays(r.TransactionDate, line.TransactionDate, dateWindowDays) ||
				(prefix != "" && strings.Contains(strings.ToLower(r.Description), prefix)) {
				found = i
				break
			}
		}
		if found < 0 {
			result.UnmatchedBank = append(result.UnmatchedBank, line.Reference)
			continue
		}
		consumed[found] = true
		result.Matched = append(result.Matched, MatchPair{LedgerRecordId: book[found].ID, BankRef: line.Reference, MatchType: MatchTypeAuto})
	}
	for i := range book {
		if !consumed[i] {
			result.UnmatchedBook = append(result.UnmatchedBook, book[i].ID)
		}
	}
	return result
}

func descriptionPrefix(description string) string {
	runes := []rune(strings.ToLower(strings.TrimSpace(description)))
	if len(runes) > descriptionMatchPrefix {
		runes = runes[:descriptionMatchPrefix]
	}
	return string(runes)
}

func withinDays(a, b time.Time, days int) bool {
	diff := utils.DateOnly(a).Sub(utils.DateOnly(b))
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(days)*24*time.Hour
}

type ReconciliationAdjustment struct {
	Description      string          `json:"description" validate:"required,max=255"`
	Amount           decimal.Decimal `json:"amount"`
	Type             AdjustmentType  `json:"type" validate:"required"`
	CounterAccountId *int            `json:"counter_account_id,omitempty"`
}

// Signed is the adjustment's effect on the book balance.
func (a ReconciliationAdjustment) Signed() decimal.Decimal {
	if a.Type == AdjustmentTypeSubtract {
		return a.Amount.Neg()
	}
	return a.Amount
}

type ManualMatch struct {
	LedgerRecordId int    `json:"ledger_record_id"`
	BankRef        string `json:"bank_ref"`
}

// ReconciliationSession matches one statement against the book for one account.
// Unique constraint: (business_id, account_id, statement_id).
type ReconciliationSession struct {
	ID                  int                        `gorm:"primary_key" json:"id"`
	BusinessId          string                     `gorm:"size:64;not null;index;index:uniq_reconciliation,unique" json:"business_id"`
	AccountId           int                        `gorm:"not null;index;index:uniq_reconciliation,unique" json:"account_id"`
	StatementId         int                        `gorm:"not null;index:uniq_reconciliation,unique" json:"statement_id"`
	StatementDate       time.Time                  `gorm:"not null" json:"statement_date"`
	BookBalance         decimal.Decimal            `gorm:"type:decimal(20,4);not null;default:0" json:"book_balance"`
	BankBalance         decimal.Decimal            `gorm:"type:decimal(20,4);not null;default:0" json:"bank_balance"`
	AdjustedBookBalance decimal.Decimal            `gorm:"type:decimal(20,4);not null;default:0" json:"adjusted_book_balance"`
	AdjustedBankBalance decimal.Decimal            `gorm:"type:decimal(20,4);not null;default:0" json:"adjusted_bank_balance"`
	Difference          decimal.Decimal            `gorm:"type:decimal(20,4);not null;default:0" json:"difference"`
	Matched             []MatchPair                `gorm:"serializer:json;type:text" json:"matched"`
	UnmatchedBook       []int                      `gorm:"serializer:json;type:text" json:"unmatched_book"`
	UnmatchedBank       []string                   `gorm:"serializer:json;type:text" json:"unmatched_bank"`
	Adjustments         []ReconciliationAdjustment `gorm:"serializer:json;type:text" json:"adjustments"`
	AdjustmentEntryId   *int                       `json:"adjustment_entry_id"`
	Status              ReconciliationStatus       `gorm:"size:20;not null;index" json:"status"`
	StartedBy           string                     `gorm:"size:100" json:"started_by"`
	CompletedBy         *string                    `gorm:"size:100" json:"completed_by"`
	CompletedAt         *time.Time                 `gorm:"index" json:"completed_at"`
	CreatedAt           time.Time                  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                  `gorm:"autoUpdateTime" json:"updated_at"`
}

type OutstandingItems struct {
	SessionId           int             `json:"session_id"`
	AccountId           int             `json:"account_id"`
	DepositsInTransit   []*LedgerRecord `json:"deposits_in_transit"`
	OutstandingPayments []*LedgerRecord `json:"outstanding_payments"`
	TotalDeposits       decimal.Decimal `json:"total_deposits"`
	TotalPayments       decimal.Decimal `json:"total_payments"`
}

// StartReconciliation runs the matcher over the account's ledger records up to
// the statement date that no completed session has matched yet. Starting an
// already started statement returns the open session.
func StartReconciliation(ctx context.Context, statementId int) (*ReconciliationSession, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.StartReconciliation")
	defer span.End()
	span.SetAttributes(attribute.String("business.id", businessId), attribute.Int("statement.id", statementId))

	settings := config.GetLedgerSettings()
	var session *ReconciliationSession
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		statement, err := loadStatementTx(tx, businessId, statementId, true)
		if err != nil {
			return err
		}
		if statement.Status == StatementStatusReconciled {
			return utils.NewConflictError("start reconciliation", "statement %d is already reconciled", statement.ID)
		}

		var existing ReconciliationSession
		err = tx.Where("business_id = ? AND statement_id = ?", businessId, statement.ID).First(&existing).Error
		if err == nil {
			session = &existing
			return nil
		}
		if err = notFoundOr(err); err != utils.ErrorRecordNotFound {
			return err
		}

		var account Account
		if err := tx.Where("business_id = ? AND id = ?", businessId, statement.AccountId).First(&account).Error; err != nil {
			return err
		}
		cleared, err := clearedRecordIds(tx, businessId, account.ID)
		if err != nil {
			return err
		}
		var records []LedgerRecord
		if err := tx.Where("business_id = ? AND account_id = ? AND transaction_date <= ?", businessId, account.ID, statement.StatementDate).
			Order("transaction_date ASC, id ASC").
			Find(&records).Error; err != nil {
			return err
		}

		bookBalance := account.OpeningBalance
		candidates := make([]LedgerRecord, 0, len(records))
		for _, r := range records {
			bookBalance = bookBalance.Add(account.SignedDelta(r.Debit, r.Credit))
			if !cleared[r.ID] {
				candidates = append(candidates, r)
			}
		}

		result := MatchStatement(statement.Lines, candidates, settings.ReconcileDateWindow, settings.AmountTolerance)
		session = &ReconciliationSession{
			BusinessId:    businessId,
			AccountId:     account.ID,
			StatementId:   statement.ID,
			StatementDate: statement.StatementDate,
			BookBalance:   bookBalance,
			BankBalance:   statement.ClosingBalance,
			Matched:       result.Matched,
			UnmatchedBook: result.UnmatchedBook,
			UnmatchedBank: result.UnmatchedBank,
			Adjustments:   []ReconciliationAdjustment{},
			Status:        ReconciliationStatusInProgress,
			StartedBy:     utils.GetActorFromContext(ctx),
		}
		session.refreshBalances(candidates)
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return setStatementStatus(tx, businessId, statement.ID, StatementStatusPartial)
	})
	if err != nil {
		span.RecordError(err)
		return nil, utils.ClassifyStorageError("start reconciliation", err)
	}
	return session, nil
}

// refreshBalances recomputes the adjusted balances from the current partition:
// unmatched book debits are deposits in transit, unmatched book credits are
// outstanding payments.
func (s *ReconciliationSession) refreshBalances(book []LedgerRecord) {
	unmatched := make(map[int]bool, len(s.UnmatchedBook))
	for _, id := range s.UnmatchedBook {
		unmatched[id] = true
	}
	adjustedBank := s.BankBalance
	for _, r := range book {
		if !unmatched[r.ID] {
			continue
		}
		adjustedBank = adjustedBank.Add(r.Debit).Sub(r.Credit)
	}
	adjustedBook := s.BookBalance
	for _, a := range s.Adjustments {
		adjustedBook = adjustedBook.Add(a.Signed())
	}
	s.AdjustedBankBalance = adjustedBank
	s.AdjustedBookBalance = adjustedBook
	s.Difference = adjustedBank.Sub(adjustedBook)
}

// clearedRecordIds returns ledger records matched by completed sessions on the account.
func clearedRecordIds(tx *gorm.DB, businessId string, accountId int) (map[int]bool, error) {
	var sessions []ReconciliationSession
	if err := tx.Select("id", "matched").
		Where("business_id = ? AND account_id = ? AND status = ?", businessId, accountId, ReconciliationStatusCompleted).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	cleared := make(map[int]bool)
	for _, s := range sessions {
		for _, m := range s.Matched {
			cleared[m.LedgerRecordId] = true
		}
	}
	return cleared, nil
}

// BulkMatch moves operator chosen pairs from the unmatched sets to the matched
// set without re-running the matcher. Either every pair applies or none.
func BulkMatch(ctx context.Context, sessionId int, pairs []ManualMatch) (*ReconciliationSession, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, utils.NewValidationError("EMPTY_BATCH", "no pairs given")
	}
	if max := config.GetLedgerSettings().MaxBatchOverride; len(pairs) > max {
		return nil, utils.NewValidationError("BATCH_TOO_LARGE", "at most %d pairs can be matched at once", max)
	}

	var session *ReconciliationSession
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockOpenSession(tx, businessId, sessionId, "bulk match")
		if err != nil {
			return err
		}
		next, err := applyManualMatches(session.result(), pairs)
		if err != nil {
			return err
		}
		book, err := sessionBookRecords(tx, businessId, session)
		if err != nil {
			return err
		}
		session.Matched, session.UnmatchedBook, session.UnmatchedBank = next.Matched, next.UnmatchedBook, next.UnmatchedBank
		session.refreshBalances(book)
		return tx.Model(session).Select("Matched", "UnmatchedBook", "UnmatchedBank", "AdjustedBankBalance", "AdjustedBookBalance", "Difference").Updates(session).Error
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("bulk match", err)
	}
	return session, nil
}

func (s *ReconciliationSession) result() MatchResult {
	return MatchResult{Matched: s.Matched, UnmatchedBook: s.UnmatchedBook, UnmatchedBank: s.UnmatchedBank}
}

// applyManualMatches returns a new partition with pairs moved to matched.
func applyManualMatches(current MatchResult, pairs []ManualMatch) (MatchResult, error) {
	book := make(map[int]bool, len(current.UnmatchedBook))
	for _, id := range current.UnmatchedBook {
		book[id] = true
	}
	bank := make(map[string]bool, len(current.UnmatchedBank))
	for _, ref := range current.UnmatchedBank {
		bank[ref] = true
	}

	var violations []utils.Violation
	for i, p := range pairs {
		n := i + 1
		if !book[p.LedgerRecordId] {
			violations = append(violations, utils.Violation{Line: n, Rule: "NOT_UNMATCHED_BOOK", Message: fmt.Sprintf("ledger record %d is not an unmatched book item", p.LedgerRecordId)})
			continue
		}
		if !bank[p.BankRef] {
			violations = append(violations, utils.Violation{Line: n, Rule: "NOT_UNMATCHED_BANK", Message: fmt.Sprintf("bank line %q is not an unmatched bank item", p.BankRef)})
			continue
		}
		book[p.LedgerRecordId] = false
		bank[p.BankRef] = false
	}
	if len(violations) > 0 {
		return MatchResult{}, &utils.ValidationError{Violations: violations}
	}

	next := MatchResult{Matched: append([]MatchPair{}, current.Matched...)}
	for _, p := range pairs {
		next.Matched = append(next.Matched, MatchPair{LedgerRecordId: p.LedgerRecordId, BankRef: p.BankRef, MatchType: MatchTypeManual})
	}
	for _, id := range current.UnmatchedBook {
		if book[id] {
			next.UnmatchedBook = append(next.UnmatchedBook, id)
		}
	}
	for _, ref := range current.UnmatchedBank {
		if bank[ref] {
			next.UnmatchedBank = append(next.UnmatchedBank, ref)
		}
	}
	return next, nil
}

func lockOpenSession(tx *gorm.DB, businessId string, sessionId int, op string) (*ReconciliationSession, error) {
	var session ReconciliationSession
	if err := tx.Clauses(forUpdate()).Where("business_id = ? AND id = ?", businessId, sessionId).First(&session).Error; err != nil {
		return nil, notFoundOr(err)
	}
	if session.Status != ReconciliationStatusInProgress {
		return nil, utils.NewConflictError(op, "reconciliation session %d is %s", session.ID, session.Status)
	}
	return &session, nil
}

func sessionBookRecords(tx *gorm.DB, businessId string, session *ReconciliationSession) ([]LedgerRecord, error) {
	if len(session.UnmatchedBook) == 0 {
		return nil, nil
	}
	var records []LedgerRecord
	err := tx.Where("business_id = ? AND id IN ?", businessId, session.UnmatchedBook).Find(&records).Error
	return records, err
}

// CompleteReconciliation records the adjustments, posts one BANK_ADJUSTMENT
// entry for those naming a counter account, and closes the session and the
// statement for good.
func CompleteReconciliation(ctx context.Context, sessionId int, adjustments []ReconciliationAdjustment) (*ReconciliationSession, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateAdjustments(adjustments); err != nil {
		return nil, err
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.CompleteReconciliation")
	defer span.End()
	span.SetAttributes(attribute.String("business.id", businessId), attribute.Int("session.id", sessionId))

	var session *ReconciliationSession
	var adjustmentEntry *Entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockOpenSession(tx, businessId, sessionId, "complete reconciliation")
		if err != nil {
			return err
		}
		statement, err := loadStatementTx(tx, businessId, session.StatementId, true)
		if err != nil {
			return err
		}

		if lines := adjustmentLines(session.AccountId, adjustments); len(lines) > 0 {
			adjustmentEntry, err = postSystemEntryTx(ctx, tx, businessId, &NewEntry{
				Kind:        EntryKindBankAdjustment,
				EntryDate:   statement.StatementDate,
				Description: fmt.Sprintf("Bank reconciliation adjustments for statement %d", statement.ID),
				Reference:   fmt.Sprintf("RECON-%d", session.ID),
				SourceType:  "bank_reconciliation",
				Lines:       lines,
			})
			if err != nil {
				return err
			}
			session.AdjustmentEntryId = &adjustmentEntry.ID
		}

		book, err := sessionBookRecords(tx, businessId, session)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		actor := utils.GetActorFromContext(ctx)
		session.Adjustments = append([]ReconciliationAdjustment{}, adjustments...)
		session.refreshBalances(book)
		session.Status = ReconciliationStatusCompleted
		session.CompletedAt = &now
		session.CompletedBy = &actor

		res := tx.Model(&ReconciliationSession{}).
			Where("business_id = ? AND id = ? AND status = ?", businessId, session.ID, ReconciliationStatusInProgress).
			Select("Adjustments", "AdjustmentEntryId", "AdjustedBankBalance", "AdjustedBookBalance", "Difference", "Status", "CompletedAt", "CompletedBy").
			Updates(session)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return utils.NewConflictError("complete reconciliation", "session %d was completed concurrently", session.ID)
		}
		if err := setStatementStatus(tx, businessId, statement.ID, StatementStatusReconciled); err != nil {
			return err
		}

		payload := ReconciliationCompletedPayload{
			SessionId:     session.ID,
			AccountId:     session.AccountId,
			StatementId:   session.StatementId,
			MatchedCount:  len(session.Matched),
			Difference:    session.Difference.String(),
			AdjustmentRef: session.AdjustmentEntryId,
		}
		return publishEvent(ctx, tx, businessId, EventTypeReconciliationCompleted, "reconciliation_session", session.ID, payload)
	})
	if err != nil {
		span.RecordError(err)
		return nil, utils.ClassifyStorageError("complete reconciliation", err)
	}

	m := config.Metrics()
	m.ReconciliationsCompleted.Inc()
	if adjustmentEntry != nil {
		m.EntriesPosted.WithLabelValues(string(adjustmentEntry.Kind)).Inc()
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "CompleteReconciliation",
		"business_id": businessId,
		"session_id":  session.ID,
		"difference":  session.Difference.String(),
	}).Info("reconciliation completed")
	return session, nil
}

func validateAdjustments(adjustments []ReconciliationAdjustment) error {
	var violations []utils.Violation
	for i := range adjustments {
		a := adjustments[i]
		n := i + 1
		if err := utils.ValidateStruct(&a); err != nil {
			violations = append(violations, utils.Violation{Line: n, Rule: "INVALID_ADJUSTMENT", Message: err.Error()})
			continue
		}
		if a.Type != AdjustmentTypeAdd && a.Type != AdjustmentTypeSubtract {
			violations = append(violations, utils.Violation{Line: n, Rule: "INVALID_ADJUSTMENT", Message: fmt.Sprintf("unknown adjustment type %q", a.Type)})
		}
		if !a.Amount.IsPositive() {
			violations = append(violations, utils.Violation{Line: n, Rule: "INVALID_ADJUSTMENT", Message: "adjustment amount must be greater than zero"})
		}
	}
	if len(violations) > 0 {
		return &utils.ValidationError{Violations: violations}
	}
	return nil
}

// adjustmentLines books each adjustment with a counter account against the
// bank account: additions debit the bank, subtractions credit it.
func adjustmentLines(bankAccountId int, adjustments []ReconciliationAdjustment) []NewEntryLine {
	var lines []NewEntryLine
	for _, a := range adjustments {
		if a.CounterAccountId == nil {
			continue
		}
		bank := NewEntryLine{AccountId: bankAccountId, Description: a.Description}
		counter := NewEntryLine{AccountId: *a.CounterAccountId, Description: a.Description}
		if a.Type == AdjustmentTypeAdd {
			bank.Debit, counter.Credit = a.Amount, a.Amount
		} else {
			bank.Credit, counter.Debit = a.Amount, a.Amount
		}
		lines = append(lines, bank, counter)
	}
	return lines
}

func GetReconciliationSession(ctx context.Context, id int) (*ReconciliationSession, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[ReconciliationSession](ctx, businessId, id)
}

// GetOutstandingItems lists the unmatched book records of the account's latest
// completed reconciliation.
func GetOutstandingItems(ctx context.Context, accountId int) (*OutstandingItems, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	items := &OutstandingItems{AccountId: accountId, TotalDeposits: decimal.Zero, TotalPayments: decimal.Zero}
	db := config.GetDB().WithContext(ctx)
	var session ReconciliationSession
	err = db.Where("business_id = ? AND account_id = ? AND status = ?", businessId, accountId, ReconciliationStatusCompleted).
		Order("completed_at DESC, id DESC").
		First(&session).Error
	if err = notFoundOr(err); err == utils.ErrorRecordNotFound {
		return items, nil
	} else if err != nil {
		return nil, err
	}
	items.SessionId = session.ID
	if len(session.UnmatchedBook) == 0 {
		return items, nil
	}
	var records []*LedgerRecord
	if err := db.Where("business_id = ? AND id IN ?", businessId, session.UnmatchedBook).
		Order("transaction_date ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Debit.IsPositive() {
			items.DepositsInTransit = append(items.DepositsInTransit, r)
			items.TotalDeposits = items.TotalDeposits.Add(r.Debit)
		} else {
			items.OutstandingPayments = append(items.OutstandingPayments, r)
			items.TotalPayments = items.TotalPayments.Add(r.Credit)
		}
	}
	return items, nil
}
