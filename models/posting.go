package models

import (
	"context"
	"sort"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// PostEntry posts a DRAFT or APPROVED entry: balances move, one ledger record
// per line is written and the entry flips to POSTED, all in one transaction.
func PostEntry(ctx context.Context, entryId int) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.PostEntry")
	defer span.End()
	span.SetAttributes(attribute.String("business.id", businessId), attribute.Int("entry.id", entryId))

	start := time.Now()
	var posted *Entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		posted, err = postEntryTx(ctx, tx, businessId, entryId)
		return err
	})
	return finishPosting(ctx, span, "PostEntry", start, posted, err)
}

// PostNewEntry creates and posts an entry in one transaction. Kinds that
// require approval must go through CreateEntry and ApproveEntry instead.
func PostNewEntry(ctx context.Context, input *NewEntry) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(false); err != nil {
		return nil, err
	}
	if config.RequiresApproval(string(input.Kind)) {
		return nil, utils.NewValidationError("APPROVAL_REQUIRED", "%s entries must be approved before posting", input.Kind)
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.PostNewEntry")
	defer span.End()
	span.SetAttributes(attribute.String("business.id", businessId), attribute.String("entry.kind", string(input.Kind)))

	start := time.Now()
	var posted *Entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		posted, err = createAndPostTx(ctx, tx, businessId, input)
		return err
	})
	return finishPosting(ctx, span, "PostNewEntry", start, posted, err)
}

func finishPosting(ctx context.Context, span trace.Span, funcName string, start time.Time, posted *Entry, err error) (*Entry, error) {
	m := config.Metrics()
	m.PostingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		err = utils.ClassifyStorageError("post entry", err)
		m.PostingFailures.WithLabelValues(utils.ErrorClass(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !utils.IsValidationError(err) && !utils.IsConflictError(err) {
			config.LogError(config.GetLogger(), "posting.go", funcName, "posting transaction", nil, err)
		}
		return nil, err
	}
	m.EntriesPosted.WithLabelValues(string(posted.Kind)).Inc()
	config.GetLogger().WithFields(logrus.Fields{
		"field":        funcName,
		"business_id":  posted.BusinessId,
		"entry_id":     posted.ID,
		"entry_number": posted.EntryNumber,
	}).Info("entry posted")
	return posted, nil
}

func createAndPostTx(ctx context.Context, tx *gorm.DB, businessId string, input *NewEntry) (*Entry, error) {
	entry, err := createEntryTx(ctx, tx, businessId, input)
	if err != nil {
		return nil, err
	}
	return postEntryTx(ctx, tx, businessId, entry.ID)
}

// postEntryTx does the posting work with the caller's transaction. Any error
// must roll the transaction back.
func postEntryTx(ctx context.Context, tx *gorm.DB, businessId string, entryId int) (*Entry, error) {
	entry, err := loadEntryTx(tx, businessId, entryId)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case EntryStatusDraft:
		if config.RequiresApproval(string(entry.Kind)) && !entry.Kind.IsSystem() {
			return nil, utils.NewConflictError("post entry", "entry %s must be approved before posting", entry.EntryNumber)
		}
	case EntryStatusApproved:
	case EntryStatusPosted:
		return nil, utils.NewConflictError("post entry", "entry %s is already posted", entry.EntryNumber)
	default:
		return nil, utils.NewConflictError("post entry", "entry %s is %s and cannot be posted", entry.EntryNumber, entry.Status)
	}
	if entry.Kind != EntryKindClosing {
		if err := EnsurePeriodOpen(tx, businessId, entry.EntryDate); err != nil {
			return nil, err
		}
	}

	// Claim the transition before touching balances; a concurrent retry of the
	// same entry fails here and never writes a second set of records.
	now := time.Now().UTC()
	actor := utils.GetActorFromContext(ctx)
	res := tx.Model(&Entry{}).
		Where("business_id = ? AND id = ? AND status = ?", businessId, entry.ID, entry.Status).
		Updates(map[string]interface{}{
			"status":    EntryStatusPosted,
			"posted_at": &now,
			"posted_by": &actor,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, utils.NewConflictError("post entry", "entry %s was posted concurrently", entry.EntryNumber)
	}

	accounts, err := lockAccounts(tx, businessId, entry.AccountIds())
	if err != nil {
		return nil, err
	}
	if result := CheckEntryLines(entry.Lines, accounts, config.GetLedgerSettings().AmountTolerance); !result.Valid {
		return nil, result.Err()
	}

	var categorizer *Categorizer
	ruleHits := make(map[int]int)
	records := make([]LedgerRecord, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		account := accounts[line.AccountId]
		account.Balance = account.Balance.Add(account.SignedDelta(line.Debit, line.Credit))

		description := line.Description
		if description == "" {
			description = entry.Description
		}
		record := LedgerRecord{
			BusinessId:      businessId,
			AccountId:       account.ID,
			EntryId:         entry.ID,
			EntryLineId:     line.ID,
			EntryNumber:     entry.EntryNumber,
			TransactionDate: entry.EntryDate,
			Description:     description,
			Debit:           line.Debit,
			Credit:          line.Credit,
			BalanceAfter:    account.Balance,
			CostCenter:      line.CostCenter,
			Project:         line.Project,
			Department:      line.Department,
			SourceType:      entry.SourceType,
		}
		if account.IsCashAccount() {
			if categorizer == nil {
				if categorizer, err = loadCategorizer(ctx, tx, businessId); err != nil {
					return nil, err
				}
			}
			result := categorizer.Categorize(CategorizeInput{
				Account:     account,
				Description: description,
				SourceType:  entry.SourceType,
				Amount:      line.Debit.Add(line.Credit),
			})
			record.applyCategory(result, now)
			if result != nil {
				config.Metrics().Categorizations.WithLabelValues(string(result.Source), string(result.Category)).Inc()
				if result.RuleId != nil {
					ruleHits[*result.RuleId]++
				}
			}
		}
		records = append(records, record)
	}

	ids := make([]int, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := tx.Model(&Account{}).
			Where("business_id = ? AND id = ?", businessId, id).
			Update("balance", accounts[id].Balance).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Create(&records).Error; err != nil {
		return nil, err
	}
	if err := touchRuleUsage(tx, businessId, ruleHits, now); err != nil {
		return nil, err
	}

	entry.Status = EntryStatusPosted
	entry.PostedAt = &now
	entry.PostedBy = &actor
	entry.LedgerRecords = records
	payload := EntryPostedPayload{
		EntryId:     entry.ID,
		EntryNumber: entry.EntryNumber,
		Kind:        entry.Kind,
		EntryDate:   entry.EntryDate,
		TotalDebit:  entry.TotalDebit.String(),
		AccountIds:  ids,
		Status:      entry.Status,
	}
	if err := publishEvent(ctx, tx, businessId, EventTypeEntryPosted, "entry", entry.ID, payload); err != nil {
		return nil, err
	}
	return entry, nil
}

// postSystemEntryTx creates and posts an engine generated entry (closing,
// reversal, bank adjustment) inside an existing transaction.
func postSystemEntryTx(ctx context.Context, tx *gorm.DB, businessId string, input *NewEntry) (*Entry, error) {
	if err := input.validate(true); err != nil {
		return nil, err
	}
	return createAndPostTx(ctx, tx, businessId, input)
}
