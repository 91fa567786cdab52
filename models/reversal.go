package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const reversalDescriptionPrefix = "Reversal of "

// ReverseEntry posts a new entry with the debit and credit of every line of a
// POSTED entry swapped, and marks the original REVERSED. The original lines
// and ledger records stay untouched.
func ReverseEntry(ctx context.Context, entryId int, reason string) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, utils.NewValidationError("REASON_REQUIRED", "reversal reason is required")
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.ReverseEntry")
	defer span.End()
	span.SetAttributes(attribute.String("business.id", businessId), attribute.Int("entry.id", entryId))

	start := time.Now()
	var reversal *Entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reversal, err = reverseEntryTx(ctx, tx, businessId, entryId, reason, EntryStatusReversed)
		return err
	})
	return finishPosting(ctx, span, "ReverseEntry", start, reversal, err)
}

// ReversalLines mirrors the lines of an entry with debit and credit swapped.
func ReversalLines(original *Entry) []NewEntryLine {
	lines := make([]NewEntryLine, 0, len(original.Lines))
	for _, l := range original.Lines {
		lines = append(lines, NewEntryLine{
			AccountId:   l.AccountId,
			Debit:       l.Credit,
			Credit:      l.Debit,
			Description: l.Description,
			CostCenter:  l.CostCenter,
			Project:     l.Project,
			Department:  l.Department,
		})
	}
	return lines
}

// reverseEntryTx leaves the original in finalStatus (REVERSED, or CANCELLED
// when a posted entry is cancelled) and returns the posted reversal.
func reverseEntryTx(ctx context.Context, tx *gorm.DB, businessId string, entryId int, reason string, finalStatus EntryStatus) (*Entry, error) {
	original, err := loadEntryTx(tx, businessId, entryId)
	if err != nil {
		return nil, err
	}
	if original.Status != EntryStatusPosted {
		return nil, utils.NewConflictError("reverse entry", "entry %s is %s; only posted entries can be reversed", original.EntryNumber, original.Status)
	}

	now := time.Now().UTC()
	actor := utils.GetActorFromContext(ctx)
	updates := map[string]interface{}{
		"status":          finalStatus,
		"reversal_reason": &reason,
		"reversed_at":     &now,
	}
	if finalStatus == EntryStatusCancelled {
		updates["cancelled_by"] = &actor
		updates["cancelled_at"] = &now
		updates["cancellation_reason"] = &reason
	}
	res := tx.Model(&Entry{}).
		Where("business_id = ? AND id = ? AND status = ?", businessId, original.ID, EntryStatusPosted).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, utils.NewConflictError("reverse entry", "entry %s was reversed concurrently", original.EntryNumber)
	}

	reversal, err := postSystemEntryTx(ctx, tx, businessId, &NewEntry{
		Kind:        EntryKindReversal,
		EntryDate:   now,
		Description: fmt.Sprintf("%s%s: %s", reversalDescriptionPrefix, original.EntryNumber, original.Description),
		Reference:   original.EntryNumber,
		SourceType:  original.SourceType,
		Lines:       ReversalLines(original),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Model(&Entry{}).
		Where("business_id = ? AND id = ?", businessId, reversal.ID).
		Update("reverses_entry_id", original.ID).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&Entry{}).
		Where("business_id = ? AND id = ?", businessId, original.ID).
		Update("reversed_by_entry_id", reversal.ID).Error; err != nil {
		return nil, err
	}
	reversal.ReversesEntryId = &original.ID

	payload := EntryReversedPayload{EntryId: original.ID, ReversalEntryId: reversal.ID, Reason: reason}
	if err := publishEvent(ctx, tx, businessId, EventTypeEntryReversed, "entry", original.ID, payload); err != nil {
		return nil, err
	}
	return reversal, nil
}
