package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// SequenceCounter holds the last number handed out for one (business, key).
// Unique constraint: (business_id, seq_key).
type SequenceCounter struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_sequence,unique" json:"business_id"`
	SeqKey     string    `gorm:"size:30;not null;index:uniq_sequence,unique" json:"seq_key"`
	LastValue  int64     `gorm:"not null;default:0" json:"last_value"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NumberAllocator hands out monotonic numbers per key.
type NumberAllocator interface {
	Next(ctx context.Context, tx *gorm.DB, businessId string, key string) (int64, error)
}

// dbNumberAllocator increments the counter row inside the caller's transaction.
// The row lock taken by the UPDATE serializes allocations until commit, and a
// rolled back transaction gives its number back.
type dbNumberAllocator struct {
	maxAttempts int
}

func (a dbNumberAllocator) Next(ctx context.Context, tx *gorm.DB, businessId string, key string) (int64, error) {
	attempts := a.maxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res := tx.Model(&SequenceCounter{}).
			Where("business_id = ? AND seq_key = ?", businessId, key).
			Update("last_value", gorm.Expr("last_value + 1"))
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 1 {
			var counter SequenceCounter
			if err := tx.Where("business_id = ? AND seq_key = ?", businessId, key).First(&counter).Error; err != nil {
				return 0, err
			}
			return counter.LastValue, nil
		}

		// First number for this key. The savepoint keeps a lost insert race from
		// poisoning the outer transaction.
		err := tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&SequenceCounter{BusinessId: businessId, SeqKey: key, LastValue: 1}).Error
		})
		if err == nil {
			return 1, nil
		}
		if !utils.IsDuplicateKeyError(err) {
			return 0, err
		}
	}
	return 0, &utils.TransientStorageError{
		Op:  "allocate entry number",
		Err: fmt.Errorf("sequence %s still contended after %d attempts", key, attempts),
	}
}

// redisNumberAllocator uses INCR. Numbers stay unique and increasing, but a
// rolled back posting leaves a gap.
type redisNumberAllocator struct{}

func (redisNumberAllocator) Next(ctx context.Context, tx *gorm.DB, businessId string, key string) (int64, error) {
	return config.GetRedisCounter(ctx, "entry_seq:"+businessId+":"+key)
}

func numberAllocator() NumberAllocator {
	settings := config.GetLedgerSettings()
	if settings.NumberAllocator == "redis" && config.GetRedisDB() != nil {
		return redisNumberAllocator{}
	}
	return dbNumberAllocator{maxAttempts: settings.SequenceCreateAttempts}
}

// sequenceKey groups numbering by kind and calendar year of the entry date.
func sequenceKey(kind EntryKind, entryDate time.Time) string {
	return fmt.Sprintf("%s%02d", kind.Prefix(), entryDate.Year()%100)
}

// FormatEntryNumber renders PREFIX + yy + 6-digit sequence, e.g. PAY26000042.
func FormatEntryNumber(kind EntryKind, entryDate time.Time, seq int64) string {
	return fmt.Sprintf("%s%06d", sequenceKey(kind, entryDate), seq)
}

func nextEntryNumber(ctx context.Context, tx *gorm.DB, businessId string, kind EntryKind, entryDate time.Time) (string, error) {
	seq, err := numberAllocator().Next(ctx, tx, businessId, sequenceKey(kind, entryDate))
	if err != nil {
		return "", err
	}
	return FormatEntryNumber(kind, entryDate, seq), nil
}
