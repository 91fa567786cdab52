package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// Outbox publish statuses for DomainEventRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

type EventType string

const (
	EventTypeEntryPosted             EventType = "EntryPosted"
	EventTypeEntryReversed           EventType = "EntryReversed"
	EventTypeCategoryChanged         EventType = "CategoryChanged"
	EventTypeReconciliationCompleted EventType = "ReconciliationCompleted"
	EventTypePeriodClosed            EventType = "PeriodClosed"
	EventTypePeriodReopened          EventType = "PeriodReopened"
)

// DomainEventRecord is the transactional outbox row: written inside the mutating
// transaction, published after commit by the dispatcher.
type DomainEventRecord struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId       string     `gorm:"size:64;not null;index" json:"business_id"`
	EventType        EventType  `gorm:"size:50;not null;index" json:"event_type"`
	AggregateType    string     `gorm:"size:50;not null" json:"aggregate_type"`
	AggregateId      int        `gorm:"not null;index" json:"aggregate_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	MessageId        *string    `gorm:"size:255" json:"message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Payloads carried by the events.
type EntryPostedPayload struct {
	EntryId     int         `json:"entry_id"`
	EntryNumber string      `json:"entry_number"`
	Kind        EntryKind   `json:"kind"`
	EntryDate   time.Time   `json:"entry_date"`
	TotalDebit  string      `json:"total_debit"`
	AccountIds  []int       `json:"account_ids"`
	Status      EntryStatus `json:"status"`
}

type EntryReversedPayload struct {
	EntryId         int    `json:"entry_id"`
	ReversalEntryId int    `json:"reversal_entry_id"`
	Reason          string `json:"reason"`
}

type CategoryChangedPayload struct {
	LedgerRecordIds []int            `json:"ledger_record_ids"`
	To              CashFlowCategory `json:"to"`
	ChangedBy       string           `json:"changed_by"`
	Reason          string           `json:"reason"`
}

type ReconciliationCompletedPayload struct {
	SessionId     int    `json:"session_id"`
	AccountId     int    `json:"account_id"`
	StatementId   int    `json:"statement_id"`
	MatchedCount  int    `json:"matched_count"`
	Difference    string `json:"difference"`
	AdjustmentRef *int   `json:"adjustment_entry_id,omitempty"`
}

type PeriodPayload struct {
	PeriodClosingId int          `json:"period_closing_id"`
	PeriodStart     time.Time    `json:"period_start"`
	PeriodEnd       time.Time    `json:"period_end"`
	Status          PeriodStatus `json:"status"`
	NetIncome       string       `json:"net_income"`
}

// publishEvent writes an outbox row with tx. Publishing happens after commit.
func publishEvent(ctx context.Context, tx *gorm.DB, businessId string, eventType EventType, aggregateType string, aggregateId int, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := DomainEventRecord{
		BusinessId:    businessId,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		Payload:       data,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func ConvertToEventMessage(record DomainEventRecord) config.EventMessage {
	return config.EventMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		EventType:     string(record.EventType),
		AggregateType: record.AggregateType,
		AggregateId:   record.AggregateId,
		OccurredAt:    record.OccurredAt,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}

// ListDomainEvents returns the outbox rows of one aggregate, oldest first.
func ListDomainEvents(ctx context.Context, aggregateType string, aggregateId int) ([]*DomainEventRecord, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var records []*DomainEventRecord
	err = db.WithContext(ctx).
		Where("business_id = ? AND aggregate_type = ? AND aggregate_id = ?", businessId, aggregateType, aggregateId).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// RequeueDeadEvents moves DEAD rows back to PENDING with a fresh attempt budget.
// An empty businessId requeues every business.
func RequeueDeadEvents(ctx context.Context, businessId string) (int64, error) {
	db := config.GetDB()
	if db == nil {
		return 0, errors.New("database not initialized")
	}
	q := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&DomainEventRecord{}).
		Where("publish_status = ?", OutboxPublishStatusDead)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":   OutboxPublishStatusPending,
		"publish_attempts": 0,
		"next_attempt_at":  nil,
		"locked_at":        nil,
		"locked_by":        nil,
	})
	return res.RowsAffected, res.Error
}
