package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entry is a journal entry or voucher. Once POSTED its lines never change;
// only a reversing entry may offset it.
type Entry struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	BusinessId         string          `gorm:"size:64;not null;index;index:uniq_entry_number,unique" json:"business_id"`
	EntryNumber        string          `gorm:"size:30;not null;index:uniq_entry_number,unique" json:"entry_number"`
	Kind               EntryKind       `gorm:"size:20;not null;index" json:"kind"`
	EntryDate          time.Time       `gorm:"not null;index" json:"entry_date"`
	Description        string          `gorm:"type:text" json:"description"`
	Reference          string          `gorm:"size:100" json:"reference"`
	SourceType         string          `gorm:"size:50" json:"source_type"`
	Status             EntryStatus     `gorm:"size:20;not null;index" json:"status"`
	TotalDebit         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_debit"`
	TotalCredit        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_credit"`
	ReversesEntryId    *int            `gorm:"index" json:"reverses_entry_id"`
	ReversedByEntryId  *int            `json:"reversed_by_entry_id"`
	ReversalReason     *string         `gorm:"type:text" json:"reversal_reason"`
	ReversedAt         *time.Time      `json:"reversed_at"`
	ApprovedBy         *string         `gorm:"size:100" json:"approved_by"`
	ApprovedAt         *time.Time      `json:"approved_at"`
	PostedBy           *string         `gorm:"size:100" json:"posted_by"`
	PostedAt           *time.Time      `gorm:"index" json:"posted_at"`
	CancelledBy        *string         `gorm:"size:100" json:"cancelled_by"`
	CancelledAt        *time.Time      `json:"cancelled_at"`
	CancellationReason *string         `gorm:"type:text" json:"cancellation_reason"`
	CreatedBy          string          `gorm:"size:100" json:"created_by"`
	Lines              []EntryLine     `gorm:"foreignKey:EntryId" json:"lines"`
	LedgerRecords      []LedgerRecord  `gorm:"foreignKey:EntryId" json:"ledger_records,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type EntryLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;not null;index" json:"business_id"`
	EntryId     int             `gorm:"not null;index" json:"entry_id"`
	LineNo      int             `gorm:"not null" json:"line_no"`
	AccountId   int             `gorm:"not null;index" json:"account_id"`
	Debit       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"debit"`
	Credit      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"credit"`
	Description string          `gorm:"type:text" json:"description"`
	CostCenter  string          `gorm:"size:50" json:"cost_center"`
	Project     string          `gorm:"size:50" json:"project"`
	Department  string          `gorm:"size:50" json:"department"`
}

type NewEntry struct {
	Kind        EntryKind      `json:"kind" validate:"required"`
	EntryDate   time.Time      `json:"entry_date" validate:"required"`
	Description string         `json:"description" validate:"max=1000"`
	Reference   string         `json:"reference" validate:"max=100"`
	SourceType  string         `json:"source_type" validate:"max=50"`
	Lines       []NewEntryLine `json:"lines" validate:"dive"`
}

type NewEntryLine struct {
	AccountId   int             `json:"account_id"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description" validate:"max=1000"`
	CostCenter  string          `json:"cost_center" validate:"max=50"`
	Project     string          `json:"project" validate:"max=50"`
	Department  string          `json:"department" validate:"max=50"`
}

type EntryFilter struct {
	Kind     EntryKind
	Status   EntryStatus
	FromDate *time.Time
	ToDate   *time.Time
}

// Lines are replaced wholesale while the entry is a draft and never edited in place.
func (l *EntryLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("entry lines cannot be updated")
}

func (e *Entry) IsPosted() bool {
	return e.Status == EntryStatusPosted
}

// AccountIds returns the distinct accounts referenced by the lines, in line order.
func (e *Entry) AccountIds() []int {
	ids := make([]int, 0, len(e.Lines))
	for _, l := range e.Lines {
		ids = append(ids, l.AccountId)
	}
	return utils.UniqueSlice(ids)
}

func sumLines(lines []EntryLine) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

func buildEntryLines(businessId string, input []NewEntryLine) []EntryLine {
	lines := make([]EntryLine, 0, len(input))
	for i, l := range input {
		lines = append(lines, EntryLine{
			BusinessId:  businessId,
			LineNo:      i + 1,
			AccountId:   l.AccountId,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Description: strings.TrimSpace(l.Description),
			CostCenter:  l.CostCenter,
			Project:     l.Project,
			Department:  l.Department,
		})
	}
	return lines
}

func (input *NewEntry) validate(allowSystemKind bool) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Kind.IsValid() {
		return utils.NewValidationError("INVALID_KIND", "unknown entry kind %q", input.Kind)
	}
	if input.Kind.IsSystem() && !allowSystemKind {
		return utils.NewValidationError("INVALID_KIND", "%s entries are generated by the ledger", input.Kind)
	}
	return nil
}

// createEntryTx stores input as a DRAFT with tx and allocates its number.
func createEntryTx(ctx context.Context, tx *gorm.DB, businessId string, input *NewEntry) (*Entry, error) {
	entryDate := utils.DateOnly(input.EntryDate)
	number, err := nextEntryNumber(ctx, tx, businessId, input.Kind, entryDate)
	if err != nil {
		return nil, err
	}
	lines := buildEntryLines(businessId, input.Lines)
	debit, credit := sumLines(lines)
	entry := Entry{
		BusinessId:  businessId,
		EntryNumber: number,
		Kind:        input.Kind,
		EntryDate:   entryDate,
		Description: strings.TrimSpace(input.Description),
		Reference:   input.Reference,
		SourceType:  strings.TrimSpace(input.SourceType),
		Status:      EntryStatusDraft,
		TotalDebit:  debit,
		TotalCredit: credit,
		CreatedBy:   utils.GetActorFromContext(ctx),
		Lines:       lines,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// CreateEntry stores a DRAFT entry. Balance checks run when it is approved or posted.
func CreateEntry(ctx context.Context, input *NewEntry) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(false); err != nil {
		return nil, err
	}

	var entry *Entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = createEntryTx(ctx, tx, businessId, input)
		return err
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("create entry", err)
	}
	return entry, nil
}

// UpdateDraftEntry replaces the header and lines of a DRAFT entry.
func UpdateDraftEntry(ctx context.Context, id int, input *NewEntry) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(false); err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		if err := tx.Clauses(forUpdate()).Where("business_id = ? AND id = ?", businessId, id).First(&entry).Error; err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return utils.NewConflictError("update entry", "entry %s is %s; only drafts can be edited", entry.EntryNumber, entry.Status)
		}
		if input.Kind != entry.Kind {
			return utils.NewValidationError("INVALID_KIND", "entry kind cannot change after numbering")
		}
		if err := tx.Where("business_id = ? AND entry_id = ?", businessId, id).Delete(&EntryLine{}).Error; err != nil {
			return err
		}
		lines := buildEntryLines(businessId, input.Lines)
		for i := range lines {
			lines[i].EntryId = id
		}
		if len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
		}
		debit, credit := sumLines(lines)
		return tx.Model(&Entry{}).Where("business_id = ? AND id = ?", businessId, id).Updates(map[string]interface{}{
			"entry_date":   utils.DateOnly(input.EntryDate),
			"description":  strings.TrimSpace(input.Description),
			"reference":    input.Reference,
			"source_type":  strings.TrimSpace(input.SourceType),
			"total_debit":  debit,
			"total_credit": credit,
		}).Error
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("update entry", err)
	}
	return GetEntry(ctx, id)
}

// ApproveEntry moves a valid DRAFT to APPROVED.
func ApproveEntry(ctx context.Context, id int) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := loadEntryTx(tx, businessId, id)
		if err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return utils.NewConflictError("approve entry", "entry %s is %s", entry.EntryNumber, entry.Status)
		}
		accounts, err := loadAccountsTx(tx, businessId, entry.AccountIds())
		if err != nil {
			return err
		}
		if result := CheckEntryLines(entry.Lines, accounts, config.GetLedgerSettings().AmountTolerance); !result.Valid {
			return result.Err()
		}
		now := time.Now().UTC()
		actor := utils.GetActorFromContext(ctx)
		res := tx.Model(&Entry{}).
			Where("business_id = ? AND id = ? AND status = ?", businessId, id, EntryStatusDraft).
			Updates(map[string]interface{}{
				"status":      EntryStatusApproved,
				"approved_by": &actor,
				"approved_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return utils.NewConflictError("approve entry", "entry %s changed concurrently", entry.EntryNumber)
		}
		return nil
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("approve entry", err)
	}
	return GetEntry(ctx, id)
}

// CancelEntry cancels a DRAFT or APPROVED entry outright. A POSTED entry is
// offset by a reversing entry and marked CANCELLED.
func CancelEntry(ctx context.Context, id int, reason string) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, utils.NewValidationError("REASON_REQUIRED", "cancellation reason is required")
	}

	db := config.GetDB()
	var reversal *Entry
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		if err := tx.Where("business_id = ? AND id = ?", businessId, id).First(&entry).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		actor := utils.GetActorFromContext(ctx)
		switch entry.Status {
		case EntryStatusDraft, EntryStatusApproved:
			res := tx.Model(&Entry{}).
				Where("business_id = ? AND id = ? AND status = ?", businessId, id, entry.Status).
				Updates(map[string]interface{}{
					"status":              EntryStatusCancelled,
					"cancelled_by":        &actor,
					"cancelled_at":        &now,
					"cancellation_reason": &reason,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return utils.NewConflictError("cancel entry", "entry %s changed concurrently", entry.EntryNumber)
			}
			return nil
		case EntryStatusPosted:
			var err error
			reversal, err = reverseEntryTx(ctx, tx, businessId, id, reason, EntryStatusCancelled)
			return err
		default:
			return utils.NewConflictError("cancel entry", "entry %s is already %s", entry.EntryNumber, entry.Status)
		}
	})
	if err != nil {
		return nil, utils.ClassifyStorageError("cancel entry", err)
	}
	if reversal != nil {
		config.Metrics().EntriesPosted.WithLabelValues(string(reversal.Kind)).Inc()
	}
	return GetEntry(ctx, id)
}

func GetEntry(ctx context.Context, id int) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	entry, err := loadEntryTx(db.WithContext(ctx), businessId, id)
	if err != nil {
		return nil, utils.ClassifyStorageError("get entry", err)
	}
	return entry, nil
}

// GetEntryWithLedger also loads the ledger records written when the entry was posted.
func GetEntryWithLedger(ctx context.Context, id int) (*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var entry Entry
	err = db.WithContext(ctx).
		Preload("Lines", orderByLineNo).
		Preload("LedgerRecords", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func ListEntries(ctx context.Context, filter *EntryFilter, page *Pagination) ([]*Entry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	limit, offset := page.normalize()
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter != nil {
		if filter.Kind != "" {
			dbCtx = dbCtx.Where("kind = ?", filter.Kind)
		}
		if filter.Status != "" {
			dbCtx = dbCtx.Where("status = ?", filter.Status)
		}
		if filter.FromDate != nil {
			dbCtx = dbCtx.Where("entry_date >= ?", utils.DateOnly(*filter.FromDate))
		}
		if filter.ToDate != nil {
			dbCtx = dbCtx.Where("entry_date <= ?", utils.DateOnly(*filter.ToDate))
		}
	}
	var entries []*Entry
	err = dbCtx.Preload("Lines", orderByLineNo).
		Order("entry_date DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	return entries, err
}

func orderByLineNo(db *gorm.DB) *gorm.DB {
	return db.Order("line_no ASC")
}

func loadEntryTx(tx *gorm.DB, businessId string, id int) (*Entry, error) {
	var entry Entry
	err := tx.Preload("Lines", orderByLineNo).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// loadAccountsTx reads accounts without locking them.
func loadAccountsTx(tx *gorm.DB, businessId string, ids []int) (map[int]*Account, error) {
	result := make(map[int]*Account, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var accounts []*Account
	if err := tx.Where("business_id = ? AND id IN ?", businessId, ids).Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		result[a.ID] = a
	}
	return result, nil
}
