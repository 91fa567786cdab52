package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// PeriodClosing moves open -> closed -> locked; closed may go back to open.
// Unique constraint: (business_id, period_start, period_end).
type PeriodClosing struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;not null;index;index:uniq_period,unique" json:"business_id"`
	PeriodStart    time.Time       `gorm:"not null;index:uniq_period,unique" json:"period_start"`
	PeriodEnd      time.Time       `gorm:"not null;index:uniq_period,unique" json:"period_end"`
	PeriodType     PeriodType      `gorm:"size:10;not null" json:"period_type"`
	Status         PeriodStatus    `gorm:"size:10;not null;index" json:"status"`
	ClosingEntryId *int            `json:"closing_entry_id"`
	RevenueTotal   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"revenue_total"`
	ExpenseTotal   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"expense_total"`
	NetIncome      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"net_income"`
	ClosedBy       *string         `gorm:"size:100" json:"closed_by"`
	ClosedAt       *time.Time      `json:"closed_at"`
	ReopenedBy     *string         `gorm:"size:100" json:"reopened_by"`
	ReopenedAt     *time.Time      `json:"reopened_at"`
	LockedBy       *string         `gorm:"size:100" json:"locked_by"`
	LockedAt       *time.Time      `json:"locked_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PeriodClosingEntry records one CLOSING entry posted for a period. A period
// that was reopened and closed again has one row per close that posted.
type PeriodClosingEntry struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;not null;index" json:"business_id"`
	PeriodClosingId int             `gorm:"not null;index" json:"period_closing_id"`
	EntryId         int             `gorm:"not null;index" json:"entry_id"`
	NetIncome       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"net_income"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// ClosingPlan is the closing entry for a set of temporary accounts.
type ClosingPlan struct {
	Lines        []NewEntryLine
	AccountIds   []int
	RevenueTotal decimal.Decimal
	ExpenseTotal decimal.Decimal
	NetIncome    decimal.Decimal
}

// BuildClosingPlan zeroes every revenue and expense account with a balance
// against retained earnings. Revenue is debited and expense credited by its
// balance; a negative balance flips the side. Accounts at zero are skipped.
func BuildClosingPlan(accounts []*Account, retainedEarnings *Account) ClosingPlan {
	plan := ClosingPlan{RevenueTotal: decimal.Zero, ExpenseTotal: decimal.Zero}
	for _, a := range accounts {
		if a == nil || !a.MainType.IsTemporary() || a.Balance.IsZero() {
			continue
		}
		line := NewEntryLine{AccountId: a.ID, Description: "Close " + a.Code + " " + a.Name}
		amount := a.Balance.Abs()
		// Revenue is credit-normal, so a positive balance is zeroed by a debit.
		zeroWithDebit := a.Balance.IsPositive() == (a.MainType == AccountMainTypeRevenue)
		if zeroWithDebit {
			line.Debit = amount
		} else {
			line.Credit = amount
		}
		if a.MainType == AccountMainTypeRevenue {
			plan.RevenueTotal = plan.RevenueTotal.Add(a.Balance)
		} else {
			plan.ExpenseTotal = plan.ExpenseTotal.Add(a.Balance)
		}
		plan.Lines = append(plan.Lines, line)
		plan.AccountIds = append(plan.AccountIds, a.ID)
	}
	plan.NetIncome = plan.RevenueTotal.Sub(plan.ExpenseTotal)
	if len(plan.Lines) == 0 || plan.NetIncome.IsZero() || retainedEarnings == nil {
		return plan
	}
	re := NewEntryLine{AccountId: retainedEarnings.ID, Description: "Net income to retained earnings"}
	if plan.NetIncome.IsPositive() {
		re.Credit = plan.NetIncome
	} else {
		re.Debit = plan.NetIncome.Abs()
	}
	plan.Lines = append(plan.Lines, re)
	return plan
}

// EnsurePeriodOpen fails with a ConflictError when date falls in a closed or locked period.
func EnsurePeriodOpen(tx *gorm.DB, businessId string, date time.Time) error {
	d := utils.DateOnly(date)
	var closing PeriodClosing
	err := tx.Where("business_id = ? AND status IN ? AND period_start <= ? AND period_end >= ?",
		businessId, []PeriodStatus{PeriodStatusClosed, PeriodStatusLocked}, d, d).
		Order("period_start ASC").
		First(&closing).Error
	if err = notFoundOr(err); err == utils.ErrorRecordNotFound {
		return nil
	} else if err != nil {
		return err
	}
	return utils.NewConflictError("period gate", "%s falls in %s period %s to %s",
		d.Format("2006-01-02"), closing.Status, closing.PeriodStart.Format("2006-01-02"), closing.PeriodEnd.Format("2006-01-02"))
}

// ClosePeriod posts the closing entry for [periodStart, periodEnd] and records
// the period as closed. Closes are serialized on the retained earnings row.
//
// The plan sweeps the current revenue and expense balances, so activity dated
// after periodEnd that is already posted is closed too. Closing a reopened
// period reuses its row: totals accumulate, and when nothing new is swept the
// earlier closing entry stays the row's reference.
func ClosePeriod(ctx context.Context, periodStart, periodEnd time.Time, periodType PeriodType) (*PeriodClosing, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	periodStart, periodEnd = utils.DateOnly(periodStart), utils.DateOnly(periodEnd)
	if !periodType.IsValid() {
		return nil, utils.NewValidationError("INVALID_PERIOD_TYPE", "unknown period type %q", periodType)
	}
	if periodEnd.Before(periodStart) {
		return nil, utils.NewValidationError("INVALID_DATE_RANGE", "period end is before period start")
	}
	ctx, span := config.Tracer().Start(ctx, "ledger.ClosePeriod")
	defer span.End()
	span.SetAttributes(attribute.String("business.id", businessId),
		attribute.String("period.start", periodStart.Format("2006-01-02")),
		attribute.String("period.end", periodEnd.Format("2006-01-02")))

	settings := config.GetLedgerSettings()
	var closing *PeriodClosing
	var closingEntry *Entry
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var retained Account
		if err := tx.Clauses(forUpdate()).
			Where("business_id = ? AND code = ?", businessId, settings.RetainedEarningsCode).
			First(&retained).Error; err != nil {
			if notFoundOr(err) == utils.ErrorRecordNotFound {
				return utils.NewValidationError("RETAINED_EARNINGS_MISSING", "retained earnings account %s does not exist", settings.RetainedEarningsCode)
			}
			return err
		}
		if retained.MainType != AccountMainTypeEquity || !retained.Active() {
			return utils.NewValidationError("RETAINED_EARNINGS_INVALID", "account %s must be an active equity account", retained.Code)
		}

		var overlapping int64
		if err := tx.Model(&PeriodClosing{}).
			Where("business_id = ? AND status IN ? AND period_start <= ? AND period_end >= ?",
				businessId, []PeriodStatus{PeriodStatusClosed, PeriodStatusLocked}, periodEnd, periodStart).
			Count(&overlapping).Error; err != nil {
			return err
		}
		if overlapping > 0 {
			return utils.NewConflictError("close period", "an overlapping period is already closed or locked")
		}

		var temporary []*Account
		if err := tx.Clauses(forUpdate()).
			Where("business_id = ? AND is_active = ? AND main_type IN ?", businessId, true,
				[]AccountMainType{AccountMainTypeRevenue, AccountMainTypeExpense}).
			Order("id ASC").
			Find(&temporary).Error; err != nil {
			return err
		}
		plan := BuildClosingPlan(temporary, &retained)

		if len(plan.Lines) > 0 {
			var err error
			closingEntry, err = postSystemEntryTx(ctx, tx, businessId, &NewEntry{
				Kind:        EntryKindClosing,
				EntryDate:   periodEnd,
				Description: fmt.Sprintf("Closing entry for %s to %s", periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02")),
				Reference:   fmt.Sprintf("CLOSE-%s", periodEnd.Format("20060102")),
				SourceType:  "period_closing",
				Lines:       plan.Lines,
			})
			if err != nil {
				return err
			}
			// Posting already nets these to zero; the explicit write pins them there.
			if err := tx.Model(&Account{}).
				Where("business_id = ? AND id IN ?", businessId, plan.AccountIds).
				Update("balance", decimal.Zero).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		actor := utils.GetActorFromContext(ctx)
		closing = &PeriodClosing{}
		err := tx.Clauses(forUpdate()).
			Where("business_id = ? AND period_start = ? AND period_end = ?", businessId, periodStart, periodEnd).
			First(closing).Error
		if err = notFoundOr(err); err != nil && err != utils.ErrorRecordNotFound {
			return err
		}
		closing.BusinessId = businessId
		closing.PeriodStart = periodStart
		closing.PeriodEnd = periodEnd
		closing.PeriodType = periodType
		closing.Status = PeriodStatusClosed
		if closing.ID == 0 {
			closing.RevenueTotal = plan.RevenueTotal
			closing.ExpenseTotal = plan.ExpenseTotal
			closing.NetIncome = plan.NetIncome
		} else {
			closing.RevenueTotal = closing.RevenueTotal.Add(plan.RevenueTotal)
			closing.ExpenseTotal = closing.ExpenseTotal.Add(plan.ExpenseTotal)
			closing.NetIncome = closing.NetIncome.Add(plan.NetIncome)
		}
		closing.ClosedBy = &actor
		closing.ClosedAt = &now
		if closingEntry != nil {
			closing.ClosingEntryId = &closingEntry.ID
		}
		if err := tx.Save(closing).Error; err != nil {
			return err
		}
		if closingEntry != nil {
			if err := tx.Create(&PeriodClosingEntry{
				BusinessId:      businessId,
				PeriodClosingId: closing.ID,
				EntryId:         closingEntry.ID,
				NetIncome:       plan.NetIncome,
			}).Error; err != nil {
				return err
			}
		}
		return publishEvent(ctx, tx, businessId, EventTypePeriodClosed, "period_closing", closing.ID, closing.payload())
	})
	if err != nil {
		span.RecordError(err)
		return nil, utils.ClassifyStorageError("close period", err)
	}
	if closingEntry != nil {
		config.Metrics().EntriesPosted.WithLabelValues(string(closingEntry.Kind)).Inc()
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":       "ClosePeriod",
		"business_id": businessId,
		"period_id":   closing.ID,
		"net_income":  closing.NetIncome.String(),
	}).Info("period closed")
	return closing, nil
}

func (p *PeriodClosing) payload() PeriodPayload {
	return PeriodPayload{
		PeriodClosingId: p.ID,
		PeriodStart:     p.PeriodStart,
		PeriodEnd:       p.PeriodEnd,
		Status:          p.Status,
		NetIncome:       p.NetIncome.String(),
	}
}

// ReopenPeriod sets a closed period back to open. The closing entry stays posted.
func ReopenPeriod(ctx context.Context, periodClosingId int) (*PeriodClosing, error) {
	return transitionPeriod(ctx, periodClosingId, "reopen period", PeriodStatusClosed, PeriodStatusOpen)
}

// LockPeriod makes a closed period permanent.
func LockPeriod(ctx context.Context, periodClosingId int) (*PeriodClosing, error) {
	return transitionPeriod(ctx, periodClosingId, "lock period", PeriodStatusClosed, PeriodStatusLocked)
}

func transitionPeriod(ctx context.Context, id int, op string, from, to PeriodStatus) (*PeriodClosing, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	var closing PeriodClosing
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).Where("business_id = ? AND id = ?", businessId, id).First(&closing).Error; err != nil {
			return notFoundOr(err)
		}
		if closing.Status != from {
			return utils.NewConflictError(op, "period %s to %s is %s",
				closing.PeriodStart.Format("2006-01-02"), closing.PeriodEnd.Format("2006-01-02"), closing.Status)
		}
		now := time.Now().UTC()
		actor := utils.GetActorFromContext(ctx)
		updates := map[string]interface{}{"status": to}
		switch to {
		case PeriodStatusOpen:
			updates["reopened_by"], updates["reopened_at"] = &actor, &now
			closing.ReopenedBy, closing.ReopenedAt = &actor, &now
		case PeriodStatusLocked:
			updates["locked_by"], updates["locked_at"] = &actor, &now
			closing.LockedBy, closing.LockedAt = &actor, &now
		}
		res := tx.Model(&PeriodClosing{}).
			Where("business_id = ? AND id = ? AND status = ?", businessId, id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return utils.NewConflictError(op, "period %d changed concurrently", id)
		}
		closing.Status = to
		if to == PeriodStatusOpen {
			return publishEvent(ctx, tx, businessId, EventTypePeriodReopened, "period_closing", closing.ID, closing.payload())
		}
		return nil
	})
	if err != nil {
		return nil, utils.ClassifyStorageError(op, err)
	}
	return &closing, nil
}

func GetPeriodClosing(ctx context.Context, id int) (*PeriodClosing, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[PeriodClosing](ctx, businessId, id)
}

// ListPeriodClosingEntries returns the closing entries posted for a period, oldest first.
func ListPeriodClosingEntries(ctx context.Context, periodClosingId int) ([]*PeriodClosingEntry, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	var results []*PeriodClosingEntry
	err = config.GetDB().WithContext(ctx).
		Where("business_id = ? AND period_closing_id = ?", businessId, periodClosingId).
		Order("id ASC").
		Find(&results).Error
	return results, err
}

// ListPeriodClosings returns periods newest first, optionally of one status.
func ListPeriodClosings(ctx context.Context, status PeriodStatus) ([]*PeriodClosing, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	var results []*PeriodClosing
	err = dbCtx.Order("period_start DESC").Find(&results).Error
	return results, err
}
