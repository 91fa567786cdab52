package models

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func requireBusinessId(ctx context.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return "", utils.NewValidationError("BUSINESS_REQUIRED", "business id is required")
	}
	return businessId, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// forUpdate is a row lock held until the surrounding transaction ends.
// SQLite ignores it; its single writer already serializes.
func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// Pagination bounds list queries.
type Pagination struct {
	Limit  int
	Offset int
}

func (p *Pagination) normalize() (int, int) {
	if p == nil {
		return 50, 0
	}
	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func notFoundOr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}
