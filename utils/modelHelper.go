package utils

import (
	"context"
	"errors"

	"github.com/mmdatafocus/ledger_backend/config"
	"gorm.io/gorm"
)

// FetchModel loads one T by id inside businessId (may return ErrorRecordNotFound).
func FetchModel[T any](ctx context.Context, businessId string, id int, associations ...string) (*T, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ResourceCountWhere counts rows of T inside businessId matching condition.
func ResourceCountWhere[T any](ctx context.Context, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model).Where("business_id = ?", businessId)
	if condition != "" {
		dbCtx = dbCtx.Where(condition, value...)
	}
	var count int64
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
