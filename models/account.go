package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Account struct {
	ID             int               `gorm:"primary_key" json:"id"`
	BusinessId     string            `gorm:"size:64;not null;index;index:uniq_account_code,unique" json:"business_id"`
	Code           string            `gorm:"size:20;not null;index:uniq_account_code,unique" json:"code"`
	Name           string            `gorm:"size:100;not null" json:"name"`
	MainType       AccountMainType   `gorm:"size:20;not null;index" json:"main_type"`
	DetailType     AccountDetailType `gorm:"size:50;not null;index" json:"detail_type"`
	Category       string            `gorm:"size:100" json:"category"`
	Description    string            `gorm:"type:text" json:"description"`
	Balance        decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	OpeningBalance decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"opening_balance"`
	IsActive       *bool             `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAccount struct {
	Code           string            `json:"code" validate:"required,max=20"`
	Name           string            `json:"name" validate:"required,max=100"`
	MainType       AccountMainType   `json:"main_type" validate:"required"`
	DetailType     AccountDetailType `json:"detail_type" validate:"required"`
	Category       string            `json:"category" validate:"max=100"`
	Description    string            `json:"description"`
	OpeningBalance decimal.Decimal   `json:"opening_balance"`
}

type UpdateAccountInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Category    string `json:"category" validate:"max=100"`
	Description string `json:"description"`
}

type AccountFilter struct {
	MainType   AccountMainType
	ActiveOnly bool
	CashOnly   bool
}

// Accounts are deactivated, never deleted; ledger history keeps pointing at them.
func (a *Account) BeforeDelete(tx *gorm.DB) error {
	return errors.New("accounts cannot be deleted; deactivate instead")
}

func (a *Account) Active() bool {
	return a.IsActive != nil && *a.IsActive
}

// IsCashAccount marks accounts whose movements are classified for the cash-flow statement.
func (a *Account) IsCashAccount() bool {
	return a.DetailType == AccountDetailTypeCash || a.DetailType == AccountDetailTypeBank
}

// SignedDelta is the change a (debit, credit) pair makes to the account balance.
func (a *Account) SignedDelta(debit, credit decimal.Decimal) decimal.Decimal {
	return SignedDelta(a.MainType, debit, credit)
}

func SignedDelta(mainType AccountMainType, debit, credit decimal.Decimal) decimal.Decimal {
	if mainType.NormalBalance() == NormalBalanceDebit {
		return debit.Sub(credit)
	}
	return credit.Sub(debit)
}

func (input *NewAccount) validate(ctx context.Context, businessId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.MainType.IsValid() {
		return utils.NewValidationError("INVALID_ACCOUNT_TYPE", "unknown account type %q", input.MainType)
	}
	if !input.DetailType.BelongsTo(input.MainType) {
		return utils.NewValidationError("INVALID_DETAIL_TYPE", "detail type %q is not allowed for %s accounts", input.DetailType, input.MainType)
	}
	count, err := utils.ResourceCountWhere[Account](ctx, businessId, "code = ?", input.Code)
	if err != nil {
		return err
	}
	if count > 0 {
		return utils.NewValidationError("DUPLICATE_ACCOUNT_CODE", "account code %s already exists", input.Code)
	}
	return nil
}

func CreateAccount(ctx context.Context, input *NewAccount) (*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	account := Account{
		BusinessId:     businessId,
		Code:           input.Code,
		Name:           input.Name,
		MainType:       input.MainType,
		DetailType:     input.DetailType,
		Category:       input.Category,
		Description:    input.Description,
		OpeningBalance: input.OpeningBalance,
		Balance:        input.OpeningBalance,
		IsActive:       utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&account).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewValidationError("DUPLICATE_ACCOUNT_CODE", "account code %s already exists", input.Code)
		}
		return nil, err
	}
	return &account, nil
}

// UpdateAccount edits descriptive fields only. Type and balances are owned by posting.
func UpdateAccount(ctx context.Context, id int, input *UpdateAccountInput) (*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	account, err := utils.FetchModel[Account](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Account{}).Where("business_id = ? AND id = ?", businessId, id).Updates(map[string]interface{}{
		"name":        input.Name,
		"category":    input.Category,
		"description": input.Description,
	}).Error; err != nil {
		return nil, err
	}
	account.Name = input.Name
	account.Category = input.Category
	account.Description = input.Description
	return account, nil
}

func DeactivateAccount(ctx context.Context, id int) (*Account, error) {
	return setAccountActive(ctx, id, false)
}

func ActivateAccount(ctx context.Context, id int) (*Account, error) {
	return setAccountActive(ctx, id, true)
}

func setAccountActive(ctx context.Context, id int, active bool) (*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	account, err := utils.FetchModel[Account](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Account{}).
		Where("business_id = ? AND id = ?", businessId, id).
		Update("is_active", active).Error; err != nil {
		return nil, err
	}
	account.IsActive = &active
	return account, nil
}

func GetAccount(ctx context.Context, id int) (*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[Account](ctx, businessId, id)
}

func GetAccountByCode(ctx context.Context, code string) (*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var account Account
	err = db.WithContext(ctx).Where("business_id = ? AND code = ?", businessId, code).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func ListAccounts(ctx context.Context, filter *AccountFilter) ([]*Account, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter != nil {
		if filter.MainType != "" {
			dbCtx = dbCtx.Where("main_type = ?", filter.MainType)
		}
		if filter.ActiveOnly {
			dbCtx = dbCtx.Where("is_active = ?", true)
		}
		if filter.CashOnly {
			dbCtx = dbCtx.Where("detail_type IN ?", []AccountDetailType{AccountDetailTypeCash, AccountDetailTypeBank})
		}
	}
	var results []*Account
	if err := dbCtx.Order("code").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// lockAccounts row-locks the given accounts in ascending id order and returns them by id.
func lockAccounts(tx *gorm.DB, businessId string, ids []int) (map[int]*Account, error) {
	ids = utils.UniqueSlice(ids)
	result := make(map[int]*Account, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var accounts []*Account
	if err := tx.Clauses(forUpdate()).
		Where("business_id = ? AND id IN ?", businessId, ids).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		result[a.ID] = a
	}
	return result, nil
}

// ListBusinessIds returns every business that has a chart of accounts.
func ListBusinessIds(ctx context.Context) ([]string, error) {
	db := config.GetDB()
	var ids []string
	err := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&Account{}).
		Distinct("business_id").
		Order("business_id ASC").
		Pluck("business_id", &ids).Error
	return ids, err
}
