package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// BankStatement is supplied by the bank and only its Status changes after upload.
type BankStatement struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	BusinessId     string              `gorm:"size:64;not null;index" json:"business_id"`
	AccountId      int                 `gorm:"not null;index" json:"account_id"`
	StatementDate  time.Time           `gorm:"not null;index" json:"statement_date"`
	OpeningBalance decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"opening_balance"`
	ClosingBalance decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"closing_balance"`
	Status         StatementStatus     `gorm:"size:20;not null;index" json:"status"`
	FileName       string              `gorm:"size:255" json:"file_name"`
	UploadedBy     string              `gorm:"size:100" json:"uploaded_by"`
	Lines          []BankStatementLine `gorm:"foreignKey:StatementId" json:"lines"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type BankStatementLine struct {
	ID              int              `gorm:"primary_key" json:"id"`
	BusinessId      string           `gorm:"size:64;not null;index" json:"business_id"`
	StatementId     int              `gorm:"not null;index:uniq_statement_line_ref,unique" json:"statement_id"`
	LineNo          int              `gorm:"not null" json:"line_no"`
	TransactionDate time.Time        `gorm:"not null" json:"transaction_date"`
	Description     string           `gorm:"type:text" json:"description"`
	Reference       string           `gorm:"size:100;not null;index:uniq_statement_line_ref,unique" json:"reference"`
	Debit           decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"debit"`
	Credit          decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"credit"`
	Balance         *decimal.Decimal `gorm:"type:decimal(20,4)" json:"balance"`
}

type NewBankStatement struct {
	AccountId      int                    `json:"account_id" validate:"required"`
	StatementDate  time.Time              `json:"statement_date" validate:"required"`
	OpeningBalance decimal.Decimal        `json:"opening_balance"`
	ClosingBalance decimal.Decimal        `json:"closing_balance"`
	FileName       string                 `json:"file_name" validate:"max=255"`
	Lines          []NewBankStatementLine `json:"lines" validate:"dive"`
}

type NewBankStatementLine struct {
	TransactionDate time.Time        `json:"transaction_date" validate:"required"`
	Description     string           `json:"description"`
	Reference       string           `json:"reference" validate:"max=100"`
	Debit           decimal.Decimal  `json:"debit"`
	Credit          decimal.Decimal  `json:"credit"`
	Balance         *decimal.Decimal `json:"balance"`
}

func (s *BankStatement) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if f == nil || f.Name == "" || f.Name == "Status" || f.Name == "UpdatedAt" {
			continue
		}
		if tx.Statement.Changed(f.Name) {
			return errors.New("bank statements are immutable except for their status")
		}
	}
	return nil
}

func (s *BankStatement) BeforeDelete(tx *gorm.DB) error {
	return errors.New("bank statements cannot be deleted")
}

func (l *BankStatementLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("bank statement lines cannot be updated")
}

func (input *NewBankStatement) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if len(input.Lines) == 0 {
		return utils.NewValidationError(RuleEmptyLines, "a statement needs at least one line")
	}
	var violations []utils.Violation
	seen := make(map[string]int)
	for i, l := range input.Lines {
		n := i + 1
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			violations = append(violations, utils.Violation{Line: n, Rule: RuleNegativeAmount, Message: "debit and credit must not be negative"})
		} else if l.Debit.IsPositive() == l.Credit.IsPositive() {
			violations = append(violations, utils.Violation{Line: n, Rule: RuleNonExclusiveAmount, Message: "exactly one of debit or credit must be greater than zero"})
		}
		ref := strings.TrimSpace(l.Reference)
		if ref == "" {
			continue
		}
		if prev, ok := seen[ref]; ok {
			violations = append(violations, utils.Violation{Line: n, Rule: "DUPLICATE_REFERENCE", Message: fmt.Sprintf("reference %q already used on line %d", ref, prev)})
			continue
		}
		seen[ref] = n
	}
	if len(violations) > 0 {
		return &utils.ValidationError{Violations: violations}
	}
	return nil
}

// buildStatementLines fills blank references with L<line no>, skipping any
// value already taken by an explicit reference.
func buildStatementLines(businessId string, input []NewBankStatementLine) []BankStatementLine {
	taken := make(map[string]bool, len(input))
	for _, l := range input {
		if ref := strings.TrimSpace(l.Reference); ref != "" {
			taken[ref] = true
		}
	}
	lines := make([]BankStatementLine, 0, len(input))
	for i, l := range input {
		ref := strings.TrimSpace(l.Reference)
		if ref == "" {
			ref = fmt.Sprintf("L%04d", i+1)
			for suffix := 2; taken[ref]; suffix++ {
				ref = fmt.Sprintf("L%04d-%d", i+1, suffix)
			}
			taken[ref] = true
		}
		lines = append(lines, BankStatementLine{
			BusinessId:      businessId,
			LineNo:          i + 1,
			TransactionDate: utils.DateOnly(l.TransactionDate),
			Description:     strings.TrimSpace(l.Description),
			Reference:       ref,
			Debit:           l.Debit,
			Credit:          l.Credit,
			Balance:         l.Balance,
		})
	}
	return lines
}

// UploadBankStatement stores a statement for a cash-type asset account.
func UploadBankStatement(ctx context.Context, input *NewBankStatement) (*BankStatement, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	account, err := utils.FetchModel[Account](ctx, businessId, input.AccountId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewValidationError(RuleUnknownAccount, "account %d does not exist", input.AccountId)
		}
		return nil, err
	}
	if account.MainType != AccountMainTypeAsset || !account.IsCashAccount() {
		return nil, utils.NewValidationError("NOT_BANK_ACCOUNT", "account %s is not a cash or bank asset account", account.Code)
	}

	statement := BankStatement{
		BusinessId:     businessId,
		AccountId:      account.ID,
		StatementDate:  utils.DateOnly(input.StatementDate),
		OpeningBalance: input.OpeningBalance,
		ClosingBalance: input.ClosingBalance,
		Status:         StatementStatusPending,
		FileName:       input.FileName,
		UploadedBy:     utils.GetActorFromContext(ctx),
		Lines:          buildStatementLines(businessId, input.Lines),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&statement).Error; err != nil {
		return nil, utils.ClassifyStorageError("upload bank statement", err)
	}
	return &statement, nil
}

func GetBankStatement(ctx context.Context, id int) (*BankStatement, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	return loadStatementTx(db.WithContext(ctx), businessId, id, false)
}

func ListBankStatements(ctx context.Context, accountId int) ([]*BankStatement, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if accountId > 0 {
		dbCtx = dbCtx.Where("account_id = ?", accountId)
	}
	var statements []*BankStatement
	err = dbCtx.Order("statement_date DESC, id DESC").Find(&statements).Error
	return statements, err
}

func loadStatementTx(tx *gorm.DB, businessId string, id int, lock bool) (*BankStatement, error) {
	q := tx
	if lock {
		q = q.Clauses(forUpdate())
	}
	var statement BankStatement
	err := q.Where("business_id = ? AND id = ?", businessId, id).First(&statement).Error
	if err != nil {
		return nil, notFoundOr(err)
	}
	if err := tx.Where("business_id = ? AND statement_id = ?", businessId, id).
		Order("line_no ASC").
		Find(&statement.Lines).Error; err != nil {
		return nil, err
	}
	return &statement, nil
}

func setStatementStatus(tx *gorm.DB, businessId string, id int, status StatementStatus) error {
	return tx.Model(&BankStatement{}).
		Where("business_id = ? AND id = ?", businessId, id).
		Update("status", status).Error
}

var statementDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-Jan-2006",
	"02 Jan 2006",
	"Jan 2, 2006",
}

// statementColumns maps header names (lower case) to the column they fill.
var statementColumns = map[string]string{
	"date":             "date",
	"transaction date": "date",
	"value date":       "date",
	"description":      "description",
	"details":          "description",
	"narration":        "description",
	"reference":        "reference",
	"ref":              "reference",
	"cheque no":        "reference",
	"debit":            "debit",
	"withdrawal":       "debit",
	"withdrawals":      "debit",
	"credit":           "credit",
	"deposit":          "credit",
	"deposits":         "credit",
	"balance":          "balance",
}

// ParseBankStatementXLSX reads statement lines from the named sheet, or the
// first sheet when sheet is empty. The first non-empty row is the header and
// needs at least date, description, debit and credit columns.
func ParseBankStatementXLSX(r io.Reader, sheet string) ([]NewBankStatementLine, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open statement workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, utils.NewValidationError("EMPTY_STATEMENT", "workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}

	header := -1
	cols := map[string]int{}
	for i, row := range rows {
		if isBlankRow(row) {
			continue
		}
		for c, name := range row {
			if field, ok := statementColumns[strings.ToLower(strings.TrimSpace(name))]; ok {
				if _, dup := cols[field]; !dup {
					cols[field] = c
				}
			}
		}
		header = i
		break
	}
	for _, required := range []string{"date", "description", "debit", "credit"} {
		if _, ok := cols[required]; !ok {
			return nil, utils.NewValidationError("MISSING_COLUMN", "statement sheet has no %s column", required)
		}
	}

	var lines []NewBankStatementLine
	var violations []utils.Violation
	for i := header + 1; i < len(rows); i++ {
		row := rows[i]
		if isBlankRow(row) {
			continue
		}
		rowNo := i + 1
		date, err := parseStatementDate(cell(row, cols, "date"))
		if err != nil {
			violations = append(violations, utils.Violation{Line: rowNo, Rule: "INVALID_DATE", Message: err.Error()})
			continue
		}
		debit, err := parseStatementAmount(cell(row, cols, "debit"))
		if err != nil {
			violations = append(violations, utils.Violation{Line: rowNo, Rule: "INVALID_AMOUNT", Message: err.Error()})
			continue
		}
		credit, err := parseStatementAmount(cell(row, cols, "credit"))
		if err != nil {
			violations = append(violations, utils.Violation{Line: rowNo, Rule: "INVALID_AMOUNT", Message: err.Error()})
			continue
		}
		line := NewBankStatementLine{
			TransactionDate: date,
			Description:     strings.TrimSpace(cell(row, cols, "description")),
			Reference:       strings.TrimSpace(cell(row, cols, "reference")),
			Debit:           debit,
			Credit:          credit,
		}
		if raw := cell(row, cols, "balance"); strings.TrimSpace(raw) != "" {
			if b, err := parseStatementAmount(raw); err == nil {
				line.Balance = &b
			}
		}
		lines = append(lines, line)
	}
	if len(violations) > 0 {
		return nil, &utils.ValidationError{Violations: violations}
	}
	return lines, nil
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cell(row []string, cols map[string]int, field string) string {
	idx, ok := cols[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// parseStatementDate accepts Excel serial dates as well as the common text layouts.
func parseStatementDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("date is empty")
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("date %q: %w", raw, err)
		}
		return utils.DateOnly(t), nil
	}
	for _, layout := range statementDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return utils.DateOnly(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q is not in a known format", raw)
}

func parseStatementAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" || raw == "-" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q is not a number", raw)
	}
	return d.Abs(), nil
}
