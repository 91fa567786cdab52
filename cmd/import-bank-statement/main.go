// import-bank-statement reads an XLSX bank statement and uploads it against a bank account.
//
// Usage:
//
//	go run ./cmd/import-bank-statement -business-id=<uuid> -account-code=1010 \
//	  -file=statement.xlsx -statement-date=2024-01-31 -opening=1000 -closing=1250.50 [-sheet=Sheet1] [-start]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	accountCode := flag.String("account-code", "", "Required: bank account code")
	file := flag.String("file", "", "Required: path to the .xlsx statement")
	sheet := flag.String("sheet", "", "Optional: sheet name (default first sheet)")
	statementDate := flag.String("statement-date", "", "Required: statement date (YYYY-MM-DD)")
	opening := flag.String("opening", "0", "Statement opening balance")
	closing := flag.String("closing", "", "Required: statement closing balance")
	uploadedBy := flag.String("uploaded-by", "import-bank-statement", "Recorded uploader")
	start := flag.Bool("start", false, "Start a reconciliation session after upload")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *accountCode == "" || *file == "" || *statementDate == "" || *closing == "" {
		fmt.Fprintln(os.Stderr, "--business-id, --account-code, --file, --statement-date and --closing are required")
		os.Exit(1)
	}
	date, err := time.Parse("2006-01-02", strings.TrimSpace(*statementDate))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid statement date: %v\n", err)
		os.Exit(1)
	}
	openingBalance, err := utils.ParseDecimal(*opening)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	closingBalance, err := utils.ParseDecimal(*closing)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}
	defer f.Close()
	lines, err := models.ParseBankStatementXLSX(f, *sheet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse statement: %v\n", err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	ctx = utils.SetUsernameInContext(ctx, *uploadedBy)

	account, err := models.GetAccountByCode(ctx, *accountCode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "account %s: %v\n", *accountCode, err)
		os.Exit(1)
	}
	statement, err := models.UploadBankStatement(ctx, &models.NewBankStatement{
		AccountId:      account.ID,
		StatementDate:  date,
		OpeningBalance: openingBalance,
		ClosingBalance: closingBalance,
		FileName:       filepath.Base(*file),
		Lines:          lines,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "upload statement: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("statement %d uploaded with %d lines\n", statement.ID, len(statement.Lines))

	if *start {
		session, err := models.StartReconciliation(ctx, statement.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "start reconciliation: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("reconciliation %d: matched=%d unmatched_book=%d unmatched_bank=%d difference=%s\n",
			session.ID, len(session.Matched), len(session.UnmatchedBook), len(session.UnmatchedBank), session.Difference.StringFixed(2))
	}
}
