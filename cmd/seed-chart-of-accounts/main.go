// seed-chart-of-accounts creates the default chart of accounts for a business.
// Accounts whose code already exists are left alone, so it is safe to rerun.
//
// Usage:
//
//	go run ./cmd/seed-chart-of-accounts -business-id=<uuid> [-migrate]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	migrate := flag.Bool("migrate", false, "Run table migrations first")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if *migrate {
		if err := models.MigrateTable(); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	ctx = utils.SetUsernameInContext(ctx, "seed-chart-of-accounts")
	created, err := models.SeedDefaultChartOfAccounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(2)
	}
	for _, a := range created {
		fmt.Printf("created %s %s (%s)\n", a.Code, a.Name, a.MainType)
	}
	fmt.Printf("%d account(s) created\n", len(created))
}
