// integrity-check runs the ledger audit for one business and prints the findings.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/integrity-check -business-id=<uuid> [-auto-repair]
//
// Exits 3 when balance mismatches or unbalanced entries remain.
package main

import (
	"context"
	"encoding/json"
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
	autoRepair := flag.Bool("auto-repair", false, "Overwrite mismatched balances when few enough accounts disagree")
	asJSON := flag.Bool("json", false, "Print reports as JSON")
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

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	ctx = utils.SetUsernameInContext(ctx, "integrity-check")
	ctx, cid := utils.EnsureCorrelationId(ctx)

	reports, err := models.RunIntegrityChecks(ctx, *autoRepair)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrity check failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
	} else {
		fmt.Printf("run %s\n", cid)
		for _, r := range reports {
			fmt.Printf("%-24s %-8s checked=%d issues=%d repaired=%d\n", r.CheckType, r.Status, r.Checked, len(r.Issues), r.RepairedCount)
			if r.RepairSkipped {
				fmt.Println("  auto-repair skipped: too many mismatched accounts")
			}
			for _, issue := range r.Issues {
				fmt.Printf("  [%s] %s\n", issue.Severity, issue.Details)
			}
		}
	}

	for _, r := range reports {
		if r.Err() != nil {
			os.Exit(3)
		}
	}
}
