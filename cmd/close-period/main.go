// close-period closes, reopens or locks an accounting period.
//
// Usage:
//
//	go run ./cmd/close-period -business-id=<uuid> -action=close -from=2024-01-01 -to=2024-01-31 [-type=month]
//	go run ./cmd/close-period -business-id=<uuid> -action=reopen -id=12
//	go run ./cmd/close-period -business-id=<uuid> -action=lock -id=12
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	action := flag.String("action", "close", "close | reopen | lock | list")
	fromStr := flag.String("from", "", "Period start (YYYY-MM-DD), for close")
	toStr := flag.String("to", "", "Period end (YYYY-MM-DD), for close")
	periodType := flag.String("type", string(models.PeriodTypeMonth), "month | quarter | year")
	periodID := flag.Int("id", 0, "Period closing id, for reopen and lock")
	actor := flag.String("actor", "close-period", "Recorded actor")
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
	ctx = utils.SetUsernameInContext(ctx, *actor)

	var (
		period *models.PeriodClosing
		err    error
	)
	switch *action {
	case "close":
		from, ferr := time.Parse("2006-01-02", *fromStr)
		to, terr := time.Parse("2006-01-02", *toStr)
		if ferr != nil || terr != nil {
			fmt.Fprintln(os.Stderr, "--from and --to must be YYYY-MM-DD")
			os.Exit(1)
		}
		period, err = models.ClosePeriod(ctx, from, to, models.PeriodType(*periodType))
	case "reopen":
		period, err = models.ReopenPeriod(ctx, *periodID)
	case "lock":
		period, err = models.LockPeriod(ctx, *periodID)
	case "list":
		periods, lerr := models.ListPeriodClosings(ctx, "")
		if lerr != nil {
			fmt.Fprintln(os.Stderr, lerr)
			os.Exit(2)
		}
		for _, p := range periods {
			printPeriod(p)
		}
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", *action, err)
		os.Exit(2)
	}
	printPeriod(period)
}

func printPeriod(p *models.PeriodClosing) {
	entry := "-"
	if p.ClosingEntryId != nil {
		entry = fmt.Sprintf("%d", *p.ClosingEntryId)
	}
	fmt.Printf("%d %s..%s %-7s %-6s net_income=%s closing_entry=%s\n",
		p.ID, p.PeriodStart.Format("2006-01-02"), p.PeriodEnd.Format("2006-01-02"),
		p.PeriodType, p.Status, p.NetIncome.StringFixed(2), entry)
}
