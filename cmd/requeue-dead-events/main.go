// requeue-dead-events moves DEAD outbox rows back to PENDING so the dispatcher retries them.
//
// Usage:
//
//	go run ./cmd/requeue-dead-events [-business-id=<uuid>]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
)

func main() {
	businessID := flag.String("business-id", "", "Optional: only requeue this business")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	n, err := models.RequeueDeadEvents(context.Background(), *businessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("requeued %d event(s)\n", n)
}
