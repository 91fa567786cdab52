package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
)

// Run (requires Docker): INTEGRATION_TESTS=1 go test ./models -run MySQL -v

func setupMySQLLedger(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "ledger_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	config.SetLedgerSettings(config.DefaultLedgerSettings())
	t.Cleanup(func() {
		config.SetDB(nil)
		config.SetRedisClient(nil)
	})
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), uuid.NewString())
	return utils.SetUsernameInContext(ctx, "test@local")
}

func TestMySQLConcurrentPostingKeepsBalancesExact(t *testing.T) {
	ctx := setupMySQLLedger(t)
	c := seedChart(t, ctx)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	numbers := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				var posted *models.Entry
				err := utils.RetryTransient(ctx, 5, func() error {
					var err error
					posted, err = models.PostNewEntry(ctx, &models.NewEntry{
						Kind:        models.EntryKindReceipt,
						EntryDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
						Description: fmt.Sprintf("Counter sale %d-%d", w, i),
						Lines: []models.NewEntryLine{
							{AccountId: c.Cash.ID, Debit: dec("10.25")},
							{AccountId: c.Sales.ID, Credit: dec("10.25")},
						},
					})
					return err
				})
				if err != nil {
					errs <- err
					continue
				}
				numbers <- posted.EntryNumber
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	close(numbers)
	for err := range errs {
		t.Fatalf("post: %v", err)
	}

	seen := map[string]bool{}
	for n := range numbers {
		if seen[n] {
			t.Fatalf("entry number %s issued twice", n)
		}
		seen[n] = true
	}
	total := workers * perWorker
	if len(seen) != total {
		t.Fatalf("posted %d entries, want %d", len(seen), total)
	}
	for i := 1; i <= total; i++ {
		if n := models.FormatEntryNumber(models.EntryKindReceipt, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), int64(i)); !seen[n] {
			t.Fatalf("entry number %s missing; numbering has a gap", n)
		}
	}

	want := dec("10.25").Mul(dec(fmt.Sprint(total)))
	if got := reloadAccount(t, ctx, c.Cash.ID).Balance; !got.Equal(want) {
		t.Fatalf("cash balance = %s, want %s", got, want)
	}

	reports, err := models.RunIntegrityChecks(ctx, false)
	if err != nil {
		t.Fatalf("RunIntegrityChecks: %v", err)
	}
	for _, r := range reports {
		if r.CheckType == models.IntegrityCheckDuplicate {
			continue
		}
		if r.Status != models.ReportStatusSuccess {
			t.Fatalf("%s: %s %v", r.CheckType, r.Status, r.Issues)
		}
	}
}

func TestMySQLConcurrentDoublePostSucceedsOnce(t *testing.T) {
	ctx := setupMySQLLedger(t)
	c := seedChart(t, ctx)

	draft, err := models.CreateEntry(ctx, &models.NewEntry{
		Kind:      models.EntryKindPayment,
		EntryDate: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Lines: []models.NewEntryLine{
			{AccountId: c.Rent.ID, Debit: dec("400")},
			{AccountId: c.Bank.ID, Credit: dec("400")},
		},
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	const attempts = 5
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := models.PostEntry(ctx, draft.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case utils.IsConflictError(err), utils.IsTransientError(err):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d posts succeeded, want exactly 1", succeeded)
	}
	if got := reloadAccount(t, ctx, c.Rent.ID).Balance; !got.Equal(dec("400")) {
		t.Fatalf("rent balance = %s, want 400", got)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("ledger-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("ledger-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=ledger_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
