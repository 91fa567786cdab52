package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
)

// MaintenanceTask is a periodic audit job. Run gets a context scoped to one business.
type MaintenanceTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) ([]*models.IntegrityReport, error)
}

const maintenanceLockTTL = 10 * time.Minute

func DefaultMaintenanceTasks() []MaintenanceTask {
	return []MaintenanceTask{
		{
			Name:     "balance-reconciliation",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) ([]*models.IntegrityReport, error) {
				return models.RunSelectedChecks(ctx, true, models.IntegrityCheckBalance)
			},
		},
		{
			Name:     "unbalanced-entries",
			Interval: 12 * time.Hour,
			Run: func(ctx context.Context) ([]*models.IntegrityReport, error) {
				return models.RunSelectedChecks(ctx, false, models.IntegrityCheckUnbalanced)
			},
		},
		{
			Name:     "duplicate-detection",
			Interval: 6 * time.Hour,
			Run: func(ctx context.Context) ([]*models.IntegrityReport, error) {
				return models.RunSelectedChecks(ctx, false, models.IntegrityCheckDuplicate)
			},
		},
		{
			Name:     "orphan-check",
			Interval: 7 * 24 * time.Hour,
			Run: func(ctx context.Context) ([]*models.IntegrityReport, error) {
				return models.RunSelectedChecks(ctx, false, models.IntegrityCheckOrphan)
			},
		},
	}
}

// MaintenanceWindowKey names the interval window now falls in.
func MaintenanceWindowKey(task MaintenanceTask, now time.Time) string {
	return task.Name + "@" + now.UTC().Truncate(task.Interval).Format(time.RFC3339)
}

// RunMaintenanceTask runs task for businessId at most once per interval window.
// It returns ran=false when the window was already done or another worker holds it.
func RunMaintenanceTask(ctx context.Context, businessId string, task MaintenanceTask, now time.Time) (ran bool, reports []*models.IntegrityReport, err error) {
	db := config.GetDB()
	if db == nil {
		return false, nil, errors.New("database not initialized")
	}
	ctx = utils.SetBusinessIdInContext(ctx, businessId)
	ctx, _ = utils.EnsureCorrelationId(ctx)
	handler := "maintenance:" + task.Name
	windowKey := MaintenanceWindowKey(task, now)

	err = utils.RunWithBusinessLock(ctx, businessId, handler, maintenanceLockTTL, func(ctx context.Context) error {
		tx := db.WithContext(ctx)
		skip, err := BeginIdempotency(tx, businessId, handler, windowKey)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
		reports, err = task.Run(ctx)
		if err != nil {
			_ = MarkIdempotencyFailed(tx, businessId, handler, windowKey, err)
			return err
		}
		ran = true
		return MarkIdempotencySucceeded(tx, businessId, handler, windowKey)
	})
	if errors.Is(err, utils.ErrLockNotObtained) || errors.Is(err, ErrIdempotencyInProgress) {
		return false, nil, nil
	}
	return ran, reports, err
}

// RunMaintenance runs every due task for every business once.
func RunMaintenance(ctx context.Context, logger *logrus.Logger, tasks []MaintenanceTask, now time.Time) error {
	businessIds, err := models.ListBusinessIds(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, businessId := range businessIds {
		for _, task := range tasks {
			ran, reports, err := RunMaintenanceTask(ctx, businessId, task, now)
			if err != nil {
				config.LogError(logger, "workflow", "RunMaintenance", task.Name, businessId, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !ran || logger == nil {
				continue
			}
			issues := 0
			for _, r := range reports {
				issues += len(r.Issues)
			}
			logger.WithFields(logrus.Fields{
				"field":       "RunMaintenance",
				"business_id": businessId,
				"task":        task.Name,
				"issues":      issues,
			}).Info("maintenance task completed")
		}
	}
	return firstErr
}

// RunMaintenanceLoop ticks every tick until ctx ends. Windows already done are skipped.
func RunMaintenanceLoop(ctx context.Context, logger *logrus.Logger, tasks []MaintenanceTask, tick time.Duration) {
	for {
		_ = RunMaintenance(ctx, logger, tasks, time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
	}
}
