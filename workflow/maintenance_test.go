package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingTask(calls *int, fail *error) MaintenanceTask {
	return MaintenanceTask{
		Name:     "counting",
		Interval: time.Hour,
		Run: func(ctx context.Context) ([]*models.IntegrityReport, error) {
			*calls++
			if fail != nil && *fail != nil {
				return nil, *fail
			}
			return nil, nil
		},
	}
}

func TestMaintenanceWindowKey(t *testing.T) {
	task := MaintenanceTask{Name: "orphan-check", Interval: 6 * time.Hour}
	now := time.Date(2026, 4, 2, 13, 45, 0, 0, time.UTC)
	assert.Equal(t, "orphan-check@2026-04-02T12:00:00Z", MaintenanceWindowKey(task, now))
	assert.Equal(t, MaintenanceWindowKey(task, now), MaintenanceWindowKey(task, now.Add(4*time.Hour)))
	assert.NotEqual(t, MaintenanceWindowKey(task, now), MaintenanceWindowKey(task, now.Add(5*time.Hour)))
}

func TestRunMaintenanceTaskOncePerWindow(t *testing.T) {
	ctx := setupWorkflowDB(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	calls := 0
	task := countingTask(&calls, nil)
	now := time.Date(2026, 4, 2, 9, 10, 0, 0, time.UTC)

	ran, _, err := RunMaintenanceTask(context.Background(), businessId, task, now)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, _, err = RunMaintenanceTask(context.Background(), businessId, task, now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.False(t, ran, "same window is skipped")
	assert.Equal(t, 1, calls)

	ran, _, err = RunMaintenanceTask(context.Background(), businessId, task, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}

func TestRunMaintenanceTaskRetriesFailedWindow(t *testing.T) {
	ctx := setupWorkflowDB(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	calls := 0
	failure := errors.New("storage offline")
	task := countingTask(&calls, &failure)
	now := time.Date(2026, 4, 2, 9, 10, 0, 0, time.UTC)

	ran, _, err := RunMaintenanceTask(context.Background(), businessId, task, now)
	assert.ErrorIs(t, err, failure)
	assert.False(t, ran)

	var key models.IdempotencyKey
	require.NoError(t, config.GetDB().Where("message_id = ?", MaintenanceWindowKey(task, now)).First(&key).Error)
	assert.Equal(t, models.IdempotencyStatusFailed, key.Status)

	failure = nil
	ran, _, err = RunMaintenanceTask(context.Background(), businessId, task, now)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}

func TestRunMaintenanceAuditsEveryBusiness(t *testing.T) {
	ctx := setupWorkflowDB(t)
	postSale(t, ctx, "75")
	other := utils.SetBusinessIdInContext(context.Background(), "second-business")
	postSale(t, other, "20")

	now := time.Date(2026, 4, 2, 9, 10, 0, 0, time.UTC)
	require.NoError(t, RunMaintenance(context.Background(), config.GetLogger(), DefaultMaintenanceTasks(), now))

	var keys int64
	require.NoError(t, config.GetDB().Model(&models.IdempotencyKey{}).
		Where("status = ?", models.IdempotencyStatusSucceeded).Count(&keys).Error)
	assert.EqualValues(t, 2*len(DefaultMaintenanceTasks()), keys)

	// A second pass in the same windows does nothing new.
	require.NoError(t, RunMaintenance(context.Background(), config.GetLogger(), DefaultMaintenanceTasks(), now))
	require.NoError(t, config.GetDB().Model(&models.IdempotencyKey{}).Count(&keys).Error)
	assert.EqualValues(t, 2*len(DefaultMaintenanceTasks()), keys)
}
