package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadKey(t *testing.T, businessId, handler, messageId string) models.IdempotencyKey {
	t.Helper()
	var key models.IdempotencyKey
	require.NoError(t, config.GetDB().
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handler, messageId).
		First(&key).Error)
	return key
}

func TestIdempotencySkipsSucceededKeys(t *testing.T) {
	ctx := setupWorkflowDB(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	db := config.GetDB().WithContext(ctx)

	skip, err := BeginIdempotency(db, businessId, "h", "m1")
	require.NoError(t, err)
	assert.False(t, skip)

	_, err = BeginIdempotency(db, businessId, "h", "m1")
	assert.ErrorIs(t, err, ErrIdempotencyInProgress)

	require.NoError(t, MarkIdempotencySucceeded(db, businessId, "h", "m1"))
	skip, err = BeginIdempotency(db, businessId, "h", "m1")
	require.NoError(t, err)
	assert.True(t, skip)

	skip, err = BeginIdempotency(db, businessId, "other-handler", "m1")
	require.NoError(t, err)
	assert.False(t, skip, "keys are per handler")
}

func TestIdempotencyRetakesFailedKeys(t *testing.T) {
	ctx := setupWorkflowDB(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	db := config.GetDB().WithContext(ctx)

	_, err := BeginIdempotency(db, businessId, "h", "m1")
	require.NoError(t, err)
	require.NoError(t, MarkIdempotencyFailed(db, businessId, "h", "m1", errors.New("boom")))
	key := loadKey(t, businessId, "h", "m1")
	assert.Equal(t, models.IdempotencyStatusFailed, key.Status)
	require.NotNil(t, key.LastError)
	assert.Equal(t, "boom", *key.LastError)

	skip, err := BeginIdempotency(db, businessId, "h", "m1")
	require.NoError(t, err)
	assert.False(t, skip)
	key = loadKey(t, businessId, "h", "m1")
	assert.Equal(t, models.IdempotencyStatusStarted, key.Status)
	assert.Nil(t, key.LastError)
}

func TestIdempotencyRetakesStaleStartedKeys(t *testing.T) {
	ctx := setupWorkflowDB(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	db := config.GetDB().WithContext(ctx)

	_, err := BeginIdempotency(db, businessId, "h", "m1")
	require.NoError(t, err)
	old := time.Now().UTC().Add(-2 * staleStartedAfter)
	require.NoError(t, config.GetDB().Exec("UPDATE idempotency_keys SET updated_at = ? WHERE message_id = ?", old, "m1").Error)

	skip, err := BeginIdempotency(db, businessId, "h", "m1")
	require.NoError(t, err)
	assert.False(t, skip)
}
