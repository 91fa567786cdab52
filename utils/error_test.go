package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Violations: []Violation{
		{Line: 2, Rule: "NEGATIVE_AMOUNT", Message: "debit must not be negative"},
		{Rule: "UNBALANCED", Message: "debits 10 != credits 9"},
	}}
	assert.Equal(t, "line 2: NEGATIVE_AMOUNT: debit must not be negative (and 1 more)", err.Error())
	assert.Equal(t, "PERIOD_CLOSED: January", NewValidationError("PERIOD_CLOSED", "%s", "January").Error())
	assert.Equal(t, "validation failed", (&ValidationError{}).Error())
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{NewValidationError("X", "bad"), "validation"},
		{fmt.Errorf("post: %w", NewConflictError("PostEntry", "already posted")), "conflict"},
		{&IntegrityViolation{CheckType: "BALANCE", Message: "drift"}, "integrity"},
		{&TransientStorageError{Op: "post", Err: errors.New("deadlock")}, "transient"},
		{ErrorRecordNotFound, "not_found"},
		{errors.New("disk full"), "storage"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorClass(tt.err), "%v", tt.err)
	}
}

func TestClassifyStorageError(t *testing.T) {
	assert.NoError(t, ClassifyStorageError("op", nil))

	conflict := NewConflictError("op", "closed")
	assert.Same(t, conflict, ClassifyStorageError("op", conflict))
	assert.ErrorIs(t, ClassifyStorageError("op", gorm.ErrRecordNotFound), ErrorRecordNotFound)

	deadlock := &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}
	err := ClassifyStorageError("PostEntry", fmt.Errorf("insert: %w", deadlock))
	require.True(t, IsTransientError(err))
	assert.ErrorIs(t, err, deadlock)

	assert.True(t, IsTransientError(ClassifyStorageError("op", errors.New("database is locked (5) (SQLITE_BUSY)"))))
	assert.True(t, IsTransientError(ClassifyStorageError("op", context.DeadlineExceeded)))
	assert.False(t, IsTransientError(ClassifyStorageError("op", errors.New("syntax error"))))
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.False(t, IsDuplicateKeyError(nil))
	assert.True(t, IsDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyError(&mysqlDriver.MySQLError{Number: 1062}))
	assert.True(t, IsDuplicateKeyError(errors.New("UNIQUE constraint failed: entries.entry_number")))
	assert.False(t, IsDuplicateKeyError(&mysqlDriver.MySQLError{Number: 1213}))
}

func TestRetryTransient(t *testing.T) {
	ctx := context.Background()
	transient := &TransientStorageError{Op: "op", Err: errors.New("deadlock")}

	calls := 0
	err := RetryTransient(ctx, 3, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryTransient(ctx, 2, func() error {
		calls++
		return transient
	})
	assert.True(t, IsTransientError(err))
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryTransient(ctx, 5, func() error {
		calls++
		return NewValidationError("X", "bad")
	})
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 1, calls, "domain errors are not retried")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	calls = 0
	err = RetryTransient(cancelled, 5, func() error {
		calls++
		return transient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
