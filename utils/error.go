package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// Violation names one failed rule, optionally on one entry line (1-based; 0 means the whole input).
type Violation struct {
	Line    int    `json:"line,omitempty"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", v.Line, v.Rule, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Rule, v.Message)
}

// ValidationError means the input must be fixed and resubmitted. Nothing was written.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	msg := e.Violations[0].String()
	if len(e.Violations) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(e.Violations)-1)
	}
	return msg
}

func NewValidationError(rule string, format string, args ...any) *ValidationError {
	return &ValidationError{Violations: []Violation{{Rule: rule, Message: fmt.Sprintf(format, args...)}}}
}

// ConflictError means the requested transition is not allowed from the current state.
type ConflictError struct {
	Op      string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func NewConflictError(op string, format string, args ...any) *ConflictError {
	return &ConflictError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// IntegrityViolation is raised by the auditor when committed books disagree with themselves.
type IntegrityViolation struct {
	CheckType string
	Message   string
}

func (e *IntegrityViolation) Error() string {
	return "integrity violation (" + e.CheckType + "): " + e.Message
}

// TransientStorageError wraps a storage failure that is safe to retry from the start.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return "transient storage error in " + e.Op + ": " + e.Err.Error()
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflictError(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsIntegrityViolation(err error) bool {
	var target *IntegrityViolation
	return errors.As(err, &target)
}

func IsTransientError(err error) bool {
	var target *TransientStorageError
	return errors.As(err, &target)
}

// ErrorClass is the short label used in logs and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsValidationError(err):
		return "validation"
	case IsConflictError(err):
		return "conflict"
	case IsIntegrityViolation(err):
		return "integrity"
	case IsTransientError(err):
		return "transient"
	case errors.Is(err, ErrorRecordNotFound):
		return "not_found"
	default:
		return "storage"
	}
}

// ClassifyStorageError wraps deadlocks, lock-wait timeouts and busy databases
// as TransientStorageError. Domain errors pass through untouched.
func ClassifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidationError(err) || IsConflictError(err) || IsIntegrityViolation(err) || IsTransientError(err) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrorRecordNotFound
	}
	if isTransientStorage(err) {
		return &TransientStorageError{Op: op, Err: err}
	}
	return err
}

func isTransientStorage(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213 deadlock, 1205 lock wait timeout
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "sqlite_busy")
}

func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RetryTransient runs fn up to attempts times while it fails with a TransientStorageError.
func RetryTransient(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 20 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsTransientError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
