// Package errors provides domain-specific errors for the tidal sync core.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error conditions.
var (
	ErrNotFound            = errors.New("document not found")
	ErrCollectionUnknown   = errors.New("collection not configured")
	ErrCollectionPullOnly  = errors.New("collection is pull-only")
	ErrCollectionPushOnly  = errors.New("collection is push-only")
	ErrQueueOverflow       = errors.New("push queue is full")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrCheckpointCorrupted = errors.New("checkpoint record is corrupted")
	ErrSyncPaused          = errors.New("sync is paused awaiting credentials")
	ErrOperationNotFound   = errors.New("queued operation not found")
	ErrConflictNotUndoable = errors.New("conflict resolution cannot be undone")
)

// Code categorizes sync errors for retry and circuit-breaker decisions.
type Code string

const (
	CodeNetwork             Code = "NETWORK_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeRLSViolation        Code = "RLS_VIOLATION"
	CodeConflict            Code = "CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeStorageFull         Code = "STORAGE_FULL"
	CodeCheckpointCorrupted Code = "CHECKPOINT_CORRUPTED"
	CodeQueueOverflow       Code = "QUEUE_OVERFLOW"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeUnknown             Code = "UNKNOWN_ERROR"
)

// retryableByDefault holds the codes that a plain retry can fix.
// Everything else needs a code change, a data fix, or fresh credentials.
var retryableByDefault = map[Code]bool{
	CodeNetwork: true,
	CodeTimeout: true,
	CodeUnknown: true,
}

// SyncError wraps errors with a taxonomy code and retry classification.
type SyncError struct {
	Code    Code
	Message string
	Cause   error

	// RetryableOverride forces the retry decision regardless of code.
	// Nil means "use the default for the code".
	RetryableOverride *bool
}

// Error returns a formatted error string including the code, message, and cause if present.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for use with errors.Is and errors.As.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether retrying the failed operation can succeed.
func (e *SyncError) Retryable() bool {
	if e.RetryableOverride != nil {
		return *e.RetryableOverride
	}
	return retryableByDefault[e.Code]
}

// New creates a new SyncError with the given code and message.
func New(code Code, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// Wrap creates a new SyncError wrapping a cause.
func Wrap(code Code, message string, cause error) *SyncError {
	return &SyncError{Code: code, Message: message, Cause: cause}
}

// WithRetryable pins the retry decision and returns the error for chaining.
func (e *SyncError) WithRetryable(retryable bool) *SyncError {
	e.RetryableOverride = &retryable
	return e
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Errors that are not SyncErrors classify as UNKNOWN_ERROR.
func CodeOf(err error) Code {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err is worth retrying. Non-SyncErrors are
// treated as UNKNOWN_ERROR and therefore retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Is reports whether err matches target using errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
