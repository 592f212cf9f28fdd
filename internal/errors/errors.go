// Package errors provides the structured error taxonomy of the archiver.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrUnavailable  = errors.New("service unavailable")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrCancelled    = errors.New("run cancelled")
)

// ExternalAccessError is a failure talking to a calendar source or destination.
type ExternalAccessError struct {
	Service    string
	Operation  string
	StatusCode int
	// Permanent marks errors that must not be retried regardless of status.
	Permanent bool
	Err       error
}

func (e *ExternalAccessError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Service, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalAccessError) Unwrap() error { return e.Err }

// NewExternalAccessError creates a transient-or-not error from a status code.
func NewExternalAccessError(service, operation string, statusCode int, err error) *ExternalAccessError {
	return &ExternalAccessError{Service: service, Operation: operation, StatusCode: statusCode, Err: err}
}

// Permanent wraps err as a non-retryable external failure.
func Permanent(service, operation string, err error) *ExternalAccessError {
	return &ExternalAccessError{Service: service, Operation: operation, Permanent: true, Err: err}
}

// LockContentionError is returned when another run holds the lock for the same key.
type LockContentionError struct {
	Key           string
	CorrelationID string
	StartedAt     time.Time
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("archive run in progress for %s (correlation %s, started %s)",
		e.Key, e.CorrelationID, e.StartedAt.UTC().Format(time.RFC3339))
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var extErr *ExternalAccessError
	if errors.As(err, &extErr) {
		if extErr.Permanent {
			return false
		}
		switch extErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsLockContention reports whether err is a LockContentionError.
func IsLockContention(err error) bool {
	var lockErr *LockContentionError
	return errors.As(err, &lockErr)
}

// IsExternal reports whether err came from calendar access.
func IsExternal(err error) bool {
	var extErr *ExternalAccessError
	return errors.As(err, &extErr)
}
