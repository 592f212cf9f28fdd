package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExternalAccessError_Error(t *testing.T) {
	err := NewExternalAccessError("ics", "fetch", 503, errors.New("upstream down"))
	assert.Contains(t, err.Error(), "ics fetch failed")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestExternalAccessError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewExternalAccessError("archive", "write", 0, inner)
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsExternal(fmt.Errorf("phase write: %w", err)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewExternalAccessError("ics", "fetch", 429, nil)))
	assert.True(t, IsRetryable(NewExternalAccessError("ics", "fetch", 502, nil)))
	assert.True(t, IsRetryable(NewExternalAccessError("ics", "fetch", 0, ErrTimeout)))
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrUnavailable)))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewExternalAccessError("ics", "fetch", 404, nil)))
	assert.False(t, IsRetryable(Permanent("archive", "write", ErrUnavailable)))
	assert.False(t, IsRetryable(ErrInvalidInput))
}

func TestLockContentionError(t *testing.T) {
	err := fmt.Errorf("run: %w", &LockContentionError{
		Key:           "u1/work/2025-03-10T00:00:00Z/2025-03-16T23:59:59Z",
		CorrelationID: "01HX",
		StartedAt:     time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	})
	assert.True(t, IsLockContention(err))
	assert.Contains(t, err.Error(), "in progress")
	assert.False(t, IsLockContention(ErrTimeout))
}
