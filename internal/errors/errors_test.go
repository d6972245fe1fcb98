package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupervisorError_Error(t *testing.T) {
	err := NewSupervisorError("start", "stream-a", errors.New("exit status 1"))
	assert.Contains(t, err.Error(), "start")
	assert.Contains(t, err.Error(), "stream-a")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestSupervisorError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("launch: %w", NewSupervisorError("create", "stream-a", inner))
	assert.ErrorIs(t, err, ErrSupervisorFailure)
	assert.ErrorIs(t, err, inner)

	var supErr *SupervisorError
	assert.ErrorAs(t, err, &supErr)
	assert.Equal(t, "create", supErr.Op)
}

func TestValidationf(t *testing.T) {
	err := Validationf("bad time %q", "25:00")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "25:00")
}

func TestStore(t *testing.T) {
	assert.NoError(t, Store("put session", nil))

	inner := errors.New("disk I/O error")
	err := Store("put session", inner)
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.ErrorIs(t, err, inner)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("publish: %w", context.DeadlineExceeded)))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrValidation))
	assert.False(t, IsRetryable(ErrMediaNotFound))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(Validationf("x")))
	assert.True(t, IsClientError(fmt.Errorf("%w: Twitch", ErrInvalidPlatform)))
	assert.True(t, IsClientError(ErrSessionNotFound))
	assert.False(t, IsClientError(NewSupervisorError("start", "u", errors.New("x"))))
	assert.False(t, IsClientError(Store("get", errors.New("x"))))
}
