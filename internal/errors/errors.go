// Package errors defines the error taxonomy shared by the session lifecycle,
// scheduler and health reconciler.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify with errors.Is; none of them is fatal to the process.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidPlatform   = errors.New("invalid platform")
	ErrMediaNotFound     = errors.New("media not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrSupervisorFailure = errors.New("supervisor failure")
	ErrStoreFailure      = errors.New("store failure")
	ErrNotReady          = errors.New("scheduler not ready")
	ErrMissingIdentifier = errors.New("session has no persisted unit identifier")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
)

// SupervisorError wraps a failed call to the process supervisor.
type SupervisorError struct {
	Op   string // create, start, stop, remove, list, liveness
	Unit string
	Err  error
}

func (e *SupervisorError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("supervisor %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("supervisor %s %s: %v", e.Op, e.Unit, e.Err)
}

// Unwrap exposes both the underlying cause and ErrSupervisorFailure.
func (e *SupervisorError) Unwrap() []error { return []error{ErrSupervisorFailure, e.Err} }

// NewSupervisorError creates a SupervisorError.
func NewSupervisorError(op, unit string, err error) *SupervisorError {
	return &SupervisorError{Op: op, Unit: unit, Err: err}
}

// Validationf returns a formatted error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Store wraps a store error so it classifies as ErrStoreFailure.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// IsClientError reports whether err stems from caller input rather than infrastructure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPlatform) ||
		errors.Is(err, ErrMediaNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrScheduleNotFound)
}
