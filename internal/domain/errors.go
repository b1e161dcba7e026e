package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrAgentNotFound is returned when an agent id is unknown
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAlertNotFound is returned when a DLQ alert id is unknown
	ErrAlertNotFound = errors.New("dlq alert not found")

	// ErrSessionNotFound is returned when a stream session id is unknown
	ErrSessionNotFound = errors.New("stream session not found")

	// ErrInvalidStateTransition is returned when a job is not in a state that allows the operation
	ErrInvalidStateTransition = errors.New("invalid job state transition")

	// ErrNotJobOwner is returned when an agent reports on a job it no longer holds
	ErrNotJobOwner = fmt.Errorf("%w: job is not owned by reporting agent", ErrInvalidStateTransition)

	// ErrJobNotReady is returned when a job's scheduled_at is still in the future
	ErrJobNotReady = errors.New("job is not due for dispatch")

	// ErrCapacityExhausted is returned when no healthy agent has free capacity.
	// Callers should retry on the next sweep.
	ErrCapacityExhausted = errors.New("no agent capacity available")

	// ErrInvalidJobSpec is returned when an enqueue request is malformed
	ErrInvalidJobSpec = errors.New("invalid job spec")

	// ErrInvalidCredential is returned when an agent registers without a credential
	ErrInvalidCredential = errors.New("agent credential is required")
)

// ValidationError reports a malformed request
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Msg
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &ValidationError{Msg: msg}
}

// IsValidation reports whether err describes a malformed request
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrInvalidJobSpec) ||
		errors.Is(err, ErrInvalidCredential)
}

// IsNotFound reports whether err is one of the not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrAlertNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
