package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a delivery arrives for a job that
	// is no longer in queued status (duplicate or stale delivery)
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in queued status")

	// ErrHandlerNotFound is returned when no handler is registered for a job type
	ErrHandlerNotFound = errors.New("no handler registered for job type")

	// ErrJobNotCancellable is returned when cancellation is requested for a
	// job already in a terminal status
	ErrJobNotCancellable = errors.New("job is in a terminal status")
)

// ValidationError signals a bad enqueue payload. Never retried; surfaced
// immediately to the caller.
type ValidationError struct {
	JobType string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid payload for job type %q: %s", e.JobType, e.Err.Error())
	}
	return fmt.Sprintf("invalid payload for job type %q: %s", e.JobType, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BrokerUnavailableError signals a failed publish. The job remains queued in
// the store for later reconciliation.
type BrokerUnavailableError struct {
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	return "broker unavailable: " + e.Err.Error()
}

func (e *BrokerUnavailableError) Unwrap() error {
	return e.Err
}

// HandlerExecutionError wraps a business failure inside a registered handler.
// Retried with backoff up to max_attempts, then terminal failed.
type HandlerExecutionError struct {
	JobID   string
	JobType string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler for job %s (%s) failed: %s", e.JobID, e.JobType, e.Err.Error())
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}

// ManagementAPIError signals a failed broker management API call. Logged and
// swallowed by the monitor, which degrades to zeroed stats.
type ManagementAPIError struct {
	Endpoint string
	Err      error
}

func (e *ManagementAPIError) Error() string {
	return fmt.Sprintf("management API call %s failed: %s", e.Endpoint, e.Err.Error())
}

func (e *ManagementAPIError) Unwrap() error {
	return e.Err
}
