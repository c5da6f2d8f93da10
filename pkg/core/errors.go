package core

import (
	"errors"
	"fmt"
	"time"
)

// Job store errors
var (
	ErrJobNotExist         = errors.New("jobengine: job does not exist")
	ErrJobConflict         = errors.New("jobengine: job was modified concurrently")
	ErrJobAlreadyCompleted = errors.New("jobengine: job already reached a terminal state")
	ErrEmptyBatch          = errors.New("jobengine: no job definitions supplied")
	ErrNoHandler           = errors.New("jobengine: no handler registered for queue type")
)

// Validation errors
var (
	ErrInvalidQueueType    = errors.New("jobengine: invalid queue type (must be alphanumeric, start with letter)")
	ErrQueueTypeTooLong    = errors.New("jobengine: queue type too long")
	ErrDefinitionTooLarge  = errors.New("jobengine: job definition exceeds size limit")
	ErrDedupKeyTooLong     = errors.New("jobengine: dedup key exceeds maximum length")
	ErrInvalidPartition    = errors.New("jobengine: invalid partition name")
	ErrInvalidLockName     = errors.New("jobengine: invalid lock name")
	ErrInvalidLeaseTimeout = errors.New("jobengine: lease duration must be positive")
)

// Lock and partition errors
var (
	ErrLockBusy          = errors.New("jobengine: lock is held by another owner")
	ErrLockNotHeld       = errors.New("jobengine: lock is not held by this token")
	ErrPartitionExists   = errors.New("jobengine: partition already exists")
	ErrPartitionNotFound = errors.New("jobengine: partition not found")
)

// RetriableError marks a handler failure as transient. The worker retries the
// job while its retry budget lasts.
type RetriableError struct {
	Err   error
	Delay time.Duration // optional retry-after hint
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("retriable: %v", e.Err)
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

// Retriable wraps err so that it is classified as transient.
func Retriable(err error) error {
	return &RetriableError{Err: err}
}

// JobExecutionError is a handler failure that carries a serialized payload to
// store as the job result.
type JobExecutionError struct {
	Err     error
	Payload []byte

	// RequestCancellationOnFailure asks the worker to cancel the rest of the
	// job's group once this failure is recorded.
	RequestCancellationOnFailure bool
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job execution failed: %v", e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
