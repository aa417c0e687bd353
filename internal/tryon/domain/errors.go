package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is
	// no longer in pending status
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrInvalidInput marks validation-class failures (missing required image,
	// malformed settings). Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized marks a rejected call to an external provider. Never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProviderRateLimited distinguishes a provider-wide throttle from other
	// transient failures. It does not consume the transient-retry budget; the
	// job goes back to pending for queue redelivery.
	ErrProviderRateLimited = errors.New("provider rate limited")

	// ErrRetriesExhausted is returned when the transient-retry budget is used up
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RetryableError wraps transient errors that should trigger a requeue
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
