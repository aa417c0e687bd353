package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// RetryPolicy is the reusable transient-error retry loop shared by the
// pipeline's external calls: bounded attempts, exponential backoff, and a
// predicate deciding which errors are worth another try. Non-retryable
// errors are returned immediately without consuming the budget.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Retryable   func(error) bool
}

// Do runs fn under the policy. When the budget runs out the last error is
// wrapped in domain.ErrRetriesExhausted so callers can tell "gave up" from
// "refused to retry".
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * multiplier)
	}

	return fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, maxAttempts, lastErr)
}
