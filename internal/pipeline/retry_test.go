package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

func fastPolicy(maxAttempts int, retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		Retryable:   retryable,
	}
}

func TestRetryPolicySucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("network blip")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func() error {
		calls++
		return errors.New("always failing")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "always failing")
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyNonRetryableFailsFast(t *testing.T) {
	retryable := func(err error) bool {
		return !errors.Is(err, domain.ErrInvalidInput)
	}

	calls := 0
	err := fastPolicy(3, retryable).Do(context.Background(), func() error {
		calls++
		return domain.ErrInvalidInput
	})

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.NotErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.Equal(t, 1, calls, "validation-class errors must never be retried")
}

func TestRetryPolicyRateLimitDoesNotConsumeBudget(t *testing.T) {
	retryable := func(err error) bool {
		return !errors.Is(err, domain.ErrProviderRateLimited)
	}

	calls := 0
	err := fastPolicy(3, retryable).Do(context.Background(), func() error {
		calls++
		return domain.ErrProviderRateLimited
	})

	assert.ErrorIs(t, err, domain.ErrProviderRateLimited)
	assert.Equal(t, 1, calls, "a throttled provider must abort the loop immediately")
}

func TestRetryPolicyBackoffSchedule(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		Multiplier:  2.0,
	}

	var stamps []time.Time
	_ = policy.Do(context.Background(), func() error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})

	require.Len(t, stamps, 3)
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, 40*time.Millisecond)
	assert.Greater(t, second, first, "delays must grow exponentially")
}

func TestRetryPolicyHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
