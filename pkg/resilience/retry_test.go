package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/errors"
)

func transientErr() error {
	return errors.ProviderTransient(errors.CodeProviderThrottled, "throttled").Build()
}

func permanentErr() error {
	return errors.ProviderPermanent(errors.CodeProviderAccessDenied, "denied").Build()
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		GrowthFactor: 2.0,
		JitterFactor: 0,
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		GrowthFactor: 2.0,
		JitterFactor: 0,
	}

	assert.Equal(t, 1*time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
}

func TestRetryConfig_Delay_CapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     3 * time.Second,
		GrowthFactor: 2.0,
		JitterFactor: 0,
	}

	assert.Equal(t, 3*time.Second, cfg.Delay(2))
	assert.Equal(t, 3*time.Second, cfg.Delay(10))
}

func TestRetryConfig_Delay_JitterIsBoundedAndAdditive(t *testing.T) {
	cfg := DefaultRetryConfig()

	for i := 0; i < 100; i++ {
		d := cfg.Delay(0)
		assert.GreaterOrEqual(t, d, 1*time.Second)
		assert.Less(t, d, 1100*time.Millisecond)
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return permanentErr()
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsProviderPermanent(err))
}

func TestRetry_ExhaustsAttemptsAndPreservesKind(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return transientErr()
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.IsProviderTransient(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetry_ClassifierOverridesTaxonomy(t *testing.T) {
	calls := 0
	never := func(error) bool { return false }
	err := Retry(context.Background(), fastRetry(3), never, func(ctx context.Context) error {
		calls++
		return transientErr()
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_CancellationSkipsPendingRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastRetry(5), nil, func(ctx context.Context) error {
		calls++
		cancel()
		return transientErr()
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsCancelled(err))
}

func TestRetry_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.True(t, errors.IsCancelled(err))
}

func TestRetry_NormalizesRawContextErrors(t *testing.T) {
	err := Retry(context.Background(), fastRetry(3), nil, func(ctx context.Context) error {
		return context.Canceled
	})

	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
}

func TestRetry_ForeignErrorsAreNotRetried(t *testing.T) {
	calls := 0
	boom := stderrors.New("boom")
	err := Retry(context.Background(), fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(0), nil, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
