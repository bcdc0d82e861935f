// Package resilience provides the retry, circuit-breaker, and timeout
// wrappers applied to every outbound provider call. Wrappers compose as
// higher-order functions with the circuit breaker outermost:
// breaker(retry(timeout(call))).
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"hostbroker/internal/errors"
)

// Operation is a retryable unit of work. The context carries the per-attempt
// timeout.
type Operation func(ctx context.Context) error

// Classifier decides whether an error may be retried. The default consults
// the broker error taxonomy.
type Classifier func(error) bool

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts, including the first
	BaseDelay    time.Duration // First backoff delay
	MaxDelay     time.Duration // Backoff cap
	GrowthFactor float64       // Exponential growth per attempt
	JitterFactor float64       // Uniform jitter as a fraction of the delay
}

// DefaultRetryConfig returns the standard backoff schedule:
// delay(i) = min(base * growth^i, cap) + U(0, 0.1 * delay).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		GrowthFactor: 2.0,
		JitterFactor: 0.1,
	}
}

// Delay computes the backoff before attempt+1. Jitter is additive and
// uniform in [0, JitterFactor*delay) so synchronized callers spread out.
func (c RetryConfig) Delay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.GrowthFactor, float64(attempt))
	if capped := float64(c.MaxDelay); backoff > capped {
		backoff = capped
	}
	jitter := rand.Float64() * c.JitterFactor * backoff
	return time.Duration(backoff + jitter)
}

// Retry executes op with exponential backoff. Only errors the classifier
// marks retryable are attempted again; cancellation skips pending retries and
// returns a Cancelled error immediately.
func Retry(ctx context.Context, config RetryConfig, classify Classifier, op Operation) error {
	if classify == nil {
		classify = errors.IsRetryable
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.FromContext(err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		err = errors.FromContext(err)
		lastErr = err

		if errors.IsCancelled(err) || !classify(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(config.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.FromContext(ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Wrap(lastErr, "Retry", fmt.Sprintf("operation failed after %d attempts", config.MaxAttempts))
}

// RetryNotify behaves like Retry and additionally logs each failed attempt.
func RetryNotify(ctx context.Context, config RetryConfig, classify Classifier, logger *zap.Logger, name string, op Operation) error {
	attempt := 0
	wrapped := func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && logger != nil {
			logger.Warn("operation attempt failed",
				zap.String("operation", name),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", config.MaxAttempts),
				zap.Error(err),
			)
		}
		attempt++
		return err
	}
	return Retry(ctx, config, classify, wrapped)
}
