package resilience

import (
	"context"

	"go.uber.org/zap"
)

// ExecutorConfig bundles the three wrapper configurations for one service.
type ExecutorConfig struct {
	Retry    RetryConfig
	Breaker  BreakerConfig
	Timeouts TimeoutConfig
	Classify Classifier // nil means the broker error taxonomy decides
}

// DefaultExecutorConfig returns the standard provider-call protection.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry:    DefaultRetryConfig(),
		Breaker:  DefaultBreakerConfig(),
		Timeouts: DefaultTimeoutConfig(),
	}
}

// Executor composes the resilience wrappers for outbound calls to one
// provider service: breaker(retry(timeout(call))). The breaker is outermost
// so an open circuit fails fast without burning retry attempts, and each
// retry attempt gets a fresh timeout.
type Executor struct {
	service  string
	breaker  *Breaker
	retry    RetryConfig
	timeouts TimeoutConfig
	classify Classifier
	logger   *zap.Logger
}

// NewExecutor builds the composed wrapper stack for a service.
func NewExecutor(service string, config ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		service:  service,
		breaker:  NewBreaker(service, config.Breaker, logger),
		retry:    config.Retry,
		timeouts: config.Timeouts,
		classify: config.Classify,
		logger:   logger,
	}
}

// Execute runs op under the full wrapper stack. Cancellation propagates
// through every layer and skips pending retries.
func (e *Executor) Execute(ctx context.Context, operation string, op Operation) error {
	return e.breaker.Execute(ctx, func(ctx context.Context) error {
		return RetryNotify(ctx, e.retry, e.classify, e.logger, operation, func(ctx context.Context) error {
			return WithTimeout(ctx, operation, e.timeouts.For(operation), op)
		})
	})
}

// Service returns the guarded service name.
func (e *Executor) Service() string { return e.service }

// Breaker exposes the underlying circuit breaker for health reporting.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Call runs a value-returning operation under an executor's wrapper stack.
func Call[T any](ctx context.Context, e *Executor, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
