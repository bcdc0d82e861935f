package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"hostbroker/internal/errors"
)

// BreakerConfig defines circuit breaker behavior for one provider service.
type BreakerConfig struct {
	FailureThreshold uint32        // Consecutive failures before the circuit opens
	ResetTimeout     time.Duration // Time in OPEN before a half-open probe is allowed
	HalfOpenProbes   uint32        // Requests admitted while half-open
}

// DefaultBreakerConfig opens after 5 consecutive failures, stays open for
// 60s, and admits a single half-open probe. The probe's outcome decides:
// success closes the circuit, failure reopens it.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker guards one named service. Calls made while the circuit is open
// fail fast with a CIRCUIT_BREAKER_OPEN error instead of reaching the
// provider.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreaker builds a circuit breaker around the given service name.
// Client-side errors (validation, not-found, conflict, cancellation) do not
// count as failures; only provider faults and timeouts trip the circuit.
func NewBreaker(name string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if config.HalfOpenProbes == 0 {
		config.HalfOpenProbes = DefaultBreakerConfig().HalfOpenProbes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{name: name, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.HalfOpenProbes,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := logger.Info
			if to == gobreaker.StateOpen {
				level = logger.Warn
			}
			level("circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})
	return b
}

// isBreakerSuccess reports whether an outcome counts toward closing the
// circuit. The caller being wrong is not the provider being down.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	return errors.IsValidation(err) ||
		errors.IsNotFound(err) ||
		errors.IsConflict(err) ||
		errors.IsCancelled(err)
}

// Execute runs op through the breaker. An open circuit returns a
// CIRCUIT_BREAKER_OPEN error without invoking op.
func (b *Breaker) Execute(ctx context.Context, op Operation) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	switch err {
	case nil:
		return nil
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return errors.CircuitOpen(b.name).Build()
	default:
		return err
	}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// State exposes the current circuit state for health checks and metrics.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Counts exposes the rolling request counters.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }
