package resilience

import (
	"context"
	"fmt"
	"time"

	"hostbroker/internal/errors"
)

// Well-known provider operation names with dedicated timeout budgets.
const (
	OpRunInstances     = "ec2_run_instances"
	OpCreateFleet      = "ec2_create_fleet"
	OpSpotFleetRequest = "spot_fleet_request"
	OpCreateScalingGrp = "autoscaling_create_group"
)

// TimeoutConfig maps operation names to their deadline. Operations without
// an entry use Default.
type TimeoutConfig struct {
	Default      time.Duration
	PerOperation map[string]time.Duration
}

// DefaultTimeoutConfig budgets the slow provisioning calls individually and
// gives everything else 30 seconds.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Default: 30 * time.Second,
		PerOperation: map[string]time.Duration{
			OpRunInstances:     180 * time.Second,
			OpSpotFleetRequest: 300 * time.Second,
			OpCreateScalingGrp: 120 * time.Second,
		},
	}
}

// For returns the timeout budget for an operation.
func (c TimeoutConfig) For(operation string) time.Duration {
	if d, ok := c.PerOperation[operation]; ok && d > 0 {
		return d
	}
	if c.Default > 0 {
		return c.Default
	}
	return 30 * time.Second
}

// WithTimeout runs op under a deadline. Expiry yields a retryable TIMEOUT
// error naming the operation; cancellation of the parent context yields
// CANCELLED instead.
func WithTimeout(ctx context.Context, operation string, d time.Duration, op Operation) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := op(attemptCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.FromContext(ctx.Err())
	case attemptCtx.Err() == context.DeadlineExceeded:
		return errors.Timeout(errors.CodeOperationTimeout,
			fmt.Sprintf("%s did not complete within %s", operation, d)).
			WithOperation(operation).
			Build()
	default:
		return err
	}
}
