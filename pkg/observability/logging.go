// Package observability bundles the broker's logging, metrics, and tracing
// plumbing.
package observability

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger. Production gets sampled JSON output,
// everything else gets the human-readable development encoder.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// NamedLogger returns a child logger tagged with the component name.
func NamedLogger(logger *zap.Logger, component string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(component)
}
