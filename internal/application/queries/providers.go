package queries

import (
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
)

// GetProviderHealthQuery reports the health snapshot of one strategy, or of
// every registered strategy when Name is empty.
type GetProviderHealthQuery struct {
	Name string `json:"name,omitempty"`
}

func (q GetProviderHealthQuery) QueryName() string { return "GetProviderHealth" }

func (q GetProviderHealthQuery) Validate() error { return nil }

// GetProviderHealthResult maps strategy name to health snapshot.
type GetProviderHealthResult struct {
	Providers map[string]provider.Health `json:"providers"`
}

// ListAvailableProvidersQuery lists every registered strategy with its
// configuration, health, and rolling metrics.
type ListAvailableProvidersQuery struct{}

func (q ListAvailableProvidersQuery) QueryName() string { return "ListAvailableProviders" }

func (q ListAvailableProvidersQuery) Validate() error { return nil }

// ListAvailableProvidersResult carries the strategy snapshots plus the name
// of the default strategy.
type ListAvailableProvidersResult struct {
	Default   string                      `json:"default,omitempty"`
	Providers []provider.StrategySnapshot `json:"providers"`
}

// GetProviderCapabilitiesQuery reports the capability set of one strategy.
type GetProviderCapabilitiesQuery struct {
	Name string `json:"name" validate:"required"`
}

func (q GetProviderCapabilitiesQuery) QueryName() string { return "GetProviderCapabilities" }

func (q GetProviderCapabilitiesQuery) Validate() error {
	return requireStrategyName(q.Name)
}

// GetProviderCapabilitiesResult carries the capability set.
type GetProviderCapabilitiesResult struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// GetProviderMetricsQuery reports the rolling operation metrics of one
// strategy.
type GetProviderMetricsQuery struct {
	Name string `json:"name" validate:"required"`
}

func (q GetProviderMetricsQuery) QueryName() string { return "GetProviderMetrics" }

func (q GetProviderMetricsQuery) Validate() error {
	return requireStrategyName(q.Name)
}

// GetProviderMetricsResult carries the metrics snapshot.
type GetProviderMetricsResult struct {
	Name    string                   `json:"name"`
	Metrics provider.MetricsSnapshot `json:"metrics"`
}

// GetProviderConfigQuery reports the opaque configuration of one strategy.
type GetProviderConfigQuery struct {
	Name string `json:"name" validate:"required"`
}

func (q GetProviderConfigQuery) QueryName() string { return "GetProviderConfig" }

func (q GetProviderConfigQuery) Validate() error {
	return requireStrategyName(q.Name)
}

// GetProviderConfigResult carries the configuration map.
type GetProviderConfigResult struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

func requireStrategyName(name string) error {
	if name == "" {
		return errors.Validation(errors.CodeMissingField, "strategy name is required").
			WithField("name", "required").
			Build()
	}
	return nil
}
