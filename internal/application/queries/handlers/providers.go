package handlers

import (
	"context"

	"hostbroker/internal/application/queries"
	"hostbroker/internal/application/queries/bus"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
)

// GetProviderHealthHandler reports health for one strategy or for all of
// them.
type GetProviderHealthHandler struct {
	deps Deps
}

// NewGetProviderHealthHandler creates the handler.
func NewGetProviderHealthHandler(deps Deps) *GetProviderHealthHandler {
	return &GetProviderHealthHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetProviderHealthHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetProviderHealthQuery)
	if !ok {
		return nil, wrongQuery("get_provider_health")
	}

	result := queries.GetProviderHealthResult{Providers: make(map[string]provider.Health)}
	if q.Name != "" {
		entry, err := strategyEntry(h.deps, q.Name, "get_provider_health")
		if err != nil {
			return nil, err
		}
		result.Providers[q.Name] = entry.Health()
		return result, nil
	}
	for _, snap := range h.deps.Providers.Snapshots() {
		result.Providers[snap.Name] = snap.Health
	}
	return result, nil
}

// ListAvailableProvidersHandler lists every registered strategy snapshot.
type ListAvailableProvidersHandler struct {
	deps Deps
}

// NewListAvailableProvidersHandler creates the handler.
func NewListAvailableProvidersHandler(deps Deps) *ListAvailableProvidersHandler {
	return &ListAvailableProvidersHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *ListAvailableProvidersHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	if _, ok := query.(queries.ListAvailableProvidersQuery); !ok {
		return nil, wrongQuery("list_available_providers")
	}
	return queries.ListAvailableProvidersResult{
		Default:   h.deps.Providers.DefaultName(),
		Providers: h.deps.Providers.Snapshots(),
	}, nil
}

// GetProviderCapabilitiesHandler reports the capability set of one strategy.
type GetProviderCapabilitiesHandler struct {
	deps Deps
}

// NewGetProviderCapabilitiesHandler creates the handler.
func NewGetProviderCapabilitiesHandler(deps Deps) *GetProviderCapabilitiesHandler {
	return &GetProviderCapabilitiesHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetProviderCapabilitiesHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetProviderCapabilitiesQuery)
	if !ok {
		return nil, wrongQuery("get_provider_capabilities")
	}
	entry, err := strategyEntry(h.deps, q.Name, "get_provider_capabilities")
	if err != nil {
		return nil, err
	}
	return queries.GetProviderCapabilitiesResult{
		Name:         q.Name,
		Capabilities: entry.Snapshot().Capabilities,
	}, nil
}

// GetProviderMetricsHandler reports the rolling metrics of one strategy.
type GetProviderMetricsHandler struct {
	deps Deps
}

// NewGetProviderMetricsHandler creates the handler.
func NewGetProviderMetricsHandler(deps Deps) *GetProviderMetricsHandler {
	return &GetProviderMetricsHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetProviderMetricsHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetProviderMetricsQuery)
	if !ok {
		return nil, wrongQuery("get_provider_metrics")
	}
	entry, err := strategyEntry(h.deps, q.Name, "get_provider_metrics")
	if err != nil {
		return nil, err
	}
	return queries.GetProviderMetricsResult{Name: q.Name, Metrics: entry.Metrics()}, nil
}

// GetProviderConfigHandler reports the opaque configuration of one strategy.
type GetProviderConfigHandler struct {
	deps Deps
}

// NewGetProviderConfigHandler creates the handler.
func NewGetProviderConfigHandler(deps Deps) *GetProviderConfigHandler {
	return &GetProviderConfigHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetProviderConfigHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetProviderConfigQuery)
	if !ok {
		return nil, wrongQuery("get_provider_config")
	}
	entry, err := strategyEntry(h.deps, q.Name, "get_provider_config")
	if err != nil {
		return nil, err
	}
	return queries.GetProviderConfigResult{Name: q.Name, Config: entry.Snapshot().Config}, nil
}

func strategyEntry(deps Deps, name, operation string) (*provider.Entry, error) {
	entry, ok := deps.Providers.Get(name)
	if !ok {
		return nil, errors.NotFound(errors.CodeProviderNotFound, "strategy is not registered").
			WithOperation(operation).
			WithField("name", name).
			Build()
	}
	return entry, nil
}
