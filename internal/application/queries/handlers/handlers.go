// Package handlers implements the read side of the broker. Query handlers
// never modify state: they assemble views from the repositories, the template
// manager, and the provider context's runtime snapshots.
package handlers

import (
	"context"

	"go.uber.org/zap"

	"hostbroker/internal/application/queries"
	"hostbroker/internal/application/queries/bus"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/internal/repository"
	"hostbroker/internal/templates"
)

// TemplateService is the slice of the template manager the query handlers
// use. The write side owns Invalidate; reads only resolve and validate.
type TemplateService interface {
	Resolve(ctx context.Context, templateID string) (template.Definition, error)
	List(ctx context.Context) ([]template.Definition, error)
	Validate(def template.Definition) templates.Report
}

// Deps bundles everything the query handlers need.
type Deps struct {
	Stores    *repository.Stores
	Providers *provider.Context
	Templates TemplateService
	Logger    *zap.Logger
}

func (d *Deps) normalize() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
}

// Register wires every query handler onto the bus.
func Register(b *bus.QueryBus, deps Deps) error {
	deps.normalize()

	registrations := []struct {
		query   bus.Query
		handler bus.QueryHandler
	}{
		{queries.GetRequestQuery{}, NewGetRequestHandler(deps)},
		{queries.ListActiveRequestsQuery{}, NewListActiveRequestsHandler(deps)},
		{queries.GetRequestStatusQuery{}, NewGetRequestStatusHandler(deps)},
		{queries.GetMachineQuery{}, NewGetMachineHandler(deps)},
		{queries.ListMachinesByRequestQuery{}, NewListMachinesByRequestHandler(deps)},
		{queries.GetActiveMachineCountQuery{}, NewGetActiveMachineCountHandler(deps)},
		{queries.ListTemplatesQuery{}, NewListTemplatesHandler(deps)},
		{queries.GetTemplateQuery{}, NewGetTemplateHandler(deps)},
		{queries.ValidateTemplateQuery{}, NewValidateTemplateHandler(deps)},
		{queries.GetProviderHealthQuery{}, NewGetProviderHealthHandler(deps)},
		{queries.ListAvailableProvidersQuery{}, NewListAvailableProvidersHandler(deps)},
		{queries.GetProviderCapabilitiesQuery{}, NewGetProviderCapabilitiesHandler(deps)},
		{queries.GetProviderMetricsQuery{}, NewGetProviderMetricsHandler(deps)},
		{queries.GetProviderConfigQuery{}, NewGetProviderConfigHandler(deps)},
	}
	for _, r := range registrations {
		if err := b.Register(r.query, r.handler); err != nil {
			return err
		}
	}
	return nil
}

// wrongQuery is the internal error for a handler invoked with a query type it
// was not registered for.
func wrongQuery(operation string) error {
	return errors.Internal(errors.CodeInternalError, "handler received unexpected query type").
		WithOperation(operation).
		Build()
}
