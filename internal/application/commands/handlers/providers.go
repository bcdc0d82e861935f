package handlers

import (
	"context"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/commands/bus"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
)

// SelectProviderStrategyHandler runs the selection policy once and reports
// which strategy it would pick.
type SelectProviderStrategyHandler struct {
	deps Deps
}

// NewSelectProviderStrategyHandler builds the handler.
func NewSelectProviderStrategyHandler(deps Deps) *SelectProviderStrategyHandler {
	return &SelectProviderStrategyHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *SelectProviderStrategyHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.SelectProviderStrategyCommand)
	if !ok {
		return nil, wrongCommand("select_provider_strategy")
	}

	entry, err := h.deps.Providers.Select(provider.Criteria{
		RequiredCapabilities: c.RequiredCapabilities,
		MinSuccessRate:       c.MinSuccessRate,
		MaxResponseTime:      c.MaxResponseTime,
		RequireHealthy:       c.RequireHealthy,
		ExcludeStrategies:    c.ExcludeStrategies,
		PreferStrategies:     c.PreferStrategies,
	})
	if err != nil {
		return nil, err
	}

	return commands.SelectProviderStrategyResult{
		Name:         entry.Name(),
		ProviderType: entry.Strategy().ProviderType(),
		Healthy:      entry.Health().Healthy,
	}, nil
}

// ExecuteProviderOperationHandler runs one management operation against a
// strategy: a health probe or a provider-side template validation.
type ExecuteProviderOperationHandler struct {
	deps Deps
}

// NewExecuteProviderOperationHandler builds the handler.
func NewExecuteProviderOperationHandler(deps Deps) *ExecuteProviderOperationHandler {
	return &ExecuteProviderOperationHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *ExecuteProviderOperationHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.ExecuteProviderOperationCommand)
	if !ok {
		return nil, wrongCommand("execute_provider_operation")
	}

	criteria := provider.Criteria{}
	if c.Strategy != "" {
		criteria.PreferStrategies = []string{c.Strategy}
	}

	result := commands.ExecuteProviderOperationResult{Operation: c.Operation}

	switch c.Operation {
	case commands.ProviderOpHealthCheck:
		err := h.deps.Providers.Execute(ctx, "health_check", criteria,
			func(ctx context.Context, s provider.Strategy) error {
				result.Strategy = s.Name()
				probeErr := s.HealthCheck(ctx)
				result.Healthy = probeErr == nil
				message := ""
				if probeErr != nil {
					message = probeErr.Error()
					result.Errors = append(result.Errors, message)
				}
				if updateErr := h.deps.Providers.UpdateHealth(s.Name(), result.Healthy, message); updateErr != nil {
					h.deps.Logger.Warn("provider health not recorded",
						zap.String("strategy", s.Name()),
						zap.Error(updateErr))
				}
				return nil
			})
		if err != nil {
			return nil, err
		}
	case commands.ProviderOpValidateTemplate:
		def, err := h.deps.Templates.Resolve(ctx, c.TemplateID)
		if err != nil {
			return nil, err
		}
		err = h.deps.Providers.Execute(ctx, "validate_template", criteria,
			func(ctx context.Context, s provider.Strategy) error {
				result.Strategy = s.Name()
				result.Healthy = true
				for _, verr := range s.ValidateTemplate(ctx, def) {
					result.Errors = append(result.Errors, verr.Error())
				}
				return nil
			})
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Validation(errors.CodeInvalidInput, "unsupported provider operation").
			WithField("operation", c.Operation).
			Build()
	}

	return result, nil
}

// RegisterProviderStrategyHandler builds a strategy through the configured
// factory and registers it with the selection context.
type RegisterProviderStrategyHandler struct {
	deps Deps
}

// NewRegisterProviderStrategyHandler builds the handler.
func NewRegisterProviderStrategyHandler(deps Deps) *RegisterProviderStrategyHandler {
	return &RegisterProviderStrategyHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *RegisterProviderStrategyHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.RegisterProviderStrategyCommand)
	if !ok {
		return nil, wrongCommand("register_provider_strategy")
	}
	if h.deps.Factory == nil {
		return nil, errors.Internal(errors.CodeConfigInvalid, "no strategy factory configured").
			WithOperation("register_provider_strategy").
			Build()
	}

	strategy, err := h.deps.Factory(ctx, c.Name, c.ProviderType, c.Config)
	if err != nil {
		return nil, err
	}

	if err := h.deps.Providers.Register(provider.Registration{
		Name:                c.Name,
		ProviderType:        c.ProviderType,
		Config:              c.Config,
		Capabilities:        c.Capabilities,
		Priority:            c.Priority,
		Weight:              c.Weight,
		MaxActiveOperations: c.MaxActiveOperations,
		Strategy:            strategy,
	}); err != nil {
		return nil, err
	}

	h.deps.Logger.Info("provider strategy registered",
		zap.String("strategy", c.Name),
		zap.String("provider_type", c.ProviderType))

	return commands.RegisterProviderStrategyResult{
		Name:      c.Name,
		IsDefault: h.deps.Providers.DefaultName() == c.Name,
	}, nil
}

// UpdateProviderHealthHandler records an externally observed health verdict.
type UpdateProviderHealthHandler struct {
	deps Deps
}

// NewUpdateProviderHealthHandler builds the handler.
func NewUpdateProviderHealthHandler(deps Deps) *UpdateProviderHealthHandler {
	return &UpdateProviderHealthHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *UpdateProviderHealthHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.UpdateProviderHealthCommand)
	if !ok {
		return nil, wrongCommand("update_provider_health")
	}

	if err := h.deps.Providers.UpdateHealth(c.Name, c.Healthy, c.Message); err != nil {
		return nil, err
	}
	return commands.UpdateProviderHealthResult{Name: c.Name, Healthy: c.Healthy}, nil
}

// ConfigureProviderStrategyHandler adjusts the selection attributes of a
// registered strategy at runtime.
type ConfigureProviderStrategyHandler struct {
	deps Deps
}

// NewConfigureProviderStrategyHandler builds the handler.
func NewConfigureProviderStrategyHandler(deps Deps) *ConfigureProviderStrategyHandler {
	return &ConfigureProviderStrategyHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *ConfigureProviderStrategyHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.ConfigureProviderStrategyCommand)
	if !ok {
		return nil, wrongCommand("configure_provider_strategy")
	}

	if err := h.deps.Providers.Configure(c.Name, c.Priority, c.Weight, c.Capabilities, c.Config); err != nil {
		return nil, err
	}
	return commands.ConfigureProviderStrategyResult{Name: c.Name}, nil
}
