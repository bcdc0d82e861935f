package commands

import (
	"time"

	"hostbroker/internal/errors"
)

// Operations understood by ExecuteProviderOperationCommand.
const (
	ProviderOpHealthCheck      = "health_check"
	ProviderOpValidateTemplate = "validate_template"
)

// SelectProviderStrategyCommand runs the configured selection policy once and
// reports which strategy would serve the given criteria. Used by operators
// to inspect routing decisions; the selection itself mutates policy cursors
// (round-robin position), which is why this is a command.
type SelectProviderStrategyCommand struct {
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	MinSuccessRate       float64       `json:"min_success_rate,omitempty" validate:"min=0,max=1"`
	MaxResponseTime      time.Duration `json:"max_response_time,omitempty"`
	RequireHealthy       bool          `json:"require_healthy,omitempty"`
	ExcludeStrategies    []string      `json:"exclude_strategies,omitempty"`
	PreferStrategies     []string      `json:"prefer_strategies,omitempty"`
}

func (c SelectProviderStrategyCommand) CommandName() string { return "SelectProviderStrategy" }

func (c SelectProviderStrategyCommand) Validate() error {
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return errors.Validation(errors.CodeInvalidInput, "min_success_rate must be within [0, 1]").
			WithField("min_success_rate", "out of range").
			Build()
	}
	return nil
}

// SelectProviderStrategyResult names the selected strategy.
type SelectProviderStrategyResult struct {
	Name         string `json:"name"`
	ProviderType string `json:"provider_type"`
	Healthy      bool   `json:"healthy"`
}

// ExecuteProviderOperationCommand runs a maintenance operation against one
// strategy, or against the strategy the selection policy picks when Strategy
// is empty.
type ExecuteProviderOperationCommand struct {
	Operation  string `json:"operation" validate:"required,oneof=health_check validate_template"`
	Strategy   string `json:"strategy,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

func (c ExecuteProviderOperationCommand) CommandName() string { return "ExecuteProviderOperation" }

func (c ExecuteProviderOperationCommand) Validate() error {
	switch c.Operation {
	case ProviderOpHealthCheck:
		return nil
	case ProviderOpValidateTemplate:
		if c.TemplateID == "" {
			return errors.Validation(errors.CodeMissingField, "validate_template requires a template_id").
				WithField("template_id", "required").
				Build()
		}
		return nil
	default:
		return errors.Validation(errors.CodeInvalidInput, "unknown provider operation").
			WithField("operation", c.Operation).
			Build()
	}
}

// ExecuteProviderOperationResult reports the outcome of the operation.
type ExecuteProviderOperationResult struct {
	Strategy  string   `json:"strategy"`
	Operation string   `json:"operation"`
	Healthy   bool     `json:"healthy"`
	Errors    []string `json:"errors,omitempty"`
}

// RegisterProviderStrategyCommand adds a provider strategy to the selection
// context at runtime. The handler constructs the strategy from ProviderType
// and Config through the provider factory.
type RegisterProviderStrategyCommand struct {
	Name                string            `json:"name" validate:"required"`
	ProviderType        string            `json:"provider_type" validate:"required"`
	Config              map[string]string `json:"config,omitempty"`
	Capabilities        []string          `json:"capabilities,omitempty"`
	Priority            int               `json:"priority,omitempty" validate:"min=0"`
	Weight              int               `json:"weight,omitempty" validate:"min=0"`
	MaxActiveOperations int               `json:"max_active_operations,omitempty" validate:"min=0"`
}

func (c RegisterProviderStrategyCommand) CommandName() string { return "RegisterProviderStrategy" }

func (c RegisterProviderStrategyCommand) Validate() error {
	if c.Name == "" {
		return errors.Validation(errors.CodeMissingField, "strategy name is required").
			WithField("name", "required").
			Build()
	}
	if c.ProviderType == "" {
		return errors.Validation(errors.CodeMissingField, "provider_type is required").
			WithField("provider_type", "required").
			Build()
	}
	return nil
}

// RegisterProviderStrategyResult confirms the registration.
type RegisterProviderStrategyResult struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// UpdateProviderHealthCommand overrides the health snapshot of one strategy,
// for example to drain it ahead of maintenance.
type UpdateProviderHealthCommand struct {
	Name    string `json:"name" validate:"required"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

func (c UpdateProviderHealthCommand) CommandName() string { return "UpdateProviderHealth" }

func (c UpdateProviderHealthCommand) Validate() error {
	if c.Name == "" {
		return errors.Validation(errors.CodeMissingField, "strategy name is required").
			WithField("name", "required").
			Build()
	}
	return nil
}

// UpdateProviderHealthResult confirms the applied health state.
type UpdateProviderHealthResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// ConfigureProviderStrategyCommand adjusts selection parameters of a
// registered strategy. Nil pointer fields are left unchanged.
type ConfigureProviderStrategyCommand struct {
	Name         string            `json:"name" validate:"required"`
	Priority     *int              `json:"priority,omitempty"`
	Weight       *int              `json:"weight,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

func (c ConfigureProviderStrategyCommand) CommandName() string { return "ConfigureProviderStrategy" }

func (c ConfigureProviderStrategyCommand) Validate() error {
	if c.Name == "" {
		return errors.Validation(errors.CodeMissingField, "strategy name is required").
			WithField("name", "required").
			Build()
	}
	if c.Priority != nil && *c.Priority < 0 {
		return errors.Validation(errors.CodeInvalidInput, "priority must be >= 0").
			WithField("priority", "must be >= 0").
			Build()
	}
	if c.Weight != nil && *c.Weight < 1 {
		return errors.Validation(errors.CodeInvalidInput, "weight must be >= 1").
			WithField("weight", "must be >= 1").
			Build()
	}
	return nil
}

// ConfigureProviderStrategyResult confirms the configuration change.
type ConfigureProviderStrategyResult struct {
	Name string `json:"name"`
}
