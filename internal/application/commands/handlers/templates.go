package handlers

import (
	"context"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/commands/bus"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/internal/repository"
)

// ValidateTemplateHandler checks a definition against the broker's template
// rules and, on request, against the provider that would serve it.
type ValidateTemplateHandler struct {
	deps Deps
}

// NewValidateTemplateHandler builds the handler.
func NewValidateTemplateHandler(deps Deps) *ValidateTemplateHandler {
	return &ValidateTemplateHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *ValidateTemplateHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.ValidateTemplateCommand)
	if !ok {
		return nil, wrongCommand("validate_template")
	}

	report := h.deps.Templates.Validate(c.Definition)

	if c.ProviderCheck {
		criteria := provider.Criteria{}
		if c.Definition.ProviderName != "" {
			criteria.PreferStrategies = []string{c.Definition.ProviderName}
		}
		err := h.deps.Providers.Execute(ctx, "validate_template", criteria,
			func(ctx context.Context, s provider.Strategy) error {
				report.ProviderInstance = s.Name()
				for _, verr := range s.ValidateTemplate(ctx, c.Definition) {
					report.Errors = append(report.Errors, verr.Error())
					report.IsValid = false
				}
				return nil
			})
		if err != nil {
			return nil, err
		}
	}

	return commands.ValidateTemplateResult{Report: report}, nil
}

// CreateTemplateHandler registers a new template definition.
type CreateTemplateHandler struct {
	deps Deps
}

// NewCreateTemplateHandler builds the handler.
func NewCreateTemplateHandler(deps Deps) *CreateTemplateHandler {
	return &CreateTemplateHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *CreateTemplateHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.CreateTemplateCommand)
	if !ok {
		return nil, wrongCommand("create_template")
	}

	templateID, err := shared.ParseTemplateID(c.Definition.TemplateID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "template id has an invalid format").
			WithField("template_id", c.Definition.TemplateID).
			Build()
	}
	exists, err := h.deps.Stores.Templates.Exists(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Conflict(errors.CodeTemplateExists, "template already exists").
			WithResource(templateID.String()).
			Build()
	}

	t, err := template.New(c.Definition)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Templates.Save(ctx, t); err != nil {
		return nil, err
	}
	if err := shared.PublishAll(ctx, h.deps.Events, t); err != nil {
		h.deps.Logger.Warn("template events not published",
			zap.String("template_id", t.TemplateID().String()),
			zap.Error(err))
	}
	h.deps.Templates.Invalidate(t.TemplateID().String())

	return commands.CreateTemplateResult{TemplateID: t.TemplateID().String()}, nil
}

// UpdateTemplateHandler replaces a stored template definition.
type UpdateTemplateHandler struct {
	deps Deps
}

// NewUpdateTemplateHandler builds the handler.
func NewUpdateTemplateHandler(deps Deps) *UpdateTemplateHandler {
	return &UpdateTemplateHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *UpdateTemplateHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.UpdateTemplateCommand)
	if !ok {
		return nil, wrongCommand("update_template")
	}

	templateID, err := shared.ParseTemplateID(c.TemplateID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "template id has an invalid format").
			WithField("template_id", c.TemplateID).
			Build()
	}

	t, err := h.deps.Stores.Templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.NotFound(errors.CodeTemplateNotFound, "template not found").
			WithOperation("update_template").
			WithField("template_id", c.TemplateID).
			Build()
	}
	if err := t.Update(c.Definition); err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Templates.Save(ctx, t); err != nil {
		return nil, err
	}
	if err := shared.PublishAll(ctx, h.deps.Events, t); err != nil {
		h.deps.Logger.Warn("template events not published",
			zap.String("template_id", t.TemplateID().String()),
			zap.Error(err))
	}
	h.deps.Templates.Invalidate(t.TemplateID().String())

	return commands.UpdateTemplateResult{TemplateID: t.TemplateID().String()}, nil
}

// DeleteTemplateHandler removes a template. Templates with machines still
// provisioned from them stay in place.
type DeleteTemplateHandler struct {
	deps Deps
}

// NewDeleteTemplateHandler builds the handler.
func NewDeleteTemplateHandler(deps Deps) *DeleteTemplateHandler {
	return &DeleteTemplateHandler{deps: deps}
}

// Handle implements bus.CommandHandler.
func (h *DeleteTemplateHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.DeleteTemplateCommand)
	if !ok {
		return nil, wrongCommand("delete_template")
	}

	templateID, err := shared.ParseTemplateID(c.TemplateID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "template id has an invalid format").
			WithField("template_id", c.TemplateID).
			Build()
	}

	t, err := h.deps.Stores.Templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return commands.DeleteTemplateResult{TemplateID: templateID.String(), Deleted: false}, nil
	}

	if inUse, err := h.templateInUse(ctx, templateID); err != nil {
		return nil, err
	} else if inUse {
		return nil, errors.Conflict(errors.CodeTemplateInUse, "template has active machines").
			WithResource(templateID.String()).
			Build()
	}

	deleted, err := h.deps.Stores.Templates.Delete(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if deleted && h.deps.Events != nil {
		event := template.NewTemplateDeletedEvent(templateID, t.Version()+1)
		if err := h.deps.Events.Publish(ctx, event); err != nil {
			h.deps.Logger.Warn("template events not published",
				zap.String("template_id", templateID.String()),
				zap.Error(err))
		}
	}
	h.deps.Templates.Invalidate(templateID.String())

	return commands.DeleteTemplateResult{TemplateID: templateID.String(), Deleted: deleted}, nil
}

// templateInUse reports whether any non-terminal machine was provisioned from
// the template.
func (h *DeleteTemplateHandler) templateInUse(ctx context.Context, templateID shared.TemplateID) (bool, error) {
	machines, err := h.deps.Stores.Machines.GetAll(ctx, repository.MachineFilter{TemplateID: templateID.String()}, repository.Page{})
	if err != nil {
		return false, err
	}
	for _, m := range machines {
		if !m.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
