package handlers

import (
	"context"

	"hostbroker/internal/application/queries"
	"hostbroker/internal/application/queries/bus"
)

// ListTemplatesHandler lists every template visible to the scheduler.
type ListTemplatesHandler struct {
	deps Deps
}

// NewListTemplatesHandler creates the handler.
func NewListTemplatesHandler(deps Deps) *ListTemplatesHandler {
	return &ListTemplatesHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *ListTemplatesHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	if _, ok := query.(queries.ListTemplatesQuery); !ok {
		return nil, wrongQuery("list_templates")
	}
	defs, err := h.deps.Templates.List(ctx)
	if err != nil {
		return nil, err
	}
	return queries.ListTemplatesResult{Templates: defs}, nil
}

// GetTemplateHandler resolves one template by id.
type GetTemplateHandler struct {
	deps Deps
}

// NewGetTemplateHandler creates the handler.
func NewGetTemplateHandler(deps Deps) *GetTemplateHandler {
	return &GetTemplateHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetTemplateHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetTemplateQuery)
	if !ok {
		return nil, wrongQuery("get_template")
	}
	def, err := h.deps.Templates.Resolve(ctx, q.TemplateID)
	if err != nil {
		return nil, err
	}
	return queries.GetTemplateResult{Template: def}, nil
}

// ValidateTemplateHandler validates a stored template against the broker's
// template rules.
type ValidateTemplateHandler struct {
	deps Deps
}

// NewValidateTemplateHandler creates the handler.
func NewValidateTemplateHandler(deps Deps) *ValidateTemplateHandler {
	return &ValidateTemplateHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *ValidateTemplateHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.ValidateTemplateQuery)
	if !ok {
		return nil, wrongQuery("validate_template")
	}
	def, err := h.deps.Templates.Resolve(ctx, q.TemplateID)
	if err != nil {
		return nil, err
	}
	return queries.ValidateTemplateReport{Report: h.deps.Templates.Validate(def)}, nil
}
