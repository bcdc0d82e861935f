package queries

import (
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/templates"
)

// ListTemplatesQuery lists every template visible to the scheduler, sorted by
// template id.
type ListTemplatesQuery struct{}

func (q ListTemplatesQuery) QueryName() string { return "ListTemplates" }

func (q ListTemplatesQuery) Validate() error { return nil }

// ListTemplatesResult carries the resolved definitions.
type ListTemplatesResult struct {
	Templates []template.Definition `json:"templates"`
}

// GetTemplateQuery resolves one template by id, serving from the cache when
// the entry is fresh.
type GetTemplateQuery struct {
	TemplateID string `json:"template_id" validate:"required"`
}

func (q GetTemplateQuery) QueryName() string { return "GetTemplate" }

func (q GetTemplateQuery) Validate() error {
	if q.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "template_id is required").
			WithField("template_id", "required").
			Build()
	}
	return nil
}

// GetTemplateResult carries the resolved definition.
type GetTemplateResult struct {
	Template template.Definition `json:"template"`
}

// ValidateTemplateQuery validates a stored template against the broker's
// template rules. The write-side ValidateTemplate command checks a definition
// that has not been stored yet.
type ValidateTemplateQuery struct {
	TemplateID string `json:"template_id" validate:"required"`
}

func (q ValidateTemplateQuery) QueryName() string { return "ValidateTemplate" }

func (q ValidateTemplateQuery) Validate() error {
	if q.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "template_id is required").
			WithField("template_id", "required").
			Build()
	}
	return nil
}

// ValidateTemplateReport carries the validation report for a stored template.
type ValidateTemplateReport struct {
	Report templates.Report `json:"report"`
}
