package commands

import (
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/templates"
)

// ValidateTemplateCommand checks a template definition before it is stored.
// With ProviderCheck set the selected provider strategy also inspects the
// definition (AMI existence, subnet reachability) in addition to the static
// rules.
type ValidateTemplateCommand struct {
	Definition    template.Definition `json:"definition"`
	ProviderCheck bool                `json:"provider_check,omitempty"`
}

func (c ValidateTemplateCommand) CommandName() string { return "ValidateTemplate" }

func (c ValidateTemplateCommand) Validate() error {
	if c.Definition.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "definition requires a template_id").
			WithField("definition.template_id", "required").
			Build()
	}
	return nil
}

// ValidateTemplateResult carries the full validation report.
type ValidateTemplateResult struct {
	Report templates.Report `json:"report"`
}

// CreateTemplateCommand stores a new template definition.
type CreateTemplateCommand struct {
	Definition template.Definition `json:"definition"`
}

func (c CreateTemplateCommand) CommandName() string { return "CreateTemplate" }

func (c CreateTemplateCommand) Validate() error {
	if c.Definition.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "definition requires a template_id").
			WithField("definition.template_id", "required").
			Build()
	}
	return nil
}

// CreateTemplateResult is the response to a CreateTemplateCommand.
type CreateTemplateResult struct {
	TemplateID string `json:"template_id"`
}

// UpdateTemplateCommand replaces the definition of an existing template. The
// TemplateID field names the template to update; a definition carrying a
// different id is rejected.
type UpdateTemplateCommand struct {
	TemplateID string              `json:"template_id" validate:"required"`
	Definition template.Definition `json:"definition"`
}

func (c UpdateTemplateCommand) CommandName() string { return "UpdateTemplate" }

func (c UpdateTemplateCommand) Validate() error {
	if c.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "template_id is required").
			WithField("template_id", "required").
			Build()
	}
	if c.Definition.TemplateID != "" && c.Definition.TemplateID != c.TemplateID {
		return errors.Validation(errors.CodeInvalidInput, "definition template_id does not match command").
			WithField("definition.template_id", c.Definition.TemplateID).
			Build()
	}
	return nil
}

// UpdateTemplateResult is the response to an UpdateTemplateCommand.
type UpdateTemplateResult struct {
	TemplateID string `json:"template_id"`
}

// DeleteTemplateCommand removes a stored template definition.
type DeleteTemplateCommand struct {
	TemplateID string `json:"template_id" validate:"required"`
}

func (c DeleteTemplateCommand) CommandName() string { return "DeleteTemplate" }

func (c DeleteTemplateCommand) Validate() error {
	if c.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "template_id is required").
			WithField("template_id", "required").
			Build()
	}
	return nil
}

// DeleteTemplateResult reports whether a template was actually removed.
type DeleteTemplateResult struct {
	TemplateID string `json:"template_id"`
	Deleted    bool   `json:"deleted"`
}
