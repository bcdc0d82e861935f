// Package commands defines the write operations of the broker. Each command
// carries the full intent of one state change and validates its own shape;
// handlers enforce the domain rules.
package commands

import (
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// CreateRequestCommand asks the broker to provision machines from a template.
// RequestID is optional: when the caller supplies one, re-dispatching the same
// command lands on the already-created request instead of a duplicate.
type CreateRequestCommand struct {
	RequestID    string            `json:"request_id,omitempty"`
	TemplateID   string            `json:"template_id" validate:"required"`
	MachineCount int               `json:"machine_count" validate:"required,min=1"`
	Tags         map[string]string `json:"tags,omitempty"`
	Priority     int               `json:"priority,omitempty" validate:"min=0"`
}

func (c CreateRequestCommand) CommandName() string { return "CreateRequest" }

// Validate rejects malformed requests before any side effect.
func (c CreateRequestCommand) Validate() error {
	if c.TemplateID == "" {
		return errors.Validation(errors.CodeMissingField, "template_id is required").
			WithField("template_id", "required").
			Build()
	}
	if c.MachineCount < 1 {
		return errors.Validation(errors.CodeMachineCountInvalid, "machine count must be >= 1").
			WithField("machine_count", "must be >= 1").
			Build()
	}
	if c.RequestID != "" {
		id, err := shared.ParseRequestID(c.RequestID)
		if err != nil || !id.IsProvision() {
			return errors.Validation(errors.CodeInvalidFormat, "request_id must be a req- prefixed uuid").
				WithField("request_id", "invalid format").
				Build()
		}
	}
	return nil
}

// CreateRequestResult is the response to a CreateRequestCommand.
type CreateRequestResult struct {
	RequestID string `json:"request_id"`
}

// UpdateRequestStatusCommand polls the provider for the machines of one
// request, applies the observed transitions, and re-evaluates request
// completion.
type UpdateRequestStatusCommand struct {
	RequestID string `json:"request_id" validate:"required"`
}

func (c UpdateRequestStatusCommand) CommandName() string { return "UpdateRequestStatus" }

func (c UpdateRequestStatusCommand) Validate() error {
	return requireRequestID(c.RequestID)
}

// UpdateRequestStatusResult reports the request state after the poll.
type UpdateRequestStatusResult struct {
	RequestID string         `json:"request_id"`
	Status    request.Status `json:"status"`
	Polled    int            `json:"polled"`
}

// CompleteRequestCommand re-evaluates completion for one request from the
// machine states already on record, without touching the provider.
type CompleteRequestCommand struct {
	RequestID string `json:"request_id" validate:"required"`
}

func (c CompleteRequestCommand) CommandName() string { return "CompleteRequest" }

func (c CompleteRequestCommand) Validate() error {
	return requireRequestID(c.RequestID)
}

// CompleteRequestResult reports the request state after evaluation.
type CompleteRequestResult struct {
	RequestID string         `json:"request_id"`
	Status    request.Status `json:"status"`
}

// ReturnMachinesCommand gives machines back to the provider. RequestID is the
// optional idempotency id of the return request itself (ret- prefixed).
type ReturnMachinesCommand struct {
	RequestID  string            `json:"request_id,omitempty"`
	MachineIDs []string          `json:"machine_ids" validate:"required,min=1,dive,required"`
	Tags       map[string]string `json:"tags,omitempty"`
	Priority   int               `json:"priority,omitempty" validate:"min=0"`
}

func (c ReturnMachinesCommand) CommandName() string { return "ReturnMachines" }

func (c ReturnMachinesCommand) Validate() error {
	if len(c.MachineIDs) == 0 {
		return errors.Validation(errors.CodeMissingField, "machine_ids must not be empty").
			WithField("machine_ids", "required").
			Build()
	}
	for _, id := range c.MachineIDs {
		if _, err := shared.ParseMachineID(id); err != nil {
			return errors.Validation(errors.CodeInvalidFormat, "machine id is not a valid uuid").
				WithField("machine_ids", id).
				Build()
		}
	}
	if c.RequestID != "" {
		id, err := shared.ParseRequestID(c.RequestID)
		if err != nil || !id.IsReturn() {
			return errors.Validation(errors.CodeInvalidFormat, "request_id must be a ret- prefixed uuid").
				WithField("request_id", "invalid format").
				Build()
		}
	}
	return nil
}

// ReturnMachinesResult is the response to a ReturnMachinesCommand.
type ReturnMachinesResult struct {
	RequestID string `json:"request_id"`
}

// UpdateMachineStatusCommand applies one externally observed machine state,
// for example from a provider notification, outside the regular poll cycle.
type UpdateMachineStatusCommand struct {
	MachineID string `json:"machine_id" validate:"required"`
	State     string `json:"state" validate:"required,oneof=pending running stopping terminated failed not_found"`
	PrivateIP string `json:"private_ip,omitempty"`
	PublicIP  string `json:"public_ip,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (c UpdateMachineStatusCommand) CommandName() string { return "UpdateMachineStatus" }

func (c UpdateMachineStatusCommand) Validate() error {
	if c.MachineID == "" {
		return errors.Validation(errors.CodeMissingField, "machine_id is required").
			WithField("machine_id", "required").
			Build()
	}
	if _, err := shared.ParseMachineID(c.MachineID); err != nil {
		return errors.Validation(errors.CodeInvalidFormat, "machine id is not a valid uuid").
			WithField("machine_id", c.MachineID).
			Build()
	}
	switch c.State {
	case "pending", "running", "stopping", "terminated", "failed", "not_found":
		return nil
	default:
		return errors.Validation(errors.CodeInvalidInput, "unknown machine state").
			WithField("state", c.State).
			Build()
	}
}

// UpdateMachineStatusResult reports the machine state after the update.
type UpdateMachineStatusResult struct {
	MachineID string         `json:"machine_id"`
	Status    machine.Status `json:"status"`
}

// CleanupMachineResourcesCommand removes terminal machine records of one
// request and, when TerminateStragglers is set, terminates any machine the
// provider still runs for it.
type CleanupMachineResourcesCommand struct {
	RequestID           string `json:"request_id" validate:"required"`
	TerminateStragglers bool   `json:"terminate_stragglers,omitempty"`
}

func (c CleanupMachineResourcesCommand) CommandName() string { return "CleanupMachineResources" }

func (c CleanupMachineResourcesCommand) Validate() error {
	return requireRequestID(c.RequestID)
}

// CleanupMachineResourcesResult reports what the cleanup touched.
type CleanupMachineResourcesResult struct {
	RequestID  string `json:"request_id"`
	Removed    int    `json:"removed"`
	Terminated int    `json:"terminated"`
}

// requireRequestID validates a mandatory request id field.
func requireRequestID(id string) error {
	if id == "" {
		return errors.Validation(errors.CodeMissingField, "request_id is required").
			WithField("request_id", "required").
			Build()
	}
	if _, err := shared.ParseRequestID(id); err != nil {
		return errors.Validation(errors.CodeInvalidFormat, "request id must be a req- or ret- prefixed uuid").
			WithField("request_id", id).
			Build()
	}
	return nil
}
