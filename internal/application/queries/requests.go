// Package queries defines the read operations of the broker. Queries never
// modify state; handlers assemble views from the repositories and runtime
// snapshots.
package queries

import (
	"time"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// RequestView is the read model of one request.
type RequestView struct {
	RequestID     string                `json:"request_id"`
	TemplateID    string                `json:"template_id,omitempty"`
	RequestType   shared.RequestType    `json:"request_type"`
	Status        request.Status        `json:"status"`
	MachineCount  int                   `json:"machine_count"`
	MachineIDs    []string              `json:"machine_ids,omitempty"`
	ProviderName  string                `json:"provider_name,omitempty"`
	Priority      int                   `json:"priority,omitempty"`
	Tags          map[string]string     `json:"tags,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	CancelPending bool                  `json:"cancel_pending,omitempty"`
	Error         *request.ErrorSummary `json:"error,omitempty"`
}

// MachineView is the read model of one machine.
type MachineView struct {
	MachineID          string            `json:"machine_id"`
	ProviderInstanceID string            `json:"provider_instance_id,omitempty"`
	RequestID          string            `json:"request_id"`
	TemplateID         string            `json:"template_id,omitempty"`
	Status             machine.Status    `json:"status"`
	InstanceType       string            `json:"instance_type,omitempty"`
	PrivateIP          string            `json:"private_ip,omitempty"`
	PublicIP           string            `json:"public_ip,omitempty"`
	LaunchTime         *time.Time        `json:"launch_time,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	Message            string            `json:"message,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// RequestStatusView is the scheduler-facing status of one request: the
// request state plus the per-machine detail the wire format reports.
type RequestStatusView struct {
	RequestID    string             `json:"request_id"`
	RequestType  shared.RequestType `json:"request_type"`
	Status       request.Status     `json:"status"`
	MachineCount int                `json:"machine_count"`
	Machines     []MachineView      `json:"machines"`
	RunningCount int                `json:"running_count"`
	Message      string             `json:"message,omitempty"`
}

// GetRequestQuery fetches one request by id.
type GetRequestQuery struct {
	RequestID string `json:"request_id" validate:"required"`
}

func (q GetRequestQuery) QueryName() string { return "GetRequest" }

func (q GetRequestQuery) Validate() error {
	return requireRequestID(q.RequestID)
}

// ListActiveRequestsQuery lists requests that have not reached a terminal
// state, newest first.
type ListActiveRequestsQuery struct {
	Limit  int `json:"limit,omitempty" validate:"min=0"`
	Offset int `json:"offset,omitempty" validate:"min=0"`
}

func (q ListActiveRequestsQuery) QueryName() string { return "ListActiveRequests" }

func (q ListActiveRequestsQuery) Validate() error {
	if q.Limit < 0 || q.Offset < 0 {
		return errors.Validation(errors.CodeInvalidInput, "limit and offset must be >= 0").
			Build()
	}
	return nil
}

// ListActiveRequestsResult carries the active request views.
type ListActiveRequestsResult struct {
	Requests []RequestView `json:"requests"`
}

// GetRequestStatusQuery assembles the scheduler-facing status view of one
// request from the stored request and machine records.
type GetRequestStatusQuery struct {
	RequestID string `json:"request_id" validate:"required"`
}

func (q GetRequestStatusQuery) QueryName() string { return "GetRequestStatus" }

func (q GetRequestStatusQuery) Validate() error {
	return requireRequestID(q.RequestID)
}

// GetMachineQuery fetches one machine by broker machine id.
type GetMachineQuery struct {
	MachineID string `json:"machine_id" validate:"required"`
}

func (q GetMachineQuery) QueryName() string { return "GetMachine" }

func (q GetMachineQuery) Validate() error {
	if q.MachineID == "" {
		return errors.Validation(errors.CodeMissingField, "machine_id is required").
			WithField("machine_id", "required").
			Build()
	}
	if _, err := shared.ParseMachineID(q.MachineID); err != nil {
		return errors.Validation(errors.CodeInvalidFormat, "machine id is not a valid uuid").
			WithField("machine_id", q.MachineID).
			Build()
	}
	return nil
}

// ListMachinesByRequestQuery lists every machine allocated for one request.
type ListMachinesByRequestQuery struct {
	RequestID string `json:"request_id" validate:"required"`
}

func (q ListMachinesByRequestQuery) QueryName() string { return "ListMachinesByRequest" }

func (q ListMachinesByRequestQuery) Validate() error {
	return requireRequestID(q.RequestID)
}

// ListMachinesByRequestResult carries the machine views of one request.
type ListMachinesByRequestResult struct {
	RequestID string        `json:"request_id"`
	Machines  []MachineView `json:"machines"`
}

// GetActiveMachineCountQuery counts machines that are not terminal,
// optionally restricted to one template.
type GetActiveMachineCountQuery struct {
	TemplateID string `json:"template_id,omitempty"`
}

func (q GetActiveMachineCountQuery) QueryName() string { return "GetActiveMachineCount" }

func (q GetActiveMachineCountQuery) Validate() error { return nil }

// GetActiveMachineCountResult carries the count.
type GetActiveMachineCountResult struct {
	TemplateID string `json:"template_id,omitempty"`
	Count      int    `json:"count"`
}

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
