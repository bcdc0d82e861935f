// Package request contains the request aggregate: one provisioning or return
// operation submitted by the scheduler, tracked from PENDING to a terminal
// state. All mutations go through domain methods that append exactly one
// domain event per state change.
package request

import (
	"time"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// requestTransitions is the allowed transition table. Terminal states map to
// an empty set.
var requestTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// CanTransition reports whether from → to is a legal request transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range requestTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrorSummary is the structured failure record attached to a FAILED request.
// PerMachine carries machine-level errors for partial provisioning failures.
type ErrorSummary struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	PerMachine map[string]string `json:"per_machine,omitempty"`
}

// Request is the aggregate for one scheduler operation.
type Request struct {
	shared.AggregateBase

	requestID    shared.RequestID
	templateID   shared.TemplateID
	requestType  shared.RequestType
	machineCount int
	status       Status

	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time

	tags     shared.Tags
	priority int

	machineIDs      []shared.MachineID
	providerName    string
	cancelRequested bool
	errSummary      *ErrorSummary
}

// NewProvisionRequest creates a request to provision machineCount machines
// from the given template. The request starts PENDING with no machines bound.
func NewProvisionRequest(templateID shared.TemplateID, machineCount int, tags shared.Tags, priority int) (*Request, error) {
	return NewProvisionRequestWithID(shared.NewProvisionRequestID(), templateID, machineCount, tags, priority)
}

// NewProvisionRequestWithID creates a provision request under a caller-chosen
// identifier so that a retried submission lands on the same aggregate.
func NewProvisionRequestWithID(id shared.RequestID, templateID shared.TemplateID, machineCount int, tags shared.Tags, priority int) (*Request, error) {
	if !id.IsProvision() {
		return nil, errors.Validation(errors.CodeRequestInvalid, "provision request id must carry the req- prefix").
			WithField("request_id", "must be a provision id").
			Build()
	}
	if templateID.IsEmpty() {
		return nil, errors.Validation(errors.CodeRequestInvalid, "provision request requires a template").
			WithField("template_id", "required").
			Build()
	}
	if machineCount < 1 {
		return nil, errors.Validation(errors.CodeMachineCountInvalid, "machine count must be >= 1").
			WithField("machine_count", "must be >= 1").
			Build()
	}
	if tags == nil {
		tags = shared.NewTags()
	}

	now := time.Now()
	r := &Request{
		AggregateBase: shared.NewAggregateBase(id.String()),
		requestID:     id,
		templateID:    templateID,
		requestType:   shared.RequestTypeProvision,
		machineCount:  machineCount,
		status:        StatusPending,
		createdAt:     now,
		updatedAt:     now,
		tags:          tags,
		priority:      priority,
		machineIDs:    []shared.MachineID{},
	}
	r.AddEvent(NewRequestCreatedEvent(id, templateID.String(), shared.RequestTypeProvision, machineCount, r.Version()))
	return r, nil
}

// NewReturnRequest creates a request to return the given machines. The
// machine list is fixed at creation; machine_count always equals its length.
func NewReturnRequest(machineIDs []shared.MachineID, tags shared.Tags, priority int) (*Request, error) {
	return NewReturnRequestWithID(shared.NewReturnRequestID(), machineIDs, tags, priority)
}

// NewReturnRequestWithID creates a return request under a caller-chosen
// identifier so that a retried submission lands on the same aggregate.
func NewReturnRequestWithID(id shared.RequestID, machineIDs []shared.MachineID, tags shared.Tags, priority int) (*Request, error) {
	if !id.IsReturn() {
		return nil, errors.Validation(errors.CodeRequestInvalid, "return request id must carry the ret- prefix").
			WithField("request_id", "must be a return id").
			Build()
	}
	if len(machineIDs) == 0 {
		return nil, errors.Validation(errors.CodeRequestInvalid, "return request requires machine ids").
			WithField("machine_ids", "must not be empty").
			Build()
	}
	if tags == nil {
		tags = shared.NewTags()
	}

	now := time.Now()
	ids := make([]shared.MachineID, len(machineIDs))
	copy(ids, machineIDs)

	r := &Request{
		AggregateBase: shared.NewAggregateBase(id.String()),
		requestID:     id,
		requestType:   shared.RequestTypeReturn,
		machineCount:  len(ids),
		status:        StatusPending,
		createdAt:     now,
		updatedAt:     now,
		tags:          tags,
		priority:      priority,
		machineIDs:    ids,
	}
	r.AddEvent(NewRequestCreatedEvent(id, "", shared.RequestTypeReturn, len(ids), r.Version()))
	return r, nil
}

// transition moves the request to a new status or fails with a Conflict.
func (r *Request) transition(to Status) error {
	if r.status.IsTerminal() {
		return errors.Conflict(errors.CodeRequestTerminal, "request is in a terminal state").
			WithResource(r.requestID.String()).
			WithDetailsf("status %s cannot change", r.status).
			Build()
	}
	if !CanTransition(r.status, to) {
		return errors.Conflict(errors.CodeIllegalTransition, "illegal request transition").
			WithResource(r.requestID.String()).
			WithDetailsf("%s -> %s is not allowed", r.status, to).
			Build()
	}
	r.status = to
	r.updatedAt = time.Now()
	return nil
}

// Start moves the request to IN_PROGRESS once a provider strategy has been
// selected for it.
func (r *Request) Start(providerName string) error {
	if providerName == "" {
		return errors.Validation(errors.CodeRequestInvalid, "cannot start request without a provider").
			WithResource(r.requestID.String()).
			Build()
	}
	prev := r.status
	if err := r.transition(StatusInProgress); err != nil {
		return err
	}
	r.providerName = providerName
	r.AddEvent(NewRequestStatusChangedEvent(r.requestID, prev, r.status, r.Version()))
	return nil
}

// BindMachines records machine identifiers allocated for this provision
// request. The bound set never exceeds machine_count.
func (r *Request) BindMachines(ids ...shared.MachineID) error {
	if r.requestType != shared.RequestTypeProvision {
		return errors.Conflict(errors.CodeRequestInvalid, "machines are fixed at creation for return requests").
			WithResource(r.requestID.String()).
			Build()
	}
	if r.status != StatusInProgress {
		return errors.Conflict(errors.CodeIllegalTransition, "machines can only be bound while in progress").
			WithResource(r.requestID.String()).
			WithDetailsf("status is %s", r.status).
			Build()
	}
	if len(r.machineIDs)+len(ids) > r.machineCount {
		return errors.Conflict(errors.CodeRequestInvalid, "bound machines would exceed requested count").
			WithResource(r.requestID.String()).
			WithDetailsf("%d bound + %d new > %d requested", len(r.machineIDs), len(ids), r.machineCount).
			Build()
	}
	r.machineIDs = append(r.machineIDs, ids...)
	r.updatedAt = time.Now()
	r.AddEvent(NewMachinesBoundEvent(r.requestID, ids, r.Version()))
	return nil
}

// Complete moves the request to COMPLETED. A provision request completes only
// when every requested machine has been bound; the caller is responsible for
// verifying that each bound machine reached its target state.
func (r *Request) Complete() error {
	if r.requestType == shared.RequestTypeProvision && len(r.machineIDs) != r.machineCount {
		return errors.Conflict(errors.CodeIllegalTransition, "provision request cannot complete with missing machines").
			WithResource(r.requestID.String()).
			WithDetailsf("%d of %d machines bound", len(r.machineIDs), r.machineCount).
			Build()
	}
	prev := r.status
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	r.completedAt = &now
	r.AddEvent(NewRequestCompletedEvent(r.requestID, prev, r.Version()))
	return nil
}

// Fail moves the request to FAILED with a structured error summary.
func (r *Request) Fail(summary ErrorSummary) error {
	prev := r.status
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	now := time.Now()
	r.completedAt = &now
	r.errSummary = &summary
	r.AddEvent(NewRequestFailedEvent(r.requestID, prev, summary, r.Version()))
	return nil
}

// Cancel moves the request to CANCELLED. Once provisioning has begun, the
// request may only be cancelled while no machine has reached RUNNING; the
// caller passes that determination via machinesRunning. When machines are
// already running the cancellation intent is recorded instead and the caller
// schedules a return.
func (r *Request) Cancel(reason string, machinesRunning bool) error {
	if r.status == StatusInProgress && machinesRunning {
		r.RecordCancellationIntent(reason)
		return nil
	}
	prev := r.status
	if err := r.transition(StatusCancelled); err != nil {
		return err
	}
	now := time.Now()
	r.completedAt = &now
	r.AddEvent(NewRequestCancelledEvent(r.requestID, prev, reason, r.Version()))
	return nil
}

// RecordCancellationIntent marks that the caller asked for cancellation after
// machines started running. The request itself keeps progressing; a RETURN
// request is scheduled for the running machines.
func (r *Request) RecordCancellationIntent(reason string) {
	if r.cancelRequested {
		return
	}
	r.cancelRequested = true
	r.updatedAt = time.Now()
	r.AddEvent(NewCancellationRequestedEvent(r.requestID, reason, r.Version()))
}

// ValidateInvariants checks the structural rules of the aggregate.
func (r *Request) ValidateInvariants() error {
	if r.machineCount < 1 {
		return errors.Validation(errors.CodeMachineCountInvalid, "machine count must be >= 1").
			WithResource(r.requestID.String()).
			Build()
	}
	if len(r.machineIDs) > r.machineCount {
		return errors.Internal(errors.CodeInternalError, "bound machines exceed requested count").
			WithResource(r.requestID.String()).
			Build()
	}
	if r.requestType == shared.RequestTypeProvision &&
		r.status == StatusCompleted && len(r.machineIDs) != r.machineCount {
		return errors.Internal(errors.CodeInternalError, "completed provision request missing machines").
			WithResource(r.requestID.String()).
			Build()
	}
	if r.completedAt != nil && r.completedAt.Before(r.createdAt) {
		return errors.Internal(errors.CodeInternalError, "completed_at precedes created_at").
			WithResource(r.requestID.String()).
			Build()
	}
	return nil
}

// RequestID returns the request identifier.
func (r *Request) RequestID() shared.RequestID {
	return r.requestID
}

// TemplateID returns the template id; empty for return requests.
func (r *Request) TemplateID() shared.TemplateID {
	return r.templateID
}

// Type returns PROVISION or RETURN.
func (r *Request) Type() shared.RequestType {
	return r.requestType
}

// Status returns the current lifecycle state.
func (r *Request) Status() Status {
	return r.status
}

// IsTerminal reports whether the request reached a terminal state.
func (r *Request) IsTerminal() bool {
	return r.status.IsTerminal()
}

// MachineCount returns the requested machine count.
func (r *Request) MachineCount() int {
	return r.machineCount
}

// MachineIDs returns the bound machine identifiers.
func (r *Request) MachineIDs() []shared.MachineID {
	out := make([]shared.MachineID, len(r.machineIDs))
	copy(out, r.machineIDs)
	return out
}

// ProviderName returns the strategy selected for this request, if any.
func (r *Request) ProviderName() string {
	return r.providerName
}

// Tags returns the request tags.
func (r *Request) Tags() shared.Tags {
	return r.tags
}

// Priority returns the scheduler-assigned priority.
func (r *Request) Priority() int {
	return r.priority
}

// CreatedAt returns the creation time.
func (r *Request) CreatedAt() time.Time {
	return r.createdAt
}

// UpdatedAt returns the last mutation time.
func (r *Request) UpdatedAt() time.Time {
	return r.updatedAt
}

// CompletedAt returns the completion time, or nil while non-terminal.
func (r *Request) CompletedAt() *time.Time {
	return r.completedAt
}

// CancellationRequested reports whether a late cancel was recorded.
func (r *Request) CancellationRequested() bool {
	return r.cancelRequested
}

// ErrorSummary returns the failure record, or nil if the request did not fail.
func (r *Request) ErrorSummary() *ErrorSummary {
	return r.errSummary
}
