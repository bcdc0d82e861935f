package request

import (
	"hostbroker/internal/domain/shared"
)

// Event type names for the request aggregate.
const (
	EventRequestCreated        = "RequestCreated"
	EventRequestStatusChanged  = "RequestStatusChanged"
	EventMachinesBound         = "MachinesBound"
	EventRequestCompleted      = "RequestCompleted"
	EventRequestFailed         = "RequestFailed"
	EventRequestCancelled      = "RequestCancelled"
	EventCancellationRequested = "CancellationRequested"
)

// RequestCreatedEvent is fired when a request is accepted.
type RequestCreatedEvent struct {
	shared.BaseEvent
	TemplateID   string             `json:"template_id,omitempty"`
	RequestType  shared.RequestType `json:"request_type"`
	MachineCount int                `json:"machine_count"`
}

// NewRequestCreatedEvent creates a new RequestCreatedEvent.
func NewRequestCreatedEvent(id shared.RequestID, templateID string, rt shared.RequestType, count, version int) *RequestCreatedEvent {
	return &RequestCreatedEvent{
		BaseEvent:    shared.NewBaseEvent(EventRequestCreated, id.String(), version),
		TemplateID:   templateID,
		RequestType:  rt,
		MachineCount: count,
	}
}

// EventData returns the event-specific data.
func (e *RequestCreatedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"template_id":   e.TemplateID,
		"request_type":  string(e.RequestType),
		"machine_count": e.MachineCount,
	}
}

// RequestStatusChangedEvent is fired on each non-terminal status transition.
type RequestStatusChangedEvent struct {
	shared.BaseEvent
	From Status `json:"from"`
	To   Status `json:"to"`
}

// NewRequestStatusChangedEvent creates a new RequestStatusChangedEvent.
func NewRequestStatusChangedEvent(id shared.RequestID, from, to Status, version int) *RequestStatusChangedEvent {
	return &RequestStatusChangedEvent{
		BaseEvent: shared.NewBaseEvent(EventRequestStatusChanged, id.String(), version),
		From:      from,
		To:        to,
	}
}

// EventData returns the event-specific data.
func (e *RequestStatusChangedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"from": string(e.From),
		"to":   string(e.To),
	}
}

// MachinesBoundEvent is fired when machines are allocated to a request.
type MachinesBoundEvent struct {
	shared.BaseEvent
	MachineIDs []string `json:"machine_ids"`
}

// NewMachinesBoundEvent creates a new MachinesBoundEvent.
func NewMachinesBoundEvent(id shared.RequestID, machineIDs []shared.MachineID, version int) *MachinesBoundEvent {
	ids := make([]string, len(machineIDs))
	for i, m := range machineIDs {
		ids[i] = m.String()
	}
	return &MachinesBoundEvent{
		BaseEvent:  shared.NewBaseEvent(EventMachinesBound, id.String(), version),
		MachineIDs: ids,
	}
}

// EventData returns the event-specific data.
func (e *MachinesBoundEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"machine_ids": e.MachineIDs,
	}
}

// RequestCompletedEvent is fired when a request reaches COMPLETED.
type RequestCompletedEvent struct {
	shared.BaseEvent
	From Status `json:"from"`
}

// NewRequestCompletedEvent creates a new RequestCompletedEvent.
func NewRequestCompletedEvent(id shared.RequestID, from Status, version int) *RequestCompletedEvent {
	return &RequestCompletedEvent{
		BaseEvent: shared.NewBaseEvent(EventRequestCompleted, id.String(), version),
		From:      from,
	}
}

// EventData returns the event-specific data.
func (e *RequestCompletedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"from": string(e.From),
	}
}

// RequestFailedEvent is fired when a request reaches FAILED.
type RequestFailedEvent struct {
	shared.BaseEvent
	From    Status       `json:"from"`
	Summary ErrorSummary `json:"summary"`
}

// NewRequestFailedEvent creates a new RequestFailedEvent.
func NewRequestFailedEvent(id shared.RequestID, from Status, summary ErrorSummary, version int) *RequestFailedEvent {
	return &RequestFailedEvent{
		BaseEvent: shared.NewBaseEvent(EventRequestFailed, id.String(), version),
		From:      from,
		Summary:   summary,
	}
}

// EventData returns the event-specific data.
func (e *RequestFailedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"from":    string(e.From),
		"code":    e.Summary.Code,
		"message": e.Summary.Message,
	}
}

// RequestCancelledEvent is fired when a request reaches CANCELLED.
type RequestCancelledEvent struct {
	shared.BaseEvent
	From   Status `json:"from"`
	Reason string `json:"reason"`
}

// NewRequestCancelledEvent creates a new RequestCancelledEvent.
func NewRequestCancelledEvent(id shared.RequestID, from Status, reason string, version int) *RequestCancelledEvent {
	return &RequestCancelledEvent{
		BaseEvent: shared.NewBaseEvent(EventRequestCancelled, id.String(), version),
		From:      from,
		Reason:    reason,
	}
}

// EventData returns the event-specific data.
func (e *RequestCancelledEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"from":   string(e.From),
		"reason": e.Reason,
	}
}

// CancellationRequestedEvent is fired when a cancel arrives after machines
// started running; the request keeps progressing and a return is scheduled.
type CancellationRequestedEvent struct {
	shared.BaseEvent
	Reason string `json:"reason"`
}

// NewCancellationRequestedEvent creates a new CancellationRequestedEvent.
func NewCancellationRequestedEvent(id shared.RequestID, reason string, version int) *CancellationRequestedEvent {
	return &CancellationRequestedEvent{
		BaseEvent: shared.NewBaseEvent(EventCancellationRequested, id.String(), version),
		Reason:    reason,
	}
}

// EventData returns the event-specific data.
func (e *CancellationRequestedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"reason": e.Reason,
	}
}
