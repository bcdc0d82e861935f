package machine

import (
	"hostbroker/internal/domain/shared"
)

// Event type names for the machine aggregate.
const (
	EventMachineCreated       = "MachineCreated"
	EventMachineLaunched      = "MachineLaunched"
	EventMachineStatusChanged = "MachineStatusChanged"
	EventMachineFailed        = "MachineFailed"
)

// MachineCreatedEvent is fired when a machine record is allocated.
type MachineCreatedEvent struct {
	shared.BaseEvent
	RequestID  string `json:"request_id"`
	TemplateID string `json:"template_id,omitempty"`
}

// NewMachineCreatedEvent creates a new MachineCreatedEvent.
func NewMachineCreatedEvent(id shared.MachineID, requestID, templateID string, version int) *MachineCreatedEvent {
	return &MachineCreatedEvent{
		BaseEvent:  shared.NewBaseEvent(EventMachineCreated, id.String(), version),
		RequestID:  requestID,
		TemplateID: templateID,
	}
}

// EventData returns the event-specific data.
func (e *MachineCreatedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"request_id":  e.RequestID,
		"template_id": e.TemplateID,
	}
}

// MachineLaunchedEvent is fired when the provider instance id is attached.
type MachineLaunchedEvent struct {
	shared.BaseEvent
	ProviderInstanceID string `json:"provider_instance_id"`
}

// NewMachineLaunchedEvent creates a new MachineLaunchedEvent.
func NewMachineLaunchedEvent(id shared.MachineID, providerInstanceID string, version int) *MachineLaunchedEvent {
	return &MachineLaunchedEvent{
		BaseEvent:          shared.NewBaseEvent(EventMachineLaunched, id.String(), version),
		ProviderInstanceID: providerInstanceID,
	}
}

// EventData returns the event-specific data.
func (e *MachineLaunchedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"provider_instance_id": e.ProviderInstanceID,
	}
}

// MachineStatusChangedEvent is fired on each machine status transition.
type MachineStatusChangedEvent struct {
	shared.BaseEvent
	From Status `json:"from"`
	To   Status `json:"to"`
}

// NewMachineStatusChangedEvent creates a new MachineStatusChangedEvent.
func NewMachineStatusChangedEvent(id shared.MachineID, from, to Status, version int) *MachineStatusChangedEvent {
	return &MachineStatusChangedEvent{
		BaseEvent: shared.NewBaseEvent(EventMachineStatusChanged, id.String(), version),
		From:      from,
		To:        to,
	}
}

// EventData returns the event-specific data.
func (e *MachineStatusChangedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"from": string(e.From),
		"to":   string(e.To),
	}
}

// MachineFailedEvent is fired when the provider reports a machine failure.
type MachineFailedEvent struct {
	shared.BaseEvent
	From   Status `json:"from"`
	Reason string `json:"reason"`
}

// NewMachineFailedEvent creates a new MachineFailedEvent.
func NewMachineFailedEvent(id shared.MachineID, from Status, reason string, version int) *MachineFailedEvent {
	return &MachineFailedEvent{
		BaseEvent: shared.NewBaseEvent(EventMachineFailed, id.String(), version),
		From:      from,
		Reason:    reason,
	}
}

// EventData returns the event-specific data.
func (e *MachineFailedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"from":   string(e.From),
		"reason": e.Reason,
	}
}
