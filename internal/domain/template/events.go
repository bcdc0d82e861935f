package template

import (
	"hostbroker/internal/domain/shared"
)

// Event type names for the template aggregate.
const (
	EventTemplateCreated = "TemplateCreated"
	EventTemplateUpdated = "TemplateUpdated"
	EventTemplateDeleted = "TemplateDeleted"
)

// TemplateCreatedEvent is fired when a new template is registered through a
// command (file-loaded templates do not emit events).
type TemplateCreatedEvent struct {
	shared.BaseEvent
	ProviderAPI string `json:"provider_api"`
}

// NewTemplateCreatedEvent creates a new TemplateCreatedEvent.
func NewTemplateCreatedEvent(id shared.TemplateID, providerAPI string, version int) *TemplateCreatedEvent {
	return &TemplateCreatedEvent{
		BaseEvent:   shared.NewBaseEvent(EventTemplateCreated, id.String(), version),
		ProviderAPI: providerAPI,
	}
}

// EventData returns the event-specific data.
func (e *TemplateCreatedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"provider_api": e.ProviderAPI,
	}
}

// TemplateUpdatedEvent is fired when template configuration changes.
type TemplateUpdatedEvent struct {
	shared.BaseEvent
	ProviderAPI string `json:"provider_api"`
}

// NewTemplateUpdatedEvent creates a new TemplateUpdatedEvent.
func NewTemplateUpdatedEvent(id shared.TemplateID, providerAPI string, version int) *TemplateUpdatedEvent {
	return &TemplateUpdatedEvent{
		BaseEvent:   shared.NewBaseEvent(EventTemplateUpdated, id.String(), version),
		ProviderAPI: providerAPI,
	}
}

// EventData returns the event-specific data.
func (e *TemplateUpdatedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"provider_api": e.ProviderAPI,
	}
}

// TemplateDeletedEvent is fired when a template is removed. Emitted by the
// delete handler because the aggregate no longer exists afterwards.
type TemplateDeletedEvent struct {
	shared.BaseEvent
}

// NewTemplateDeletedEvent creates a new TemplateDeletedEvent.
func NewTemplateDeletedEvent(id shared.TemplateID, version int) *TemplateDeletedEvent {
	return &TemplateDeletedEvent{
		BaseEvent: shared.NewBaseEvent(EventTemplateDeleted, id.String(), version),
	}
}

// EventData returns the event-specific data.
func (e *TemplateDeletedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{}
}
