package shared

import "context"

// EventBus publishes domain events without coupling the domain layer to any
// particular transport. The in-process implementation lives in
// internal/events; an EventBridge forwarder can subscribe for fan-out.
type EventBus interface {
	// Publish delivers a domain event to all registered subscribers.
	Publish(ctx context.Context, event DomainEvent) error
}

// PublishAll publishes every uncommitted event of an aggregate and marks them
// committed. Publication happens after persistence so subscribers never see
// state that was rolled back.
func PublishAll(ctx context.Context, bus EventBus, aggregate EventCarrier) error {
	if bus == nil {
		aggregate.MarkEventsCommitted()
		return nil
	}
	for _, event := range aggregate.UncommittedEvents() {
		if err := bus.Publish(ctx, event); err != nil {
			return err
		}
	}
	aggregate.MarkEventsCommitted()
	return nil
}

// RecordingEventBus stores published events in memory. Used in tests and as
// the default bus when event distribution is disabled.
type RecordingEventBus struct {
	events []DomainEvent
}

// NewRecordingEventBus creates a new recording event bus.
func NewRecordingEventBus() *RecordingEventBus {
	return &RecordingEventBus{
		events: make([]DomainEvent, 0),
	}
}

// Publish stores the event in memory.
func (b *RecordingEventBus) Publish(_ context.Context, event DomainEvent) error {
	b.events = append(b.events, event)
	return nil
}

// Events returns all published events.
func (b *RecordingEventBus) Events() []DomainEvent {
	return b.events
}

// EventsOfType returns published events matching the given type.
func (b *RecordingEventBus) EventsOfType(eventType string) []DomainEvent {
	var out []DomainEvent
	for _, e := range b.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes all stored events.
func (b *RecordingEventBus) Clear() {
	b.events = make([]DomainEvent, 0)
}
