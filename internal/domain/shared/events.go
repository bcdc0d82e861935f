package shared

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is one observed fact about an aggregate: a request was created,
// a machine changed state. Events for a single aggregate are emitted in
// transition order; the dispatcher delivers them in that order.
type DomainEvent interface {
	// EventID uniquely identifies this event instance.
	EventID() string

	// EventType names the event, e.g. "RequestCreated".
	EventType() string

	// AggregateID identifies the aggregate the event happened to.
	AggregateID() string

	// OccurredAt is the emission time.
	OccurredAt() time.Time

	// Version is the aggregate version at emission.
	Version() int

	// EventData carries the event-specific payload.
	EventData() map[string]interface{}
}

// BaseEvent holds the fields every domain event shares. Concrete events embed
// it and add their payload plus an EventData implementation.
type BaseEvent struct {
	eventID     string
	eventType   string
	aggregateID string
	occurredAt  time.Time
	version     int
}

// NewBaseEvent stamps a new event with a fresh id and the current time.
func NewBaseEvent(eventType, aggregateID string, version int) BaseEvent {
	return BaseEvent{
		eventID:     uuid.NewString(),
		eventType:   eventType,
		aggregateID: aggregateID,
		occurredAt:  time.Now(),
		version:     version,
	}
}

// EventID returns the unique event identifier.
func (e BaseEvent) EventID() string {
	return e.eventID
}

// EventType returns the event name.
func (e BaseEvent) EventType() string {
	return e.eventType
}

// AggregateID returns the owning aggregate's identifier.
func (e BaseEvent) AggregateID() string {
	return e.aggregateID
}

// OccurredAt returns the emission time.
func (e BaseEvent) OccurredAt() time.Time {
	return e.occurredAt
}

// Version returns the aggregate version at emission.
func (e BaseEvent) Version() int {
	return e.version
}
