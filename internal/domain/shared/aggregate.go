package shared

// AggregateRoot is the consistency boundary of the domain model. Aggregates
// mutate only through their own methods, record one domain event per state
// change, and hand those events to the publisher after persistence succeeds.
type AggregateRoot interface {
	// ID is the aggregate identifier, unique within its entity kind.
	ID() string

	// Version counts persisted saves, for optimistic concurrency.
	Version() int

	// IncrementVersion advances the version after a successful save.
	IncrementVersion()

	// ValidateInvariants checks the structural rules of the aggregate.
	ValidateInvariants() error

	EventCarrier
}

// EventCarrier is the slice of an aggregate the event publisher needs: the
// events recorded since the last save, cleared once delivered.
type EventCarrier interface {
	UncommittedEvents() []DomainEvent
	MarkEventsCommitted()
}

// AggregateBase carries the identity, version and recorded events every
// aggregate shares. Embed it and expose domain methods on top.
type AggregateBase struct {
	id      string
	version int
	events  []DomainEvent
}

// NewAggregateBase starts a fresh aggregate at version zero.
func NewAggregateBase(id string) AggregateBase {
	return AggregateBase{id: id}
}

// RestoreAggregateBase rebuilds the base from a persisted snapshot. Restored
// aggregates carry no uncommitted events.
func RestoreAggregateBase(id string, version int) AggregateBase {
	return AggregateBase{id: id, version: version}
}

// ID returns the aggregate identifier.
func (a *AggregateBase) ID() string {
	return a.id
}

// Version returns the persisted-save count.
func (a *AggregateBase) Version() int {
	return a.version
}

// IncrementVersion advances the version.
func (a *AggregateBase) IncrementVersion() {
	a.version++
}

// AddEvent records a domain event for publication after the next save.
func (a *AggregateBase) AddEvent(event DomainEvent) {
	a.events = append(a.events, event)
}

// UncommittedEvents returns the events recorded since the last save, in the
// order the transitions happened.
func (a *AggregateBase) UncommittedEvents() []DomainEvent {
	return a.events
}

// MarkEventsCommitted clears the recorded events once published.
func (a *AggregateBase) MarkEventsCommitted() {
	a.events = nil
}
