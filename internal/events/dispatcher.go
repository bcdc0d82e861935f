// Package events carries domain events from the aggregates to in-process
// subscribers. Delivery is synchronous and best effort: a failing subscriber
// is logged and never fails the operation that produced the event.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"hostbroker/internal/domain/shared"
)

// Handler consumes one domain event.
type Handler func(ctx context.Context, event shared.DomainEvent) error

// Dispatcher is the in-process shared.EventBus. Subscribers register for a
// specific event type or for every event; publication holds a single mutex so
// events of one aggregate arrive in emission order.
type Dispatcher struct {
	logger *zap.Logger

	mu     sync.RWMutex
	byType map[string][]Handler
	all    []Handler

	publishMu sync.Mutex
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger: logger,
		byType: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType[eventType] = append(d.byType[eventType], handler)
}

// SubscribeAll registers a handler for every event. Forwarders that replicate
// the whole stream (EventBridge, audit sinks) attach here.
func (d *Dispatcher) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, handler)
}

// Publish delivers the event to type subscribers first, then to the wildcard
// subscribers. Handler failures are logged and swallowed so event distribution
// never rolls back a persisted state change.
func (d *Dispatcher) Publish(ctx context.Context, event shared.DomainEvent) error {
	if event == nil {
		return nil
	}

	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.byType[event.EventType()])+len(d.all))
	handlers = append(handlers, d.byType[event.EventType()]...)
	handlers = append(handlers, d.all...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	for _, handler := range handlers {
		d.deliver(ctx, event, handler)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, event shared.DomainEvent, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event subscriber panicked",
				zap.String("event_type", event.EventType()),
				zap.String("aggregate_id", event.AggregateID()),
				zap.Any("panic", r))
		}
	}()

	if err := handler(ctx, event); err != nil {
		d.logger.Warn("event subscriber failed",
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID()),
			zap.String("aggregate_id", event.AggregateID()),
			zap.Error(err))
	}
}
