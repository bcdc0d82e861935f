// Package bus dispatches read-only queries to their handlers by static type.
// It mirrors the command bus: one handler per query type, constructors are
// resolved lazily and memoized on first dispatch.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"hostbroker/internal/errors"
)

// Query is a read-only request. Queries never modify state.
type Query interface {
	QueryName() string
	Validate() error
}

// QueryHandler handles a specific query type.
type QueryHandler interface {
	Handle(ctx context.Context, query Query) (interface{}, error)
}

// QueryHandlerFunc is an adapter to allow functions to be used as handlers.
type QueryHandlerFunc func(ctx context.Context, query Query) (interface{}, error)

// Handle implements QueryHandler.
func (f QueryHandlerFunc) Handle(ctx context.Context, query Query) (interface{}, error) {
	return f(ctx, query)
}

// HandlerFactory builds a handler on first dispatch.
type HandlerFactory func() QueryHandler

type registration struct {
	factory HandlerFactory

	once    sync.Once
	handler QueryHandler
}

func (r *registration) resolve() QueryHandler {
	r.once.Do(func() { r.handler = r.factory() })
	return r.handler
}

// QueryBus dispatches queries to their handlers.
type QueryBus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]*registration
}

// NewQueryBus creates an empty query bus.
func NewQueryBus() *QueryBus {
	return &QueryBus{
		handlers: make(map[reflect.Type]*registration),
	}
}

// Register binds an already-constructed handler to a query type.
func (b *QueryBus) Register(queryType Query, handler QueryHandler) error {
	return b.RegisterFactory(queryType, func() QueryHandler { return handler })
}

// RegisterFactory binds a handler constructor to a query type.
func (b *QueryBus) RegisterFactory(queryType Query, factory HandlerFactory) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(queryType)
	if _, exists := b.handlers[t]; exists {
		return fmt.Errorf("handler already registered for query type %s", t.Name())
	}

	b.handlers[t] = &registration{factory: factory}
	return nil
}

// Ask validates the query and executes its handler, returning the result.
func (b *QueryBus) Ask(ctx context.Context, query Query) (interface{}, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	reg, exists := b.handlers[reflect.TypeOf(query)]
	b.mu.RUnlock()

	if !exists {
		return nil, errors.NotFound(errors.CodeHandlerNotFound,
			fmt.Sprintf("no handler registered for query %s", query.QueryName())).
			WithOperation("query_bus.ask").
			Build()
	}

	return reg.resolve().Handle(ctx, query)
}
