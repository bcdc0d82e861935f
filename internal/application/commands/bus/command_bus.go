// Package bus dispatches commands to their handlers by static type.
//
// Registration stores a handler constructor rather than a handler instance,
// so wiring order is free: a handler that depends on another component may be
// registered before that component exists, as long as every registration
// completes before the first dispatch. The constructor is invoked once, on
// first use, and the built handler is memoized.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"hostbroker/internal/errors"
)

// Command is a state-changing request. CommandName is the stable name used
// in logs and metrics; Validate performs the command's own structural checks.
type Command interface {
	CommandName() string
	Validate() error
}

// CommandHandler handles a specific command type.
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) (interface{}, error)
}

// CommandHandlerFunc is an adapter to allow functions to be used as handlers.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (interface{}, error)

// Handle implements CommandHandler.
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (interface{}, error) {
	return f(ctx, cmd)
}

// HandlerFactory builds a handler on first dispatch.
type HandlerFactory func() CommandHandler

type registration struct {
	factory HandlerFactory

	once    sync.Once
	handler CommandHandler
}

func (r *registration) resolve() CommandHandler {
	r.once.Do(func() { r.handler = r.factory() })
	return r.handler
}

// CommandBus dispatches commands to their handlers.
type CommandBus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]*registration
}

// NewCommandBus creates an empty command bus.
func NewCommandBus() *CommandBus {
	return &CommandBus{
		handlers: make(map[reflect.Type]*registration),
	}
}

// Register binds an already-constructed handler to a command type.
func (b *CommandBus) Register(cmdType Command, handler CommandHandler) error {
	return b.RegisterFactory(cmdType, func() CommandHandler { return handler })
}

// RegisterFactory binds a handler constructor to a command type. Exactly one
// handler per type; a second registration for the same type is an error.
func (b *CommandBus) RegisterFactory(cmdType Command, factory HandlerFactory) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeOf(cmdType)
	if _, exists := b.handlers[t]; exists {
		return fmt.Errorf("handler already registered for command type %s", t.Name())
	}

	b.handlers[t] = &registration{factory: factory}
	return nil
}

// Dispatch validates the command and executes its handler synchronously.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (interface{}, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	reg, exists := b.handlers[reflect.TypeOf(cmd)]
	b.mu.RUnlock()

	if !exists {
		return nil, errors.NotFound(errors.CodeHandlerNotFound,
			fmt.Sprintf("no handler registered for command %s", cmd.CommandName())).
			WithOperation("command_bus.dispatch").
			Build()
	}

	return reg.resolve().Handle(ctx, cmd)
}
