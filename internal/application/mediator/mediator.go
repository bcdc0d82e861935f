// Package mediator provides the single entry point for all commands and
// queries, decoupling the scheduler-facing adapters from the application
// layer. Cross-cutting concerns (validation, logging, metrics, tracing) run
// as pipeline behaviors around every dispatch.
package mediator

import (
	"context"
	"time"

	commandbus "hostbroker/internal/application/commands/bus"
	querybus "hostbroker/internal/application/queries/bus"

	"go.uber.org/zap"
)

// IMediator defines the interface for the mediator pattern.
type IMediator interface {
	// Send dispatches a command and returns the handler's result.
	Send(ctx context.Context, command commandbus.Command) (interface{}, error)

	// Query dispatches a query and returns the result. Queries only read
	// data, never modify state.
	Query(ctx context.Context, query querybus.Query) (interface{}, error)
}

// Mediator implements the mediator pattern for CQRS.
type Mediator struct {
	commandBus *commandbus.CommandBus
	queryBus   *querybus.QueryBus
	logger     *zap.Logger
	behaviors  []Behavior
}

// NewMediator creates a new mediator instance.
func NewMediator(
	commandBus *commandbus.CommandBus,
	queryBus *querybus.QueryBus,
	logger *zap.Logger,
) *Mediator {
	return &Mediator{
		commandBus: commandBus,
		queryBus:   queryBus,
		logger:     logger,
		behaviors:  []Behavior{},
	}
}

// Send dispatches a command through the behavior pipeline.
func (m *Mediator) Send(ctx context.Context, command commandbus.Command) (interface{}, error) {
	startTime := time.Now()

	for _, behavior := range m.behaviors {
		next, err := behavior.PreProcess(ctx, command)
		if err != nil {
			m.logger.Warn("Command rejected by pipeline behavior",
				zap.String("command", command.CommandName()),
				zap.Error(err))
			m.postProcess(ctx, command, nil, err, time.Since(startTime))
			return nil, err
		}
		ctx = next
	}

	result, err := m.commandBus.Dispatch(ctx, command)
	elapsed := time.Since(startTime)

	m.postProcess(ctx, command, result, err, elapsed)

	if err != nil {
		m.logger.Error("Command execution failed",
			zap.String("command", command.CommandName()),
			zap.Error(err),
			zap.Duration("duration", elapsed))
		return nil, err
	}

	m.logger.Debug("Command executed successfully",
		zap.String("command", command.CommandName()),
		zap.Duration("duration", elapsed))

	return result, nil
}

// Query dispatches a query through the behavior pipeline.
func (m *Mediator) Query(ctx context.Context, query querybus.Query) (interface{}, error) {
	startTime := time.Now()

	for _, behavior := range m.behaviors {
		next, err := behavior.PreProcessQuery(ctx, query)
		if err != nil {
			m.logger.Warn("Query rejected by pipeline behavior",
				zap.String("query", query.QueryName()),
				zap.Error(err))
			m.postProcessQuery(ctx, query, nil, err, time.Since(startTime))
			return nil, err
		}
		ctx = next
	}

	result, err := m.queryBus.Ask(ctx, query)
	elapsed := time.Since(startTime)

	m.postProcessQuery(ctx, query, result, err, elapsed)

	if err != nil {
		m.logger.Error("Query execution failed",
			zap.String("query", query.QueryName()),
			zap.Error(err),
			zap.Duration("duration", elapsed))
		return nil, err
	}

	m.logger.Debug("Query executed successfully",
		zap.String("query", query.QueryName()),
		zap.Duration("duration", elapsed))

	return result, nil
}

// postProcess runs post behaviors in reverse registration order so the first
// registered behavior observes the final outcome last.
func (m *Mediator) postProcess(ctx context.Context, command commandbus.Command, result interface{}, err error, elapsed time.Duration) {
	for i := len(m.behaviors) - 1; i >= 0; i-- {
		m.behaviors[i].PostProcess(ctx, command, result, err, elapsed)
	}
}

func (m *Mediator) postProcessQuery(ctx context.Context, query querybus.Query, result interface{}, err error, elapsed time.Duration) {
	for i := len(m.behaviors) - 1; i >= 0; i-- {
		m.behaviors[i].PostProcessQuery(ctx, query, result, err, elapsed)
	}
}

// AddBehavior appends a behavior to the pipeline. Behaviors run in
// registration order on the way in and reverse order on the way out.
func (m *Mediator) AddBehavior(behavior Behavior) {
	m.behaviors = append(m.behaviors, behavior)
}
