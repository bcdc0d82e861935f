// Package handlers implements the command side of the broker: provisioning
// orchestration, machine lifecycle, template administration, and provider
// strategy management. Handlers serialize on a per-request keyed mutex so two
// dispatches for the same request never interleave.
package handlers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/commands/bus"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/internal/repository"
	"hostbroker/internal/templates"
	"hostbroker/pkg/observability"
)

// TemplateService is the slice of the template manager the handlers use.
type TemplateService interface {
	Resolve(ctx context.Context, templateID string) (template.Definition, error)
	List(ctx context.Context) ([]template.Definition, error)
	Invalidate(templateIDs ...string)
	Validate(def template.Definition) templates.Report
}

// StrategyFactory constructs a provider strategy for runtime registration.
type StrategyFactory func(ctx context.Context, name, providerType string, cfg map[string]string) (provider.Strategy, error)

// Deps bundles everything the command handlers need. Zero-value optional
// fields fall back to safe defaults in Register.
type Deps struct {
	Stores    *repository.Stores
	Providers *provider.Context
	Templates TemplateService
	Events    shared.EventBus
	Factory   StrategyFactory
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time

	// ProvisionTimeout fails a provision request that has not settled within
	// the window. Zero disables the guard.
	ProvisionTimeout time.Duration

	// MissedPollThreshold is the number of consecutive missing provider polls
	// before a machine is parked UNKNOWN.
	MissedPollThreshold int
}

func (d *Deps) normalize() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.MissedPollThreshold <= 0 {
		d.MissedPollThreshold = 3
	}
}

// Register wires every command handler onto the bus.
func Register(b *bus.CommandBus, deps Deps) error {
	deps.normalize()
	locks := newKeyedMutex()

	registrations := []struct {
		cmd     bus.Command
		handler bus.CommandHandler
	}{
		{commands.CreateRequestCommand{}, NewCreateRequestHandler(deps, locks)},
		{commands.UpdateRequestStatusCommand{}, NewUpdateRequestStatusHandler(deps, locks)},
		{commands.CompleteRequestCommand{}, NewCompleteRequestHandler(deps, locks)},
		{commands.ReturnMachinesCommand{}, NewReturnMachinesHandler(deps, locks)},
		{commands.UpdateMachineStatusCommand{}, NewUpdateMachineStatusHandler(deps, locks)},
		{commands.CleanupMachineResourcesCommand{}, NewCleanupMachineResourcesHandler(deps, locks)},
		{commands.ValidateTemplateCommand{}, NewValidateTemplateHandler(deps)},
		{commands.CreateTemplateCommand{}, NewCreateTemplateHandler(deps)},
		{commands.UpdateTemplateCommand{}, NewUpdateTemplateHandler(deps)},
		{commands.DeleteTemplateCommand{}, NewDeleteTemplateHandler(deps)},
		{commands.SelectProviderStrategyCommand{}, NewSelectProviderStrategyHandler(deps)},
		{commands.ExecuteProviderOperationCommand{}, NewExecuteProviderOperationHandler(deps)},
		{commands.RegisterProviderStrategyCommand{}, NewRegisterProviderStrategyHandler(deps)},
		{commands.UpdateProviderHealthCommand{}, NewUpdateProviderHealthHandler(deps)},
		{commands.ConfigureProviderStrategyCommand{}, NewConfigureProviderStrategyHandler(deps)},
	}
	for _, r := range registrations {
		if err := b.Register(r.cmd, r.handler); err != nil {
			return err
		}
	}
	return nil
}

// keyedMutex serializes work per request id. Entries are reference counted
// and removed once the last holder unlocks, so the map does not grow with
// request history.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// wrongCommand is the internal error for a handler invoked with a command
// type it was not registered for.
func wrongCommand(operation string) error {
	return errors.Internal(errors.CodeInternalError, "handler received unexpected command type").
		WithOperation(operation).
		Build()
}
