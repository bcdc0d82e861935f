package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/commands/bus"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
)

// CreateRequestHandler orchestrates provisioning: it creates the request
// aggregate, selects a provider strategy with failover, provisions machines,
// and settles the request as far as the provider's answers allow. Machines
// the provider reports as still booting leave the request IN_PROGRESS for the
// status poll to finish.
type CreateRequestHandler struct {
	deps  Deps
	locks *keyedMutex
}

// NewCreateRequestHandler builds the handler.
func NewCreateRequestHandler(deps Deps, locks *keyedMutex) *CreateRequestHandler {
	return &CreateRequestHandler{deps: deps, locks: locks}
}

// Handle implements bus.CommandHandler.
func (h *CreateRequestHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.CreateRequestCommand)
	if !ok {
		return nil, wrongCommand("create_request")
	}

	def, err := h.deps.Templates.Resolve(ctx, c.TemplateID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, errors.Validation(errors.CodeTemplateInvalid, "template is not active").
			WithField("template_id", c.TemplateID).
			Build()
	}
	if c.MachineCount > def.MaxNumber {
		return nil, errors.Validation(errors.CodeMachineCountInvalid, "machine count exceeds template capacity").
			WithField("machine_count", fmt.Sprintf("%d requested, template allows %d", c.MachineCount, def.MaxNumber)).
			Build()
	}

	requestID := shared.NewProvisionRequestID()
	if c.RequestID != "" {
		requestID, err = shared.ParseRequestID(c.RequestID)
		if err != nil {
			return nil, errors.Validation(errors.CodeInvalidFormat, "request_id must be a req- prefixed uuid").
				WithField("request_id", c.RequestID).
				Build()
		}
	}

	unlock := h.locks.Lock(requestID.String())
	defer unlock()

	// A re-dispatch under the same id returns the recorded request instead of
	// provisioning twice.
	if c.RequestID != "" {
		existing, err := h.deps.Stores.Requests.GetByID(ctx, requestID)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
		if existing != nil {
			return commands.CreateRequestResult{RequestID: existing.RequestID().String()}, nil
		}
	}

	templateID, err := shared.ParseTemplateID(c.TemplateID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "template id has an invalid format").
			WithField("template_id", c.TemplateID).
			Build()
	}

	req, err := request.NewProvisionRequestWithID(requestID, templateID, c.MachineCount, shared.Tags(c.Tags), c.Priority)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Requests.Save(ctx, req); err != nil {
		return nil, err
	}
	h.publish(ctx, req)

	start := h.deps.Clock()
	machines, served, provErr := h.provision(ctx, req, def)
	elapsed := h.deps.Clock().Sub(start)

	// The strategy that actually served the call is recorded, not the first
	// one tried, so later polls target the provider that owns the instances.
	if served != "" && req.Status() == request.StatusPending {
		if err := req.Start(served); err != nil {
			return nil, err
		}
	}

	if provErr != nil {
		return nil, h.settleFailure(ctx, req, provErr, served != "", elapsed)
	}
	if len(machines) == 0 {
		noCapacity := errors.ProviderTransient(errors.CodeCapacityUnavailable, "provider returned no machines").
			WithOperation("provision_machines").
			WithRequestID(req.RequestID().String()).
			Build()
		return nil, h.settleFailure(ctx, req, noCapacity, served != "", elapsed)
	}

	ids := make([]shared.MachineID, 0, len(machines))
	for _, m := range machines {
		ids = append(ids, m.MachineID())
	}
	if err := req.BindMachines(ids...); err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Machines.SaveAll(ctx, machines); err != nil {
		return nil, err
	}
	for _, m := range machines {
		h.publishMachine(ctx, m)
		h.deps.Metrics.ObserveMachine(def.TemplateID, "provisioned")
	}

	if err := settleProvision(req, machines); err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Requests.Save(ctx, req); err != nil {
		return nil, err
	}
	h.publish(ctx, req)

	h.deps.Metrics.ObserveRequest(string(shared.RequestTypeProvision), outcomeOf(req.Status()), elapsed)
	h.deps.Logger.Info("provision request settled",
		zap.String("request_id", req.RequestID().String()),
		zap.String("template_id", def.TemplateID),
		zap.Int("requested", c.MachineCount),
		zap.Int("provisioned", len(machines)),
		zap.String("status", string(req.Status())),
		zap.Duration("elapsed", elapsed))

	return commands.CreateRequestResult{RequestID: req.RequestID().String()}, nil
}

// provision runs the provider call through the selection context and reports
// which strategy served it, for the failover case where that differs from the
// first candidate.
func (h *CreateRequestHandler) provision(ctx context.Context, req *request.Request, def template.Definition) ([]*machine.Machine, string, error) {
	criteria := provider.Criteria{RequireHealthy: true}
	if def.ProviderName != "" {
		criteria.PreferStrategies = []string{def.ProviderName}
	}

	provReq := provider.ProvisionRequest{
		RequestID:    req.RequestID(),
		Template:     def,
		MachineCount: req.MachineCount(),
		Tags:         req.Tags(),
	}

	var served string
	machines, err := provider.ExecuteWith(ctx, h.deps.Providers, "provision_machines", criteria,
		func(ctx context.Context, s provider.Strategy) ([]*machine.Machine, error) {
			served = s.Name()
			return s.ProvisionMachines(ctx, provReq)
		})
	return machines, served, err
}

// settleFailure records the provisioning failure on the request and hands the
// original error back to the dispatcher. A cancellation that may have left
// instances behind records intent for the status poll to reconcile; anything
// else settles FAILED.
func (h *CreateRequestHandler) settleFailure(ctx context.Context, req *request.Request, provErr error, attempted bool, elapsed time.Duration) error {
	var transitionErr error
	if errors.IsCancelled(provErr) {
		transitionErr = req.Cancel("provisioning cancelled", attempted)
	} else {
		transitionErr = req.Fail(request.ErrorSummary{
			Code:    errors.GetCode(provErr).String(),
			Message: provErr.Error(),
		})
	}
	if transitionErr != nil {
		h.deps.Logger.Warn("could not settle failed provision request",
			zap.String("request_id", req.RequestID().String()),
			zap.Error(transitionErr))
	}
	if err := h.deps.Stores.Requests.Save(ctx, req); err != nil {
		h.deps.Logger.Error("could not persist failed provision request",
			zap.String("request_id", req.RequestID().String()),
			zap.Error(err))
	}
	h.publish(ctx, req)
	h.deps.Metrics.ObserveRequest(string(shared.RequestTypeProvision), outcomeOf(req.Status()), elapsed)
	return provErr
}

func (h *CreateRequestHandler) publish(ctx context.Context, req *request.Request) {
	if err := shared.PublishAll(ctx, h.deps.Events, req); err != nil {
		h.deps.Logger.Warn("request events not published",
			zap.String("request_id", req.RequestID().String()),
			zap.Error(err))
	}
}

func (h *CreateRequestHandler) publishMachine(ctx context.Context, m *machine.Machine) {
	if err := shared.PublishAll(ctx, h.deps.Events, m); err != nil {
		h.deps.Logger.Warn("machine events not published",
			zap.String("machine_id", m.MachineID().String()),
			zap.Error(err))
	}
}

// outcomeOf maps a request status onto a metrics outcome label.
func outcomeOf(status request.Status) string {
	switch status {
	case request.StatusCompleted:
		return "completed"
	case request.StatusFailed:
		return "failed"
	case request.StatusCancelled:
		return "cancelled"
	default:
		return "in_progress"
	}
}
