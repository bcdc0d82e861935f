package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/commands/bus"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
)

// applyInstanceStatus routes one provider observation through the machine's
// legal transitions. A stale report that has no edge from the current state
// is dropped rather than forced. Returns true when the machine changed state.
func applyInstanceStatus(m *machine.Machine, st provider.InstanceStatus, threshold int) (bool, error) {
	if m.IsTerminal() {
		return false, nil
	}
	switch st.State {
	case provider.InstanceStatePending:
		if m.Status() != machine.StatusPending {
			return false, nil
		}
		return false, m.ReportPending()
	case provider.InstanceStateRunning:
		if m.Status() == machine.StatusStopping {
			// A return is in flight; wait for the terminated report.
			return false, nil
		}
		before := m.Status()
		if err := m.ReportRunning(st.PrivateIP, st.PublicIP); err != nil {
			return false, err
		}
		return before != machine.StatusRunning, nil
	case provider.InstanceStateStopping:
		if m.Status() != machine.StatusRunning {
			return false, nil
		}
		return true, m.ReportStopping()
	case provider.InstanceStateTerminated:
		switch m.Status() {
		case machine.StatusPending:
			reason := st.Message
			if reason == "" {
				reason = "instance terminated before reaching RUNNING"
			}
			return true, m.ReportFailed(reason)
		case machine.StatusRunning:
			// Terminated without a return request in flight.
			if err := m.ReportStopping(); err != nil {
				return false, err
			}
			return true, m.ReportTerminated()
		default:
			return true, m.ReportTerminated()
		}
	case provider.InstanceStateFailed:
		reason := st.Message
		if reason == "" {
			reason = "provider reported failure"
		}
		return true, m.ReportFailed(reason)
	case provider.InstanceStateNotFound:
		return m.RecordMissedPoll(threshold)
	default:
		return false, errors.Validation(errors.CodeInvalidInput, "unrecognized instance state").
			WithField("state", string(st.State)).
			Build()
	}
}

// settleProvision moves an IN_PROGRESS provision request to a terminal state
// once every bound machine has settled. Machines still moving keep the
// request open. A machine terminated by an explicit return was provisioned
// successfully and does not count against the request.
func settleProvision(req *request.Request, machines []*machine.Machine) error {
	if req.Status() != request.StatusInProgress {
		return nil
	}
	running, fulfilled, moving := 0, 0, 0
	perMachine := make(map[string]string)
	for _, m := range machines {
		switch m.Status() {
		case machine.StatusRunning:
			running++
			fulfilled++
		case machine.StatusFailed:
			reason := m.Message()
			if reason == "" {
				reason = "machine failed"
			}
			perMachine[m.MachineID().String()] = reason
		case machine.StatusTerminated:
			if m.ReturnRequested() {
				fulfilled++
				continue
			}
			perMachine[m.MachineID().String()] = "machine terminated before the request completed"
		default:
			moving++
		}
	}
	if moving > 0 {
		return nil
	}
	if fulfilled == req.MachineCount() && len(machines) == req.MachineCount() {
		return req.Complete()
	}
	return req.Fail(request.ErrorSummary{
		Code:       errors.CodeCapacityUnavailable.String(),
		Message:    fmt.Sprintf("%d of %d machines running", running, req.MachineCount()),
		PerMachine: perMachine,
	})
}

// settleReturn completes an IN_PROGRESS return request once every target
// machine is terminal. Targets whose records no longer exist count as
// settled; machines sits only on the loaded ones.
func settleReturn(req *request.Request, machines []*machine.Machine) error {
	if req.Status() != request.StatusInProgress {
		return nil
	}
	for _, m := range machines {
		if !m.IsTerminal() {
			return nil
		}
	}
	return req.Complete()
}

// fetchRequest loads one request, mapping a missing record to NotFound.
func fetchRequest(ctx context.Context, deps Deps, requestID shared.RequestID, operation string) (*request.Request, error) {
	req, err := deps.Stores.Requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.NotFound(errors.CodeRequestNotFound, "request not found").
			WithOperation(operation).
			WithField("request_id", requestID.String()).
			Build()
	}
	return req, nil
}

// fetchMachine loads one machine, mapping a missing record to NotFound.
func fetchMachine(ctx context.Context, deps Deps, machineID shared.MachineID, operation string) (*machine.Machine, error) {
	m, err := deps.Stores.Machines.GetByID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.NotFound(errors.CodeMachineNotFound, "machine not found").
			WithOperation(operation).
			WithField("machine_id", machineID.String()).
			Build()
	}
	return m, nil
}

// loadRequestMachines fetches the machine aggregates bound to a request.
// Records that were already cleaned up are skipped.
func loadRequestMachines(ctx context.Context, deps Deps, req *request.Request) ([]*machine.Machine, error) {
	ids := req.MachineIDs()
	machines := make([]*machine.Machine, 0, len(ids))
	for _, id := range ids {
		m, err := deps.Stores.Machines.GetByID(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if m == nil {
			continue
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// pollableInstanceIDs returns the provider instance ids worth polling:
// non-terminal machines that have an instance attached.
func pollableInstanceIDs(machines []*machine.Machine) []string {
	ids := make([]string, 0, len(machines))
	for _, m := range machines {
		if m.IsTerminal() || m.ProviderInstanceID() == "" {
			continue
		}
		ids = append(ids, m.ProviderInstanceID())
	}
	return ids
}

// routeTerminated applies a termination the broker itself requested (return,
// cancellation, or straggler cleanup) to one machine.
func routeTerminated(m *machine.Machine) error {
	switch m.Status() {
	case machine.StatusPending:
		return m.ReportFailed("instance terminated before reaching RUNNING")
	case machine.StatusRunning:
		if err := m.RequestReturn(); err != nil {
			return err
		}
		return m.ReportTerminated()
	case machine.StatusStopping, machine.StatusUnknown:
		return m.ReportTerminated()
	default:
		return nil
	}
}

// saveAndPublishMachines persists the whole batch and flushes each machine's
// recorded events.
func saveAndPublishMachines(ctx context.Context, deps Deps, machines []*machine.Machine) error {
	if len(machines) == 0 {
		return nil
	}
	if err := deps.Stores.Machines.SaveAll(ctx, machines); err != nil {
		return err
	}
	for _, m := range machines {
		if err := shared.PublishAll(ctx, deps.Events, m); err != nil {
			deps.Logger.Warn("machine events not published",
				zap.String("machine_id", m.MachineID().String()),
				zap.Error(err))
		}
	}
	return nil
}

// saveAndPublishRequest persists the request and flushes its events.
func saveAndPublishRequest(ctx context.Context, deps Deps, req *request.Request) error {
	if err := deps.Stores.Requests.Save(ctx, req); err != nil {
		return err
	}
	if err := shared.PublishAll(ctx, deps.Events, req); err != nil {
		deps.Logger.Warn("request events not published",
			zap.String("request_id", req.RequestID().String()),
			zap.Error(err))
	}
	return nil
}

// machineOutcome is the metrics label for a machine state.
func machineOutcome(s machine.Status) string {
	return strings.ToLower(string(s))
}

// UpdateRequestStatusHandler polls the provider for the machines of one
// request, applies the observations, finishes a pending cancellation, and
// settles the request when every machine has. Terminal requests return their
// recorded outcome without touching the provider.
type UpdateRequestStatusHandler struct {
	deps  Deps
	locks *keyedMutex
}

// NewUpdateRequestStatusHandler builds the handler.
func NewUpdateRequestStatusHandler(deps Deps, locks *keyedMutex) *UpdateRequestStatusHandler {
	return &UpdateRequestStatusHandler{deps: deps, locks: locks}
}

// Handle implements bus.CommandHandler.
func (h *UpdateRequestStatusHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.UpdateRequestStatusCommand)
	if !ok {
		return nil, wrongCommand("update_request_status")
	}

	requestID, err := shared.ParseRequestID(c.RequestID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "request id has an invalid format").
			WithField("request_id", c.RequestID).
			Build()
	}

	unlock := h.locks.Lock(requestID.String())
	defer unlock()

	req, err := fetchRequest(ctx, h.deps, requestID, "update_request_status")
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return commands.UpdateRequestStatusResult{
			RequestID: req.RequestID().String(),
			Status:    req.Status(),
		}, nil
	}

	machines, err := loadRequestMachines(ctx, h.deps, req)
	if err != nil {
		return nil, err
	}

	polled := 0
	if ids := pollableInstanceIDs(machines); len(ids) > 0 {
		statuses, err := h.poll(ctx, req, ids)
		if err != nil {
			return nil, err
		}
		polled = len(ids)
		h.applyStatuses(machines, statuses)
	}

	if req.CancellationRequested() {
		h.reconcileCancellation(ctx, req, machines)
	}

	if !req.IsTerminal() {
		var settleErr error
		switch req.Type() {
		case shared.RequestTypeReturn:
			settleErr = settleReturn(req, machines)
		default:
			settleErr = settleProvision(req, machines)
		}
		if settleErr != nil {
			return nil, settleErr
		}
	}

	if !req.IsTerminal() && req.Type() == shared.RequestTypeProvision && h.deps.ProvisionTimeout > 0 {
		if h.deps.Clock().Sub(req.CreatedAt()) > h.deps.ProvisionTimeout {
			if err := h.expire(req, machines); err != nil {
				return nil, err
			}
		}
	}

	if err := saveAndPublishMachines(ctx, h.deps, machines); err != nil {
		return nil, err
	}
	if err := saveAndPublishRequest(ctx, h.deps, req); err != nil {
		return nil, err
	}

	return commands.UpdateRequestStatusResult{
		RequestID: req.RequestID().String(),
		Status:    req.Status(),
		Polled:    polled,
	}, nil
}

func (h *UpdateRequestStatusHandler) poll(ctx context.Context, req *request.Request, ids []string) (map[string]provider.InstanceStatus, error) {
	criteria := provider.Criteria{}
	if req.ProviderName() != "" {
		criteria.PreferStrategies = []string{req.ProviderName()}
	}
	return provider.ExecuteWith(ctx, h.deps.Providers, "get_machine_status", criteria,
		func(ctx context.Context, s provider.Strategy) (map[string]provider.InstanceStatus, error) {
			return s.GetMachineStatus(ctx, ids)
		})
}

func (h *UpdateRequestStatusHandler) applyStatuses(machines []*machine.Machine, statuses map[string]provider.InstanceStatus) {
	for _, m := range machines {
		if m.IsTerminal() || m.ProviderInstanceID() == "" {
			continue
		}
		st, ok := statuses[m.ProviderInstanceID()]
		if !ok {
			st = provider.InstanceStatus{
				ProviderInstanceID: m.ProviderInstanceID(),
				State:              provider.InstanceStateNotFound,
			}
		}
		transitioned, err := applyInstanceStatus(m, st, h.deps.MissedPollThreshold)
		if err != nil {
			h.deps.Logger.Warn("machine status not applied",
				zap.String("machine_id", m.MachineID().String()),
				zap.String("provider_state", string(st.State)),
				zap.Error(err))
			continue
		}
		if transitioned {
			h.deps.Metrics.ObserveMachine(m.TemplateID().String(), machineOutcome(m.Status()))
		}
	}
}

// reconcileCancellation terminates whatever the interrupted provisioning left
// behind and closes the request once nothing is moving anymore.
func (h *UpdateRequestStatusHandler) reconcileCancellation(ctx context.Context, req *request.Request, machines []*machine.Machine) {
	outstanding := pollableInstanceIDs(machines)
	if len(outstanding) > 0 {
		confirmed, err := terminateInstances(ctx, h.deps, req.ProviderName(), outstanding)
		if err != nil {
			h.deps.Logger.Warn("cancellation termination failed, retrying on next poll",
				zap.String("request_id", req.RequestID().String()),
				zap.Error(err))
			return
		}
		if !confirmed {
			return
		}
		for _, m := range machines {
			if m.IsTerminal() {
				continue
			}
			if err := routeTerminated(m); err != nil {
				h.deps.Logger.Warn("machine not settled after cancellation",
					zap.String("machine_id", m.MachineID().String()),
					zap.Error(err))
			}
		}
	}
	for _, m := range machines {
		if !m.IsTerminal() {
			return
		}
	}
	if err := req.Cancel("cancellation completed", false); err != nil {
		h.deps.Logger.Warn("request not cancelled",
			zap.String("request_id", req.RequestID().String()),
			zap.Error(err))
	}
}

// expire fails a provision request that outlived the provisioning deadline.
// Machines keep their states; cleanup decides what happens to stragglers.
func (h *UpdateRequestStatusHandler) expire(req *request.Request, machines []*machine.Machine) error {
	perMachine := make(map[string]string)
	for _, m := range machines {
		if m.Status() == machine.StatusRunning || m.IsTerminal() {
			continue
		}
		perMachine[m.MachineID().String()] = fmt.Sprintf("still %s at deadline", m.Status())
	}
	return req.Fail(request.ErrorSummary{
		Code:       errors.CodeOperationTimeout.String(),
		Message:    fmt.Sprintf("provisioning did not settle within %s", h.deps.ProvisionTimeout),
		PerMachine: perMachine,
	})
}

// terminateInstances runs one terminate call through the selection context,
// preferring the strategy that provisioned the instances.
func terminateInstances(ctx context.Context, deps Deps, providerName string, instanceIDs []string) (bool, error) {
	criteria := provider.Criteria{RequireHealthy: true}
	if providerName != "" {
		criteria.PreferStrategies = []string{providerName}
	}
	return provider.ExecuteWith(ctx, deps.Providers, "terminate_machines", criteria,
		func(ctx context.Context, s provider.Strategy) (bool, error) {
			return s.TerminateMachines(ctx, instanceIDs)
		})
}

// CompleteRequestHandler settles a request from the stored machine states
// without polling the provider. Terminal requests return their recorded
// outcome.
type CompleteRequestHandler struct {
	deps  Deps
	locks *keyedMutex
}

// NewCompleteRequestHandler builds the handler.
func NewCompleteRequestHandler(deps Deps, locks *keyedMutex) *CompleteRequestHandler {
	return &CompleteRequestHandler{deps: deps, locks: locks}
}

// Handle implements bus.CommandHandler.
func (h *CompleteRequestHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.CompleteRequestCommand)
	if !ok {
		return nil, wrongCommand("complete_request")
	}

	requestID, err := shared.ParseRequestID(c.RequestID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "request id has an invalid format").
			WithField("request_id", c.RequestID).
			Build()
	}

	unlock := h.locks.Lock(requestID.String())
	defer unlock()

	req, err := fetchRequest(ctx, h.deps, requestID, "complete_request")
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return commands.CompleteRequestResult{
			RequestID: req.RequestID().String(),
			Status:    req.Status(),
		}, nil
	}
	if req.Status() == request.StatusPending {
		return nil, errors.Conflict(errors.CodeIllegalTransition, "request has not started").
			WithResource(req.RequestID().String()).
			Build()
	}

	machines, err := loadRequestMachines(ctx, h.deps, req)
	if err != nil {
		return nil, err
	}

	switch req.Type() {
	case shared.RequestTypeReturn:
		err = settleReturn(req, machines)
	default:
		err = settleProvision(req, machines)
	}
	if err != nil {
		return nil, err
	}

	if err := saveAndPublishRequest(ctx, h.deps, req); err != nil {
		return nil, err
	}
	return commands.CompleteRequestResult{
		RequestID: req.RequestID().String(),
		Status:    req.Status(),
	}, nil
}

// ReturnMachinesHandler creates a return request, terminates the target
// instances through the provider, and settles whatever the provider confirms.
// Machine ids the broker does not know count as already returned.
type ReturnMachinesHandler struct {
	deps  Deps
	locks *keyedMutex
}

// NewReturnMachinesHandler builds the handler.
func NewReturnMachinesHandler(deps Deps, locks *keyedMutex) *ReturnMachinesHandler {
	return &ReturnMachinesHandler{deps: deps, locks: locks}
}

// Handle implements bus.CommandHandler.
func (h *ReturnMachinesHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.ReturnMachinesCommand)
	if !ok {
		return nil, wrongCommand("return_machines")
	}

	requestID := shared.NewReturnRequestID()
	if c.RequestID != "" {
		var err error
		requestID, err = shared.ParseRequestID(c.RequestID)
		if err != nil {
			return nil, errors.Validation(errors.CodeInvalidFormat, "request_id must be a ret- prefixed uuid").
				WithField("request_id", c.RequestID).
				Build()
		}
	}

	unlock := h.locks.Lock(requestID.String())
	defer unlock()

	if c.RequestID != "" {
		existing, err := h.deps.Stores.Requests.GetByID(ctx, requestID)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
		if existing != nil {
			return commands.ReturnMachinesResult{RequestID: existing.RequestID().String()}, nil
		}
	}

	machineIDs := make([]shared.MachineID, 0, len(c.MachineIDs))
	for _, raw := range c.MachineIDs {
		id, err := shared.ParseMachineID(raw)
		if err != nil {
			return nil, errors.Validation(errors.CodeInvalidFormat, "machine id has an invalid format").
				WithField("machine_id", raw).
				Build()
		}
		machineIDs = append(machineIDs, id)
	}

	req, err := request.NewReturnRequestWithID(requestID, machineIDs, shared.Tags(c.Tags), c.Priority)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Requests.Save(ctx, req); err != nil {
		return nil, err
	}
	if err := shared.PublishAll(ctx, h.deps.Events, req); err != nil {
		h.deps.Logger.Warn("request events not published",
			zap.String("request_id", req.RequestID().String()),
			zap.Error(err))
	}

	machines, err := loadRequestMachines(ctx, h.deps, req)
	if err != nil {
		return nil, err
	}

	start := h.deps.Clock()
	confirmed, termErr := h.terminate(ctx, req, machines)
	elapsed := h.deps.Clock().Sub(start)

	if termErr != nil {
		if failErr := req.Fail(request.ErrorSummary{
			Code:    errors.GetCode(termErr).String(),
			Message: termErr.Error(),
		}); failErr != nil {
			h.deps.Logger.Warn("could not settle failed return request",
				zap.String("request_id", req.RequestID().String()),
				zap.Error(failErr))
		}
		if err := saveAndPublishRequest(ctx, h.deps, req); err != nil {
			h.deps.Logger.Error("could not persist failed return request",
				zap.String("request_id", req.RequestID().String()),
				zap.Error(err))
		}
		h.deps.Metrics.ObserveRequest(string(shared.RequestTypeReturn), outcomeOf(req.Status()), elapsed)
		return nil, termErr
	}

	if confirmed {
		for _, m := range machines {
			if m.IsTerminal() {
				continue
			}
			if err := routeTerminated(m); err != nil {
				h.deps.Logger.Warn("machine not settled after return",
					zap.String("machine_id", m.MachineID().String()),
					zap.Error(err))
				continue
			}
			h.deps.Metrics.ObserveMachine(m.TemplateID().String(), machineOutcome(m.Status()))
		}
	} else {
		// Partial confirmation: mark targets as stopping and let the status
		// poll finish the job.
		for _, m := range machines {
			if m.Status() != machine.StatusRunning {
				continue
			}
			if err := m.RequestReturn(); err != nil {
				h.deps.Logger.Warn("machine not marked stopping",
					zap.String("machine_id", m.MachineID().String()),
					zap.Error(err))
			}
		}
	}

	if err := saveAndPublishMachines(ctx, h.deps, machines); err != nil {
		return nil, err
	}
	if err := settleReturn(req, machines); err != nil {
		return nil, err
	}
	if err := saveAndPublishRequest(ctx, h.deps, req); err != nil {
		return nil, err
	}

	h.deps.Metrics.ObserveRequest(string(shared.RequestTypeReturn), outcomeOf(req.Status()), elapsed)
	h.deps.Logger.Info("return request settled",
		zap.String("request_id", req.RequestID().String()),
		zap.Int("targets", len(machineIDs)),
		zap.Int("known", len(machines)),
		zap.String("status", string(req.Status())),
		zap.Duration("elapsed", elapsed))

	return commands.ReturnMachinesResult{RequestID: req.RequestID().String()}, nil
}

// terminate issues the provider terminate call, preferring the strategy that
// provisioned the targets, and records the serving strategy on the request.
// A request with nothing left to terminate still runs selection so a strategy
// is recorded and the transition table holds.
func (h *ReturnMachinesHandler) terminate(ctx context.Context, req *request.Request, machines []*machine.Machine) (bool, error) {
	instanceIDs := pollableInstanceIDs(machines)
	criteria := provider.Criteria{RequireHealthy: true}
	if owner := h.ownerProvider(ctx, machines); owner != "" {
		criteria.PreferStrategies = []string{owner}
	}

	var served string
	confirmed, err := provider.ExecuteWith(ctx, h.deps.Providers, "terminate_machines", criteria,
		func(ctx context.Context, s provider.Strategy) (bool, error) {
			served = s.Name()
			if len(instanceIDs) == 0 {
				return true, nil
			}
			return s.TerminateMachines(ctx, instanceIDs)
		})

	if served != "" && req.Status() == request.StatusPending {
		if startErr := req.Start(served); startErr != nil {
			return false, startErr
		}
	}
	return confirmed, err
}

// ownerProvider resolves the strategy that provisioned the targets, via the
// provision request each machine still points at.
func (h *ReturnMachinesHandler) ownerProvider(ctx context.Context, machines []*machine.Machine) string {
	for _, m := range machines {
		owner, err := h.deps.Stores.Requests.GetByID(ctx, m.RequestID())
		if err != nil || owner == nil {
			continue
		}
		if name := owner.ProviderName(); name != "" {
			return name
		}
	}
	return ""
}

// UpdateMachineStatusHandler applies one externally observed instance state
// to a machine, for deployments where a watcher pushes provider events
// instead of the broker polling.
type UpdateMachineStatusHandler struct {
	deps  Deps
	locks *keyedMutex
}

// NewUpdateMachineStatusHandler builds the handler.
func NewUpdateMachineStatusHandler(deps Deps, locks *keyedMutex) *UpdateMachineStatusHandler {
	return &UpdateMachineStatusHandler{deps: deps, locks: locks}
}

// Handle implements bus.CommandHandler.
func (h *UpdateMachineStatusHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.UpdateMachineStatusCommand)
	if !ok {
		return nil, wrongCommand("update_machine_status")
	}

	machineID, err := shared.ParseMachineID(c.MachineID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "machine id has an invalid format").
			WithField("machine_id", c.MachineID).
			Build()
	}

	// The keyed lock lives on the owning request so pushes serialize with the
	// poll and return flows.
	probe, err := fetchMachine(ctx, h.deps, machineID, "update_machine_status")
	if err != nil {
		return nil, err
	}
	unlock := h.locks.Lock(probe.RequestID().String())
	defer unlock()

	m, err := fetchMachine(ctx, h.deps, machineID, "update_machine_status")
	if err != nil {
		return nil, err
	}

	st := provider.InstanceStatus{
		ProviderInstanceID: m.ProviderInstanceID(),
		State:              provider.InstanceState(c.State),
		PrivateIP:          c.PrivateIP,
		PublicIP:           c.PublicIP,
		Message:            c.Message,
	}

	if m.IsTerminal() {
		if terminalStateMatches(m.Status(), st.State) {
			return commands.UpdateMachineStatusResult{
				MachineID: m.MachineID().String(),
				Status:    m.Status(),
			}, nil
		}
		return nil, errors.Conflict(errors.CodeIllegalTransition, "machine is in a terminal state").
			WithResource(m.MachineID().String()).
			WithDetailsf("cannot apply %s to %s", st.State, m.Status()).
			Build()
	}

	transitioned, err := applyInstanceStatus(m, st, h.deps.MissedPollThreshold)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Stores.Machines.Save(ctx, m); err != nil {
		return nil, err
	}
	if err := shared.PublishAll(ctx, h.deps.Events, m); err != nil {
		h.deps.Logger.Warn("machine events not published",
			zap.String("machine_id", m.MachineID().String()),
			zap.Error(err))
	}
	if transitioned {
		h.deps.Metrics.ObserveMachine(m.TemplateID().String(), machineOutcome(m.Status()))
	}

	return commands.UpdateMachineStatusResult{
		MachineID: m.MachineID().String(),
		Status:    m.Status(),
	}, nil
}

// terminalStateMatches reports whether a provider state is the one already
// recorded on a terminal machine, which makes the push an idempotent repeat.
func terminalStateMatches(status machine.Status, state provider.InstanceState) bool {
	switch status {
	case machine.StatusTerminated:
		return state == provider.InstanceStateTerminated || state == provider.InstanceStateNotFound
	case machine.StatusFailed:
		return state == provider.InstanceStateFailed
	}
	return false
}

// CleanupMachineResourcesHandler deletes the machine records of a settled
// request and can terminate stragglers a timed-out provisioning left behind.
type CleanupMachineResourcesHandler struct {
	deps  Deps
	locks *keyedMutex
}

// NewCleanupMachineResourcesHandler builds the handler.
func NewCleanupMachineResourcesHandler(deps Deps, locks *keyedMutex) *CleanupMachineResourcesHandler {
	return &CleanupMachineResourcesHandler{deps: deps, locks: locks}
}

// Handle implements bus.CommandHandler.
func (h *CleanupMachineResourcesHandler) Handle(ctx context.Context, cmd bus.Command) (interface{}, error) {
	c, ok := cmd.(commands.CleanupMachineResourcesCommand)
	if !ok {
		return nil, wrongCommand("cleanup_machine_resources")
	}

	requestID, err := shared.ParseRequestID(c.RequestID)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidFormat, "request id has an invalid format").
			WithField("request_id", c.RequestID).
			Build()
	}

	unlock := h.locks.Lock(requestID.String())
	defer unlock()

	req, err := fetchRequest(ctx, h.deps, requestID, "cleanup_machine_resources")
	if err != nil {
		return nil, err
	}

	machines, err := loadRequestMachines(ctx, h.deps, req)
	if err != nil {
		return nil, err
	}

	terminated := 0
	if c.TerminateStragglers {
		if outstanding := pollableInstanceIDs(machines); len(outstanding) > 0 {
			confirmed, err := terminateInstances(ctx, h.deps, req.ProviderName(), outstanding)
			if err != nil {
				return nil, err
			}
			if confirmed {
				for _, m := range machines {
					if m.IsTerminal() {
						continue
					}
					if err := routeTerminated(m); err != nil {
						h.deps.Logger.Warn("straggler not settled",
							zap.String("machine_id", m.MachineID().String()),
							zap.Error(err))
						continue
					}
					terminated++
				}
				if err := saveAndPublishMachines(ctx, h.deps, machines); err != nil {
					return nil, err
				}
			}
		}
	}

	removed := 0
	for _, m := range machines {
		if !m.IsTerminal() {
			continue
		}
		deleted, err := h.deps.Stores.Machines.Delete(ctx, m.MachineID())
		if err != nil {
			return nil, err
		}
		if deleted {
			removed++
		}
	}

	h.deps.Logger.Info("machine resources cleaned up",
		zap.String("request_id", req.RequestID().String()),
		zap.Int("removed", removed),
		zap.Int("terminated", terminated))

	return commands.CleanupMachineResourcesResult{
		RequestID:  req.RequestID().String(),
		Removed:    removed,
		Terminated: terminated,
	}, nil
}
