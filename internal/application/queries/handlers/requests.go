package handlers

import (
	"context"
	"sort"

	"hostbroker/internal/application/queries"
	"hostbroker/internal/application/queries/bus"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
	"hostbroker/internal/repository"
)

// GetRequestHandler fetches one request by id.
type GetRequestHandler struct {
	deps Deps
}

// NewGetRequestHandler creates the handler.
func NewGetRequestHandler(deps Deps) *GetRequestHandler {
	return &GetRequestHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetRequestHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetRequestQuery)
	if !ok {
		return nil, wrongQuery("get_request")
	}
	req, err := loadRequest(ctx, h.deps, q.RequestID)
	if err != nil {
		return nil, err
	}
	return requestView(req), nil
}

// ListActiveRequestsHandler lists non-terminal requests, newest first.
type ListActiveRequestsHandler struct {
	deps Deps
}

// NewListActiveRequestsHandler creates the handler.
func NewListActiveRequestsHandler(deps Deps) *ListActiveRequestsHandler {
	return &ListActiveRequestsHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *ListActiveRequestsHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.ListActiveRequestsQuery)
	if !ok {
		return nil, wrongQuery("list_active_requests")
	}

	active, err := h.deps.Stores.Requests.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(active, func(i, j int) bool {
		ti, tj := active[i].CreatedAt(), active[j].CreatedAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return active[i].RequestID().String() < active[j].RequestID().String()
	})

	start, end := repository.Page{Limit: q.Limit, Offset: q.Offset}.Bounds(len(active))
	views := make([]queries.RequestView, 0, end-start)
	for _, req := range active[start:end] {
		views = append(views, requestView(req))
	}
	return queries.ListActiveRequestsResult{Requests: views}, nil
}

// GetRequestStatusHandler assembles the scheduler-facing status view of one
// request: the request state plus the detail of every machine it owns.
type GetRequestStatusHandler struct {
	deps Deps
}

// NewGetRequestStatusHandler creates the handler.
func NewGetRequestStatusHandler(deps Deps) *GetRequestStatusHandler {
	return &GetRequestStatusHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetRequestStatusHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetRequestStatusQuery)
	if !ok {
		return nil, wrongQuery("get_request_status")
	}

	req, err := loadRequest(ctx, h.deps, q.RequestID)
	if err != nil {
		return nil, err
	}
	machines, err := loadBoundMachines(ctx, h.deps, req)
	if err != nil {
		return nil, err
	}

	running := 0
	for _, m := range machines {
		if m.Status() == machine.StatusRunning {
			running++
		}
	}

	view := queries.RequestStatusView{
		RequestID:    req.RequestID().String(),
		RequestType:  req.Type(),
		Status:       req.Status(),
		MachineCount: req.MachineCount(),
		Machines:     machineViews(machines),
		RunningCount: running,
	}
	if summary := req.ErrorSummary(); summary != nil {
		view.Message = summary.Message
	}
	return view, nil
}

// GetMachineHandler fetches one machine by broker machine id.
type GetMachineHandler struct {
	deps Deps
}

// NewGetMachineHandler creates the handler.
func NewGetMachineHandler(deps Deps) *GetMachineHandler {
	return &GetMachineHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetMachineHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetMachineQuery)
	if !ok {
		return nil, wrongQuery("get_machine")
	}

	machineID, err := shared.ParseMachineID(q.MachineID)
	if err != nil {
		return nil, err
	}
	m, err := h.deps.Stores.Machines.GetByID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.NotFound(errors.CodeMachineNotFound, "machine not found").
			WithOperation("get_machine").
			WithField("machine_id", q.MachineID).
			Build()
	}
	return machineView(m), nil
}

// ListMachinesByRequestHandler lists every machine bound to one request, in
// binding order.
type ListMachinesByRequestHandler struct {
	deps Deps
}

// NewListMachinesByRequestHandler creates the handler.
func NewListMachinesByRequestHandler(deps Deps) *ListMachinesByRequestHandler {
	return &ListMachinesByRequestHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *ListMachinesByRequestHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.ListMachinesByRequestQuery)
	if !ok {
		return nil, wrongQuery("list_machines_by_request")
	}

	req, err := loadRequest(ctx, h.deps, q.RequestID)
	if err != nil {
		return nil, err
	}
	machines, err := loadBoundMachines(ctx, h.deps, req)
	if err != nil {
		return nil, err
	}
	return queries.ListMachinesByRequestResult{
		RequestID: req.RequestID().String(),
		Machines:  machineViews(machines),
	}, nil
}

// GetActiveMachineCountHandler counts non-terminal machines, optionally
// restricted to one template.
type GetActiveMachineCountHandler struct {
	deps Deps
}

// NewGetActiveMachineCountHandler creates the handler.
func NewGetActiveMachineCountHandler(deps Deps) *GetActiveMachineCountHandler {
	return &GetActiveMachineCountHandler{deps: deps}
}

// Handle implements bus.QueryHandler.
func (h *GetActiveMachineCountHandler) Handle(ctx context.Context, query bus.Query) (interface{}, error) {
	q, ok := query.(queries.GetActiveMachineCountQuery)
	if !ok {
		return nil, wrongQuery("get_active_machine_count")
	}

	machines, err := h.deps.Stores.Machines.GetAll(ctx,
		repository.MachineFilter{TemplateID: q.TemplateID}, repository.Page{})
	if err != nil {
		return nil, err
	}
	count := 0
	for _, m := range machines {
		if !m.IsTerminal() {
			count++
		}
	}
	return queries.GetActiveMachineCountResult{TemplateID: q.TemplateID, Count: count}, nil
}

// loadRequest parses the id and fetches the request, mapping a missing record
// to NotFound.
func loadRequest(ctx context.Context, deps Deps, rawID string) (*request.Request, error) {
	requestID, err := shared.ParseRequestID(rawID)
	if err != nil {
		return nil, err
	}
	req, err := deps.Stores.Requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.NotFound(errors.CodeRequestNotFound, "request not found").
			WithOperation("get_request").
			WithField("request_id", rawID).
			Build()
	}
	return req, nil
}

// loadBoundMachines fetches the machines a request has bound, skipping ids
// whose records are gone.
func loadBoundMachines(ctx context.Context, deps Deps, req *request.Request) ([]*machine.Machine, error) {
	machines := make([]*machine.Machine, 0, len(req.MachineIDs()))
	for _, id := range req.MachineIDs() {
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
