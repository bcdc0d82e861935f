// Package hostfactory adapts the IBM Spectrum Symphony Host Factory wire
// dialect onto the broker's commands and queries. The scheduler invokes the
// broker one operation at a time with a JSON payload; the adapter remaps the
// external camelCase field names to internal ones, dispatches through the
// mediator, and renders the response back in the external dialect.
package hostfactory

import (
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/mediator"
	"hostbroker/internal/application/queries"
	"hostbroker/internal/errors"
	"hostbroker/internal/scheduler"
)

// Operation names the scheduler invokes.
const (
	OpRequestMachines       = "requestMachines"
	OpGetRequestStatus      = "getRequestStatus"
	OpReturnMachines        = "returnMachines"
	OpGetAvailableTemplates = "getAvailableTemplates"
)

// Adapter is the Host Factory entry point. One adapter serves one provider
// dialect; the provider name selects the registry's provider-specific field
// table.
type Adapter struct {
	mediator mediator.IMediator
	registry *scheduler.Registry
	provider string
	logger   *zap.Logger
}

// NewAdapter builds the adapter. A nil registry falls back to the stock Host
// Factory dialect.
func NewAdapter(m mediator.IMediator, registry *scheduler.Registry, provider string, logger *zap.Logger) *Adapter {
	if registry == nil {
		registry = scheduler.HostFactory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		mediator: m,
		registry: registry,
		provider: provider,
		logger:   logger,
	}
}

// Handle executes one scheduler operation and returns the JSON response.
func (a *Adapter) Handle(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	var (
		out interface{}
		err error
	)
	switch operation {
	case OpRequestMachines:
		out, err = a.requestMachines(ctx, payload)
	case OpGetRequestStatus:
		out, err = a.getRequestStatus(ctx, payload)
	case OpReturnMachines:
		out, err = a.returnMachines(ctx, payload)
	case OpGetAvailableTemplates:
		out, err = a.getAvailableTemplates(ctx)
	default:
		return nil, errors.Validation(errors.CodeInvalidInput, "unsupported scheduler operation").
			WithField("operation", operation).
			Build()
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (a *Adapter) requestMachines(ctx context.Context, payload []byte) (interface{}, error) {
	var in struct {
		RequestID    string            `json:"request_id"`
		TemplateID   string            `json:"template_id"`
		MaxNumber    int               `json:"max_number"`
		MachineCount int               `json:"machine_count"`
		Tags         map[string]string `json:"tags"`
		Priority     int               `json:"priority"`
	}
	if err := a.decode(payload, &in); err != nil {
		return nil, err
	}

	// The scheduler sends the count as maxNumber; machine_count wins when a
	// caller speaks the internal dialect directly.
	count := in.MachineCount
	if count == 0 {
		count = in.MaxNumber
	}

	res, err := a.mediator.Send(ctx, commands.CreateRequestCommand{
		RequestID:    in.RequestID,
		TemplateID:   in.TemplateID,
		MachineCount: count,
		Tags:         in.Tags,
		Priority:     in.Priority,
	})
	if err != nil {
		return nil, err
	}
	created, err := resultAs[commands.CreateRequestResult](res, "hostfactory.request_machines")
	if err != nil {
		return nil, err
	}
	return a.reverse(map[string]interface{}{"request_id": created.RequestID}), nil
}

func (a *Adapter) getRequestStatus(ctx context.Context, payload []byte) (interface{}, error) {
	var in struct {
		RequestID string `json:"request_id"`
	}
	if err := a.decode(payload, &in); err != nil {
		return nil, err
	}

	// Fold a provider poll into the status call so the scheduler always sees
	// fresh machine states. A transient poll failure falls back to the stored
	// state; the next status call tries again.
	if _, err := a.mediator.Send(ctx, commands.UpdateRequestStatusCommand{RequestID: in.RequestID}); err != nil {
		if errors.IsNotFound(err) || errors.IsValidation(err) {
			return nil, err
		}
		a.logger.Warn("status poll failed, serving stored state",
			zap.String("request_id", in.RequestID),
			zap.Error(err))
	}

	res, err := a.mediator.Query(ctx, queries.GetRequestStatusQuery{RequestID: in.RequestID})
	if err != nil {
		return nil, err
	}
	view, err := resultAs[queries.RequestStatusView](res, "hostfactory.get_request_status")
	if err != nil {
		return nil, err
	}
	return a.statusResponse(view), nil
}

func (a *Adapter) returnMachines(ctx context.Context, payload []byte) (interface{}, error) {
	var in struct {
		RequestID  string            `json:"request_id"`
		MachineIDs []string          `json:"machine_ids"`
		Tags       map[string]string `json:"tags"`
		Priority   int               `json:"priority"`
	}
	if err := a.decode(payload, &in); err != nil {
		return nil, err
	}

	res, err := a.mediator.Send(ctx, commands.ReturnMachinesCommand{
		RequestID:  in.RequestID,
		MachineIDs: in.MachineIDs,
		Tags:       in.Tags,
		Priority:   in.Priority,
	})
	if err != nil {
		return nil, err
	}
	returned, err := resultAs[commands.ReturnMachinesResult](res, "hostfactory.return_machines")
	if err != nil {
		return nil, err
	}
	return a.reverse(map[string]interface{}{"request_id": returned.RequestID}), nil
}

func (a *Adapter) getAvailableTemplates(ctx context.Context) (interface{}, error) {
	res, err := a.mediator.Query(ctx, queries.ListTemplatesQuery{})
	if err != nil {
		return nil, err
	}
	listed, err := resultAs[queries.ListTemplatesResult](res, "hostfactory.get_available_templates")
	if err != nil {
		return nil, err
	}

	templates := make([]map[string]interface{}, 0, len(listed.Templates))
	for _, def := range listed.Templates {
		record, err := templateRecord(def)
		if err != nil {
			return nil, err
		}
		templates = append(templates, a.reverse(record))
	}
	return map[string]interface{}{"templates": templates}, nil
}

// decode parses the payload, renames external field names to internal ones,
// and binds the result onto the internally tagged target.
func (a *Adapter) decode(payload []byte, out interface{}) error {
	record := make(map[string]interface{})
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &record); err != nil {
			return errors.Validation(errors.CodeInvalidFormat, "payload is not a JSON object").
				WithCause(err).
				Build()
		}
	}

	raw, err := json.Marshal(a.registry.Remap(a.provider, record))
	if err != nil {
		return errors.Internal(errors.CodeSerializationFailed, "remapped payload does not marshal").
			WithCause(err).
			Build()
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Validation(errors.CodeInvalidFormat, "payload fields have unexpected types").
			WithCause(err).
			Build()
	}
	return nil
}

// reverse renames internal field names back to the scheduler's dialect.
func (a *Adapter) reverse(record map[string]interface{}) map[string]interface{} {
	return a.registry.Reverse(a.provider, record)
}

// resultAs narrows a mediator result to the handler's declared result type.
func resultAs[T any](res interface{}, operation string) (T, error) {
	v, ok := res.(T)
	if !ok {
		var zero T
		return zero, errors.Internal(errors.CodeInternalError, "unexpected result type").
			WithOperation(operation).
			Build()
	}
	return v, nil
}
