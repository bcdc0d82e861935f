package hostfactory

import (
	"encoding/json"
	"strings"

	"hostbroker/internal/application/queries"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
)

// Wire status values Host Factory understands for a request.
const (
	wireStatusPending           = "pending"
	wireStatusRunning           = "running"
	wireStatusComplete          = "complete"
	wireStatusCompleteWithError = "complete_with_error"
	wireStatusFailed            = "failed"
)

// statusResponse renders the getRequestStatus reply in the external dialect.
func (a *Adapter) statusResponse(view queries.RequestStatusView) map[string]interface{} {
	machines := make([]map[string]interface{}, 0, len(view.Machines))
	for _, m := range view.Machines {
		machines = append(machines, a.reverse(machineRecord(m)))
	}

	record := map[string]interface{}{
		"request_id":    view.RequestID,
		"status":        requestWireStatus(view.Status, view.RunningCount),
		"machine_count": view.MachineCount,
		"machines":      machines,
	}
	if view.Message != "" {
		record["message"] = view.Message
	}
	return a.reverse(record)
}

// requestWireStatus maps a request state onto the scheduler's vocabulary. A
// failed provision that still produced running machines reports
// complete_with_error so the scheduler adopts the partial capacity instead of
// discarding the request.
func requestWireStatus(status request.Status, running int) string {
	switch status {
	case request.StatusPending:
		return wireStatusPending
	case request.StatusInProgress:
		return wireStatusRunning
	case request.StatusCompleted:
		return wireStatusComplete
	case request.StatusFailed:
		if running > 0 {
			return wireStatusCompleteWithError
		}
		return wireStatusFailed
	default:
		return wireStatusFailed
	}
}

// machineRecord renders one machine in internal field names, ready for
// reversal into the external dialect.
func machineRecord(m queries.MachineView) map[string]interface{} {
	record := map[string]interface{}{
		"machine_id":  m.MachineID,
		"private_ip":  m.PrivateIP,
		"public_ip":   m.PublicIP,
		"status":      machineWireStatus(m.Status),
		"launch_time": launchEpoch(m),
	}
	if m.Status == machine.StatusFailed && m.Message != "" {
		record["error"] = m.Message
	}
	return record
}

func machineWireStatus(status machine.Status) string {
	return strings.ToLower(string(status))
}

// launchEpoch reports the launch time in epoch seconds, zero when the
// instance never launched.
func launchEpoch(m queries.MachineView) int64 {
	if m.LaunchTime == nil {
		return 0
	}
	return m.LaunchTime.Unix()
}

// templateRecord flattens a definition to internal field names and drops the
// broker's bookkeeping fields from the scheduler-facing listing.
func templateRecord(def template.Definition) (map[string]interface{}, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "template does not marshal").
			WithResource(def.TemplateID).
			WithCause(err).
			Build()
	}
	record := make(map[string]interface{})
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "template record does not round-trip").
			WithResource(def.TemplateID).
			WithCause(err).
			Build()
	}
	for _, key := range []string{
		"provider_api", "provider_type", "provider_name",
		"is_active", "source_file", "file_priority", "context",
		"created_at", "updated_at",
	} {
		delete(record, key)
	}
	return record, nil
}
