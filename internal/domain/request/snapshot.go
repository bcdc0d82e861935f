package request

import (
	"time"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// Snapshot is the persistence shape of a request. Repositories store exactly
// this; rebuilding goes through FromSnapshot so invariants are re-checked on
// the way in.
type Snapshot struct {
	RequestID       string              `json:"request_id"`
	TemplateID      string              `json:"template_id,omitempty"`
	RequestType     shared.RequestType  `json:"request_type"`
	MachineCount    int                 `json:"machine_count"`
	Status          Status              `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	Tags            shared.Tags         `json:"tags,omitempty"`
	Priority        int                 `json:"priority,omitempty"`
	MachineIDs      []string            `json:"machine_ids"`
	ProviderName    string              `json:"provider_name,omitempty"`
	CancelRequested bool                `json:"cancel_requested,omitempty"`
	Error           *ErrorSummary       `json:"error,omitempty"`
	Version         int                 `json:"version"`
}

// Snapshot captures the current state for persistence.
func (r *Request) Snapshot() Snapshot {
	ids := make([]string, len(r.machineIDs))
	for i, m := range r.machineIDs {
		ids[i] = m.String()
	}
	return Snapshot{
		RequestID:       r.requestID.String(),
		TemplateID:      r.templateID.String(),
		RequestType:     r.requestType,
		MachineCount:    r.machineCount,
		Status:          r.status,
		CreatedAt:       r.createdAt,
		UpdatedAt:       r.updatedAt,
		CompletedAt:     r.completedAt,
		Tags:            r.tags.Clone(),
		Priority:        r.priority,
		MachineIDs:      ids,
		ProviderName:    r.providerName,
		CancelRequested: r.cancelRequested,
		Error:           r.errSummary,
		Version:         r.Version(),
	}
}

// FromSnapshot rebuilds a request from persisted state without emitting
// events.
func FromSnapshot(s Snapshot) (*Request, error) {
	id, err := shared.ParseRequestID(s.RequestID)
	if err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "persisted request has invalid id").
			WithResource(s.RequestID).
			WithCause(err).
			Build()
	}

	var templateID shared.TemplateID
	if s.TemplateID != "" {
		templateID, err = shared.ParseTemplateID(s.TemplateID)
		if err != nil {
			return nil, errors.Internal(errors.CodeSerializationFailed, "persisted request has invalid template id").
				WithResource(s.RequestID).
				WithCause(err).
				Build()
		}
	}

	machineIDs := make([]shared.MachineID, 0, len(s.MachineIDs))
	for _, raw := range s.MachineIDs {
		mid, err := shared.ParseMachineID(raw)
		if err != nil {
			return nil, errors.Internal(errors.CodeSerializationFailed, "persisted request has invalid machine id").
				WithResource(s.RequestID).
				WithDetailsf("machine id %q", raw).
				WithCause(err).
				Build()
		}
		machineIDs = append(machineIDs, mid)
	}

	tags := s.Tags
	if tags == nil {
		tags = shared.NewTags()
	}

	r := &Request{
		AggregateBase:   shared.RestoreAggregateBase(s.RequestID, s.Version),
		requestID:       id,
		templateID:      templateID,
		requestType:     s.RequestType,
		machineCount:    s.MachineCount,
		status:          s.Status,
		createdAt:       s.CreatedAt,
		updatedAt:       s.UpdatedAt,
		completedAt:     s.CompletedAt,
		tags:            tags,
		priority:        s.Priority,
		machineIDs:      machineIDs,
		providerName:    s.ProviderName,
		cancelRequested: s.CancelRequested,
		errSummary:      s.Error,
	}
	if err := r.ValidateInvariants(); err != nil {
		return nil, err
	}
	return r, nil
}
