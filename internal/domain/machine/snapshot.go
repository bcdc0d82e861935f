package machine

import (
	"time"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// Snapshot is the persistence shape of a machine.
type Snapshot struct {
	MachineID          string            `json:"machine_id"`
	ProviderInstanceID string            `json:"provider_instance_id,omitempty"`
	RequestID          string            `json:"request_id"`
	TemplateID         string            `json:"template_id,omitempty"`
	Status             Status            `json:"status"`
	InstanceType       string            `json:"instance_type,omitempty"`
	PrivateIP          string            `json:"private_ip,omitempty"`
	PublicIP           string            `json:"public_ip,omitempty"`
	LaunchTime         *time.Time        `json:"launch_time,omitempty"`
	ProviderData       map[string]string `json:"provider_data,omitempty"`
	Tags               shared.Tags       `json:"tags,omitempty"`
	Message            string            `json:"message,omitempty"`
	ReturnRequested    bool              `json:"return_requested,omitempty"`
	MissedPolls        int               `json:"missed_polls,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int               `json:"version"`
}

// Snapshot captures the current state for persistence.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		MachineID:          m.machineID.String(),
		ProviderInstanceID: m.providerInstanceID,
		RequestID:          m.requestID.String(),
		TemplateID:         m.templateID.String(),
		Status:             m.status,
		InstanceType:       m.instanceType,
		PrivateIP:          m.privateIP,
		PublicIP:           m.publicIP,
		LaunchTime:         m.launchTime,
		ProviderData:       m.ProviderData(),
		Tags:               m.tags.Clone(),
		Message:            m.message,
		ReturnRequested:    m.returnRequested,
		MissedPolls:        m.missedPolls,
		CreatedAt:          m.createdAt,
		UpdatedAt:          m.updatedAt,
		Version:            m.Version(),
	}
}

// FromSnapshot rebuilds a machine from persisted state without emitting
// events.
func FromSnapshot(s Snapshot) (*Machine, error) {
	id, err := shared.ParseMachineID(s.MachineID)
	if err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "persisted machine has invalid id").
			WithResource(s.MachineID).
			WithCause(err).
			Build()
	}
	requestID, err := shared.ParseRequestID(s.RequestID)
	if err != nil {
		return nil, errors.Internal(errors.CodeSerializationFailed, "persisted machine has invalid request id").
			WithResource(s.MachineID).
			WithCause(err).
			Build()
	}

	var templateID shared.TemplateID
	if s.TemplateID != "" {
		templateID, err = shared.ParseTemplateID(s.TemplateID)
		if err != nil {
			return nil, errors.Internal(errors.CodeSerializationFailed, "persisted machine has invalid template id").
				WithResource(s.MachineID).
				WithCause(err).
				Build()
		}
	}

	providerData := s.ProviderData
	if providerData == nil {
		providerData = make(map[string]string)
	}
	tags := s.Tags
	if tags == nil {
		tags = shared.NewTags()
	}

	m := &Machine{
		AggregateBase:      shared.RestoreAggregateBase(s.MachineID, s.Version),
		machineID:          id,
		providerInstanceID: s.ProviderInstanceID,
		requestID:          requestID,
		templateID:         templateID,
		status:             s.Status,
		instanceType:       s.InstanceType,
		privateIP:          s.PrivateIP,
		publicIP:           s.PublicIP,
		launchTime:         s.LaunchTime,
		providerData:       providerData,
		tags:               tags,
		message:            s.Message,
		returnRequested:    s.ReturnRequested,
		missedPolls:        s.MissedPolls,
		createdAt:          s.CreatedAt,
		updatedAt:          s.UpdatedAt,
	}
	if err := m.ValidateInvariants(); err != nil {
		return nil, err
	}
	return m, nil
}
