package dynamo

import (
	"encoding/json"
	"time"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
)

// Timestamps are stored as strings so item shapes stay readable in the
// console and independent of SDK time encoding.
func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s, table, id string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Internal(errors.CodeSerializationFailed, "stored item has invalid timestamp").
			WithResource(table).
			WithDetailsf("entity %s: %q", id, s).
			WithCause(err).
			Build()
	}
	return t, nil
}

// requestItem is the table shape of a request snapshot.
type requestItem struct {
	EntityID        string                `dynamodbav:"entity_id"`
	EntityType      string                `dynamodbav:"entity_type"`
	RequestType     string                `dynamodbav:"request_type"`
	TemplateID      string                `dynamodbav:"template_id,omitempty"`
	MachineCount    int                   `dynamodbav:"machine_count"`
	Status          string                `dynamodbav:"status"`
	CreatedAt       string                `dynamodbav:"created_at"`
	UpdatedAt       string                `dynamodbav:"updated_at"`
	CompletedAt     string                `dynamodbav:"completed_at,omitempty"`
	Tags            map[string]string     `dynamodbav:"tags,omitempty"`
	Priority        int                   `dynamodbav:"priority,omitempty"`
	MachineIDs      []string              `dynamodbav:"machine_ids,omitempty"`
	ProviderName    string                `dynamodbav:"provider_name,omitempty"`
	CancelRequested bool                  `dynamodbav:"cancel_requested,omitempty"`
	Error           *request.ErrorSummary `dynamodbav:"error_summary,omitempty"`
	Version         int                   `dynamodbav:"version"`
}

func requestItemFrom(s request.Snapshot) requestItem {
	it := requestItem{
		EntityID:        s.RequestID,
		EntityType:      "REQUEST",
		RequestType:     string(s.RequestType),
		TemplateID:      s.TemplateID,
		MachineCount:    s.MachineCount,
		Status:          string(s.Status),
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
		Tags:            s.Tags,
		Priority:        s.Priority,
		MachineIDs:      s.MachineIDs,
		ProviderName:    s.ProviderName,
		CancelRequested: s.CancelRequested,
		Error:           s.Error,
		Version:         s.Version,
	}
	if s.CompletedAt != nil {
		it.CompletedAt = formatTime(*s.CompletedAt)
	}
	return it
}

func (it requestItem) snapshot(table string) (request.Snapshot, error) {
	createdAt, err := parseTime(it.CreatedAt, table, it.EntityID)
	if err != nil {
		return request.Snapshot{}, err
	}
	updatedAt, err := parseTime(it.UpdatedAt, table, it.EntityID)
	if err != nil {
		return request.Snapshot{}, err
	}
	var completedAt *time.Time
	if it.CompletedAt != "" {
		t, err := parseTime(it.CompletedAt, table, it.EntityID)
		if err != nil {
			return request.Snapshot{}, err
		}
		completedAt = &t
	}
	return request.Snapshot{
		RequestID:       it.EntityID,
		TemplateID:      it.TemplateID,
		RequestType:     shared.RequestType(it.RequestType),
		MachineCount:    it.MachineCount,
		Status:          request.Status(it.Status),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		CompletedAt:     completedAt,
		Tags:            it.Tags,
		Priority:        it.Priority,
		MachineIDs:      it.MachineIDs,
		ProviderName:    it.ProviderName,
		CancelRequested: it.CancelRequested,
		Error:           it.Error,
		Version:         it.Version,
	}, nil
}

// machineItem is the table shape of a machine snapshot.
type machineItem struct {
	EntityID           string            `dynamodbav:"entity_id"`
	EntityType         string            `dynamodbav:"entity_type"`
	ProviderInstanceID string            `dynamodbav:"provider_instance_id,omitempty"`
	RequestID          string            `dynamodbav:"request_id"`
	TemplateID         string            `dynamodbav:"template_id,omitempty"`
	Status             string            `dynamodbav:"status"`
	InstanceType       string            `dynamodbav:"instance_type,omitempty"`
	PrivateIP          string            `dynamodbav:"private_ip,omitempty"`
	PublicIP           string            `dynamodbav:"public_ip,omitempty"`
	LaunchTime         string            `dynamodbav:"launch_time,omitempty"`
	ProviderData       map[string]string `dynamodbav:"provider_data,omitempty"`
	Tags               map[string]string `dynamodbav:"tags,omitempty"`
	Message            string            `dynamodbav:"message,omitempty"`
	ReturnRequested    bool              `dynamodbav:"return_requested,omitempty"`
	MissedPolls        int               `dynamodbav:"missed_polls,omitempty"`
	CreatedAt          string            `dynamodbav:"created_at"`
	UpdatedAt          string            `dynamodbav:"updated_at"`
	Version            int               `dynamodbav:"version"`
}

func machineItemFrom(s machine.Snapshot) machineItem {
	it := machineItem{
		EntityID:           s.MachineID,
		EntityType:         "MACHINE",
		ProviderInstanceID: s.ProviderInstanceID,
		RequestID:          s.RequestID,
		TemplateID:         s.TemplateID,
		Status:             string(s.Status),
		InstanceType:       s.InstanceType,
		PrivateIP:          s.PrivateIP,
		PublicIP:           s.PublicIP,
		ProviderData:       s.ProviderData,
		Tags:               s.Tags,
		Message:            s.Message,
		ReturnRequested:    s.ReturnRequested,
		MissedPolls:        s.MissedPolls,
		CreatedAt:          formatTime(s.CreatedAt),
		UpdatedAt:          formatTime(s.UpdatedAt),
		Version:            s.Version,
	}
	if s.LaunchTime != nil {
		it.LaunchTime = formatTime(*s.LaunchTime)
	}
	return it
}

func (it machineItem) snapshot(table string) (machine.Snapshot, error) {
	createdAt, err := parseTime(it.CreatedAt, table, it.EntityID)
	if err != nil {
		return machine.Snapshot{}, err
	}
	updatedAt, err := parseTime(it.UpdatedAt, table, it.EntityID)
	if err != nil {
		return machine.Snapshot{}, err
	}
	var launchTime *time.Time
	if it.LaunchTime != "" {
		t, err := parseTime(it.LaunchTime, table, it.EntityID)
		if err != nil {
			return machine.Snapshot{}, err
		}
		launchTime = &t
	}
	return machine.Snapshot{
		MachineID:          it.EntityID,
		ProviderInstanceID: it.ProviderInstanceID,
		RequestID:          it.RequestID,
		TemplateID:         it.TemplateID,
		Status:             machine.Status(it.Status),
		InstanceType:       it.InstanceType,
		PrivateIP:          it.PrivateIP,
		PublicIP:           it.PublicIP,
		LaunchTime:         launchTime,
		ProviderData:       it.ProviderData,
		Tags:               it.Tags,
		Message:            it.Message,
		ReturnRequested:    it.ReturnRequested,
		MissedPolls:        it.MissedPolls,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		Version:            it.Version,
	}, nil
}

// templateItem stores the filterable template attributes top-level and the
// full definition as a JSON document, the same split the event store uses
// for payloads.
type templateItem struct {
	EntityID    string `dynamodbav:"entity_id"`
	EntityType  string `dynamodbav:"entity_type"`
	ProviderAPI string `dynamodbav:"provider_api"`
	IsActive    bool   `dynamodbav:"is_active"`
	CreatedAt   string `dynamodbav:"created_at"`
	UpdatedAt   string `dynamodbav:"updated_at"`
	Definition  string `dynamodbav:"definition"`
	Version     int    `dynamodbav:"version"`
}

func templateItemFrom(def template.Definition, version int) (templateItem, error) {
	doc, err := json.Marshal(def)
	if err != nil {
		return templateItem{}, errors.Internal(errors.CodeSerializationFailed, "failed to marshal template definition").
			WithResource(def.TemplateID).
			WithCause(err).
			Build()
	}
	return templateItem{
		EntityID:    def.TemplateID,
		EntityType:  "TEMPLATE",
		ProviderAPI: def.ProviderAPI,
		IsActive:    def.IsActive,
		CreatedAt:   formatTime(def.CreatedAt),
		UpdatedAt:   formatTime(def.UpdatedAt),
		Definition:  string(doc),
		Version:     version,
	}, nil
}

func (it templateItem) definition(table string) (template.Definition, error) {
	var def template.Definition
	if err := json.Unmarshal([]byte(it.Definition), &def); err != nil {
		return template.Definition{}, errors.Internal(errors.CodeSerializationFailed, "stored template definition is not valid JSON").
			WithResource(table).
			WithDetailsf("entity %s", it.EntityID).
			WithCause(err).
			Build()
	}
	return def, nil
}
