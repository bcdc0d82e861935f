package shared

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// RequestType distinguishes provisioning from return requests.
type RequestType string

const (
	RequestTypeProvision RequestType = "PROVISION"
	RequestTypeReturn    RequestType = "RETURN"
)

const (
	provisionPrefix = "req-"
	returnPrefix    = "ret-"
)

// templateIDRegex constrains template identifiers to names that survive both
// file-based config keys and DynamoDB key attributes.
var templateIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// RequestID is a value object for request identifiers. The prefix encodes the
// request type: req-<uuid> for provision, ret-<uuid> for return.
type RequestID struct {
	value string
}

// NewProvisionRequestID creates a new identifier for a provision request.
func NewProvisionRequestID() RequestID {
	return RequestID{value: provisionPrefix + uuid.New().String()}
}

// NewReturnRequestID creates a new identifier for a return request.
func NewReturnRequestID() RequestID {
	return RequestID{value: returnPrefix + uuid.New().String()}
}

// ParseRequestID creates a RequestID from a string, validating prefix and UUID.
func ParseRequestID(id string) (RequestID, error) {
	var raw string
	switch {
	case strings.HasPrefix(id, provisionPrefix):
		raw = strings.TrimPrefix(id, provisionPrefix)
	case strings.HasPrefix(id, returnPrefix):
		raw = strings.TrimPrefix(id, returnPrefix)
	default:
		return RequestID{}, ErrInvalidRequestID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return RequestID{}, ErrInvalidRequestID
	}
	return RequestID{value: id}, nil
}

// String returns the string representation of the RequestID.
func (id RequestID) String() string {
	return id.value
}

// Equals checks if two RequestIDs are equal.
func (id RequestID) Equals(other RequestID) bool {
	return id.value == other.value
}

// IsEmpty checks if the RequestID is empty.
func (id RequestID) IsEmpty() bool {
	return id.value == ""
}

// IsProvision reports whether the id belongs to a provision request.
func (id RequestID) IsProvision() bool {
	return strings.HasPrefix(id.value, provisionPrefix)
}

// IsReturn reports whether the id belongs to a return request.
func (id RequestID) IsReturn() bool {
	return strings.HasPrefix(id.value, returnPrefix)
}

// Type returns the request type encoded in the id prefix.
func (id RequestID) Type() RequestType {
	if id.IsReturn() {
		return RequestTypeReturn
	}
	return RequestTypeProvision
}

// MachineID is a value object for broker-internal machine identifiers. The
// provider instance id is tracked separately on the machine aggregate.
type MachineID struct {
	value string
}

// NewMachineID creates a new random MachineID.
func NewMachineID() MachineID {
	return MachineID{value: uuid.New().String()}
}

// ParseMachineID creates a MachineID from a string, validating it's a UUID.
func ParseMachineID(id string) (MachineID, error) {
	if _, err := uuid.Parse(id); err != nil {
		return MachineID{}, ErrInvalidMachineID
	}
	return MachineID{value: id}, nil
}

// String returns the string representation of the MachineID.
func (id MachineID) String() string {
	return id.value
}

// Equals checks if two MachineIDs are equal.
func (id MachineID) Equals(other MachineID) bool {
	return id.value == other.value
}

// IsEmpty checks if the MachineID is empty.
func (id MachineID) IsEmpty() bool {
	return id.value == ""
}

// TemplateID is a value object for template identifiers. Template ids come
// from operator-maintained config files, so they are validated rather than
// generated.
type TemplateID struct {
	value string
}

// NewTemplateID creates a TemplateID from a string with validation.
func NewTemplateID(id string) (TemplateID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TemplateID{}, ErrEmptyTemplateID
	}
	if !templateIDRegex.MatchString(id) {
		return TemplateID{}, ErrInvalidTemplateID
	}
	return TemplateID{value: id}, nil
}

// ParseTemplateID is an alias for NewTemplateID for consistency with other
// value objects.
func ParseTemplateID(id string) (TemplateID, error) {
	return NewTemplateID(id)
}

// String returns the string representation of the TemplateID.
func (id TemplateID) String() string {
	return id.value
}

// Equals checks if two TemplateIDs are equal.
func (id TemplateID) Equals(other TemplateID) bool {
	return id.value == other.value
}

// IsEmpty checks if the TemplateID is empty.
func (id TemplateID) IsEmpty() bool {
	return id.value == ""
}
