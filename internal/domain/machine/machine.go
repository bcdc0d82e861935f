// Package machine contains the machine aggregate: one provider instance
// tracked from allocation to termination. Machines are created by a
// provisioning handler, updated by status polling or provider callbacks, and
// become immutable once TERMINATED or FAILED.
package machine

import (
	"time"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
)

// Status is the lifecycle state of a machine.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusStopping   Status = "STOPPING"
	StatusTerminated Status = "TERMINATED"
	StatusFailed     Status = "FAILED"
	StatusUnknown    Status = "UNKNOWN"
)

// IsTerminal reports whether the machine record is immutable.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// machineTransitions is the allowed transition table. PENDING → PENDING
// absorbs repeated provider "pending" reports without an event.
var machineTransitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusRunning, StatusFailed, StatusUnknown},
	StatusRunning:    {StatusStopping, StatusFailed, StatusUnknown},
	StatusStopping:   {StatusTerminated, StatusFailed, StatusUnknown},
	StatusUnknown:    {StatusRunning, StatusTerminated, StatusFailed},
	StatusTerminated: {},
	StatusFailed:     {},
}

// CanTransition reports whether from → to is a legal machine transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range machineTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine is the aggregate for one provider instance.
type Machine struct {
	shared.AggregateBase

	machineID          shared.MachineID
	providerInstanceID string
	requestID          shared.RequestID
	templateID         shared.TemplateID
	status             Status

	instanceType string
	privateIP    string
	publicIP     string
	launchTime   *time.Time

	providerData    map[string]string
	tags            shared.Tags
	message         string
	returnRequested bool

	missedPolls int
	createdAt   time.Time
	updatedAt   time.Time
}

// New allocates a machine record for a request. The machine starts PENDING
// with no provider instance attached.
func New(requestID shared.RequestID, templateID shared.TemplateID, instanceType string, tags shared.Tags) (*Machine, error) {
	if requestID.IsEmpty() {
		return nil, errors.Validation(errors.CodeMachineInvalid, "machine requires an owning request").
			WithField("request_id", "required").
			Build()
	}
	if tags == nil {
		tags = shared.NewTags()
	}

	now := time.Now()
	id := shared.NewMachineID()
	m := &Machine{
		AggregateBase: shared.NewAggregateBase(id.String()),
		machineID:     id,
		requestID:     requestID,
		templateID:    templateID,
		status:        StatusPending,
		instanceType:  instanceType,
		providerData:  make(map[string]string),
		tags:          tags,
		createdAt:     now,
		updatedAt:     now,
	}
	m.AddEvent(NewMachineCreatedEvent(id, requestID.String(), templateID.String(), m.Version()))
	return m, nil
}

// guardMutable rejects changes to terminal machines.
func (m *Machine) guardMutable() error {
	if m.status.IsTerminal() {
		return errors.Conflict(errors.CodeIllegalTransition, "machine is in a terminal state").
			WithResource(m.machineID.String()).
			WithDetailsf("status %s is immutable", m.status).
			Build()
	}
	return nil
}

// transition moves the machine to a new status or fails with a Conflict.
func (m *Machine) transition(to Status) error {
	if err := m.guardMutable(); err != nil {
		return err
	}
	if !CanTransition(m.status, to) {
		return errors.Conflict(errors.CodeIllegalTransition, "illegal machine transition").
			WithResource(m.machineID.String()).
			WithDetailsf("%s -> %s is not allowed", m.status, to).
			Build()
	}
	m.status = to
	m.updatedAt = time.Now()
	return nil
}

// AttachProviderInstance binds the opaque provider instance id. It must be
// called before the machine leaves PENDING and may only happen once.
func (m *Machine) AttachProviderInstance(providerInstanceID string, launchTime time.Time) error {
	if err := m.guardMutable(); err != nil {
		return err
	}
	if providerInstanceID == "" {
		return errors.Validation(errors.CodeMachineInvalid, "provider instance id cannot be empty").
			WithResource(m.machineID.String()).
			Build()
	}
	if m.providerInstanceID != "" {
		return errors.Conflict(errors.CodeMachineInvalid, "provider instance already attached").
			WithResource(m.machineID.String()).
			WithDetailsf("existing instance %s", m.providerInstanceID).
			Build()
	}
	m.providerInstanceID = providerInstanceID
	m.launchTime = &launchTime
	m.updatedAt = time.Now()
	m.AddEvent(NewMachineLaunchedEvent(m.machineID, providerInstanceID, m.Version()))
	return nil
}

// ReportPending absorbs a provider "pending" report. Resets the missed-poll
// counter; no event since the state did not change.
func (m *Machine) ReportPending() error {
	if err := m.transition(StatusPending); err != nil {
		return err
	}
	m.missedPolls = 0
	return nil
}

// ReportRunning records that the provider reports the instance running.
// Requires the provider instance to be attached first. Repeated running
// reports refresh the network info without emitting an event.
func (m *Machine) ReportRunning(privateIP, publicIP string) error {
	if m.providerInstanceID == "" {
		return errors.Conflict(errors.CodeMachineInvalid, "machine cannot run without a provider instance").
			WithResource(m.machineID.String()).
			Build()
	}
	if m.status == StatusRunning {
		m.privateIP = privateIP
		m.publicIP = publicIP
		m.missedPolls = 0
		m.updatedAt = time.Now()
		return nil
	}
	prev := m.status
	if err := m.transition(StatusRunning); err != nil {
		return err
	}
	m.privateIP = privateIP
	m.publicIP = publicIP
	m.missedPolls = 0
	m.AddEvent(NewMachineStatusChangedEvent(m.machineID, prev, StatusRunning, m.Version()))
	return nil
}

// RequestReturn moves a running machine to STOPPING when a return request
// targets it. The machine remembers the return so a later termination settles
// its provision request as fulfilled rather than failed.
func (m *Machine) RequestReturn() error {
	prev := m.status
	if err := m.transition(StatusStopping); err != nil {
		return err
	}
	m.returnRequested = true
	m.AddEvent(NewMachineStatusChangedEvent(m.machineID, prev, StatusStopping, m.Version()))
	return nil
}

// ReportStopping records a provider-observed stop that no return request
// asked for, e.g. a spot reclaim in flight.
func (m *Machine) ReportStopping() error {
	prev := m.status
	if err := m.transition(StatusStopping); err != nil {
		return err
	}
	m.AddEvent(NewMachineStatusChangedEvent(m.machineID, prev, StatusStopping, m.Version()))
	return nil
}

// ReportTerminated finalizes the machine after the provider confirms
// termination (or confirms the instance no longer exists).
func (m *Machine) ReportTerminated() error {
	prev := m.status
	if err := m.transition(StatusTerminated); err != nil {
		return err
	}
	m.missedPolls = 0
	m.AddEvent(NewMachineStatusChangedEvent(m.machineID, prev, StatusTerminated, m.Version()))
	return nil
}

// ReportFailed records a provider-reported failure from any non-terminal
// state.
func (m *Machine) ReportFailed(reason string) error {
	prev := m.status
	if err := m.transition(StatusFailed); err != nil {
		return err
	}
	m.message = reason
	m.AddEvent(NewMachineFailedEvent(m.machineID, prev, reason, m.Version()))
	return nil
}

// RecordMissedPoll counts a poll where the provider could not find the
// instance. Once the count exceeds threshold the machine moves to UNKNOWN.
// Returns true when the transition happened.
func (m *Machine) RecordMissedPoll(threshold int) (bool, error) {
	if err := m.guardMutable(); err != nil {
		return false, err
	}
	m.missedPolls++
	m.updatedAt = time.Now()
	if m.status == StatusUnknown || m.missedPolls <= threshold {
		return false, nil
	}
	prev := m.status
	if err := m.transition(StatusUnknown); err != nil {
		return false, err
	}
	m.AddEvent(NewMachineStatusChangedEvent(m.machineID, prev, StatusUnknown, m.Version()))
	return true, nil
}

// SetProviderData stores an opaque provider-side key, e.g. fleet id or
// scaling group name.
func (m *Machine) SetProviderData(key, value string) error {
	if err := m.guardMutable(); err != nil {
		return err
	}
	m.providerData[key] = value
	m.updatedAt = time.Now()
	return nil
}

// ValidateInvariants checks the structural rules of the aggregate.
func (m *Machine) ValidateInvariants() error {
	if m.requestID.IsEmpty() {
		return errors.Internal(errors.CodeInternalError, "machine has no owning request").
			WithResource(m.machineID.String()).
			Build()
	}
	if m.status != StatusPending && m.status != StatusFailed && m.providerInstanceID == "" {
		return errors.Internal(errors.CodeInternalError, "provider instance must be set before leaving PENDING").
			WithResource(m.machineID.String()).
			WithDetailsf("status is %s", m.status).
			Build()
	}
	return nil
}

// MachineID returns the broker-internal identifier.
func (m *Machine) MachineID() shared.MachineID {
	return m.machineID
}

// ProviderInstanceID returns the opaque provider identifier, if attached.
func (m *Machine) ProviderInstanceID() string {
	return m.providerInstanceID
}

// RequestID returns the owning request.
func (m *Machine) RequestID() shared.RequestID {
	return m.requestID
}

// TemplateID returns the template the machine was provisioned from.
func (m *Machine) TemplateID() shared.TemplateID {
	return m.templateID
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	return m.status
}

// IsTerminal reports whether the machine record is immutable.
func (m *Machine) IsTerminal() bool {
	return m.status.IsTerminal()
}

// InstanceType returns the provider instance type.
func (m *Machine) InstanceType() string {
	return m.instanceType
}

// PrivateIP returns the private address, if known.
func (m *Machine) PrivateIP() string {
	return m.privateIP
}

// PublicIP returns the public address, if known.
func (m *Machine) PublicIP() string {
	return m.publicIP
}

// LaunchTime returns when the provider launched the instance, if known.
func (m *Machine) LaunchTime() *time.Time {
	return m.launchTime
}

// ProviderData returns the opaque provider-side metadata.
func (m *Machine) ProviderData() map[string]string {
	out := make(map[string]string, len(m.providerData))
	for k, v := range m.providerData {
		out[k] = v
	}
	return out
}

// Tags returns the machine tags.
func (m *Machine) Tags() shared.Tags {
	return m.tags
}

// Message returns the failure reason, if the machine failed.
func (m *Machine) Message() string {
	return m.message
}

// ReturnRequested reports whether a return request has targeted this machine.
func (m *Machine) ReturnRequested() bool {
	return m.returnRequested
}

// MissedPolls returns the consecutive missing-lookup count.
func (m *Machine) MissedPolls() int {
	return m.missedPolls
}

// CreatedAt returns the allocation time.
func (m *Machine) CreatedAt() time.Time {
	return m.createdAt
}

// UpdatedAt returns the last mutation time.
func (m *Machine) UpdatedAt() time.Time {
	return m.updatedAt
}
