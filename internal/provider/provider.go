// Package provider defines the provider strategy port and the context that
// owns every registered strategy. The context selects one strategy per
// operation using a configurable policy, tracks per-strategy health and
// rolling metrics, enforces an active-operation cap, and fails over to the
// next candidate when a strategy fails retryably.
package provider

import (
	"context"
	"time"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
)

// InstanceState is the provider-reported lifecycle state of one instance.
// States map onto the machine aggregate's transitions; NotFound marks a poll
// where the provider no longer knows the instance.
type InstanceState string

const (
	InstanceStatePending    InstanceState = "pending"
	InstanceStateRunning    InstanceState = "running"
	InstanceStateStopping   InstanceState = "stopping"
	InstanceStateTerminated InstanceState = "terminated"
	InstanceStateFailed     InstanceState = "failed"
	InstanceStateNotFound   InstanceState = "not_found"
)

// InstanceStatus is one instance's provider-side observation. IPs and launch
// time are filled when the provider reports them.
type InstanceStatus struct {
	ProviderInstanceID string
	State              InstanceState
	PrivateIP          string
	PublicIP           string
	InstanceType       string
	LaunchTime         *time.Time
	Message            string
}

// ProvisionRequest is the strategy-facing shape of a provisioning operation:
// the resolved template plus the count and identity of the owning request.
type ProvisionRequest struct {
	RequestID    shared.RequestID
	Template     template.Definition
	MachineCount int
	Tags         shared.Tags
}

// Strategy is the port one cloud provider implements. ProvisionMachines
// returns machine aggregates with their provider instances attached; the
// caller persists them. TerminateMachines reports true only when every id was
// confirmed terminated or no longer exists. Implementations apply their own
// resilience (retry, circuit breaker, timeouts) internally so the caller sees
// only the final outcome.
type Strategy interface {
	Name() string
	ProviderType() string

	ProvisionMachines(ctx context.Context, req ProvisionRequest) ([]*machine.Machine, error)
	TerminateMachines(ctx context.Context, providerInstanceIDs []string) (bool, error)
	GetMachineStatus(ctx context.Context, providerInstanceIDs []string) (map[string]InstanceStatus, error)
	ValidateTemplate(ctx context.Context, def template.Definition) []error
	AvailableTemplates(ctx context.Context) ([]template.Definition, error)
	HealthCheck(ctx context.Context) error
}
