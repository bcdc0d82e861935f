package aws

import (
	"context"
	"time"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

// Handler names, recorded in machine provider data and the Handler tag.
const (
	HandlerRunInstances     = "RunInstances"
	HandlerEC2Fleet         = "EC2Fleet"
	HandlerSpotFleet        = "SpotFleet"
	HandlerAutoScalingGroup = "AutoScalingGroup"
)

// Handler is one provisioning mechanism inside the AWS strategy. All four
// implementations share this contract; the factory picks one per template.
// ProvisionInstances may return machines alongside an error when a launch
// partially succeeded; the caller keeps those machines tracked.
type Handler interface {
	Name() string
	ProvisionInstances(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error)
	TerminateInstances(ctx context.Context, providerInstanceIDs []string) (bool, error)
	GetInstanceStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error)
	ValidateTemplate(ctx context.Context, def template.Definition) []error
}

// handlerFactory owns the four handlers and selects by template attributes.
type handlerFactory struct {
	runInstances *runInstancesHandler
	ec2Fleet     *ec2FleetHandler
	spotFleet    *spotFleetHandler
	autoScaling  *autoScalingHandler
}

// newHandlerFactory builds the four handlers over shared clients. maxPerCall
// bounds RunInstances batches; pollInterval paces the spot and scaling group
// fulfillment loops.
func newHandlerFactory(ops ec2Ops, asgAPI AutoScalingAPI, asgExec *resilience.Executor, maxPerCall int, pollInterval time.Duration) *handlerFactory {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	templates := newLaunchTemplates(ops.api, ops.exec, ops.logger)
	return &handlerFactory{
		runInstances: newRunInstancesHandler(ops, maxPerCall),
		ec2Fleet:     newEC2FleetHandler(ops, templates),
		spotFleet:    newSpotFleetHandler(ops, templates, pollInterval),
		autoScaling:  newAutoScalingHandler(ops, asgAPI, asgExec, templates, pollInterval),
	}
}

// ForTemplate picks the provisioning mechanism. Spot templates go to the
// spot fleet; the auto-scaling flag wins next; fleet is the default unless
// the template opts out, which leaves plain RunInstances.
func (f *handlerFactory) ForTemplate(def template.Definition) Handler {
	switch {
	case def.UsesSpot():
		return f.spotFleet
	case def.UsesAutoScaling():
		return f.autoScaling
	case def.UsesFleet():
		return f.ec2Fleet
	default:
		return f.runInstances
	}
}
