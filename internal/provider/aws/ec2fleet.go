package aws

import (
	"context"
	"sort"
	"strconv"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

// providerDataFleetID keys the originating fleet id in machine provider data.
const providerDataFleetID = "fleet_id"

// ec2FleetHandler provisions through CreateFleet of type instant: one
// synchronous call that places capacity across the template's subnets and
// instance type mix, splitting spot and on-demand per the template.
type ec2FleetHandler struct {
	ec2Ops
	templates *launchTemplates
}

func newEC2FleetHandler(ops ec2Ops, templates *launchTemplates) *ec2FleetHandler {
	return &ec2FleetHandler{ec2Ops: ops, templates: templates}
}

func (h *ec2FleetHandler) Name() string { return HandlerEC2Fleet }

func (h *ec2FleetHandler) ProvisionInstances(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error) {
	def := req.Template
	tags := buildTags(req, h.Name())

	ltID, err := h.templates.ensure(ctx, def)
	if err != nil {
		return nil, err
	}

	out, err := h.createFleet(ctx, def, tags, ltID, req.MachineCount)
	if isLaunchTemplateNotFound(err) {
		// The cached launch template was deleted out from under us.
		// Rebuild it and retry the fleet once.
		h.templates.invalidate(def)
		if ltID, err = h.templates.ensure(ctx, def); err != nil {
			return nil, err
		}
		out, err = h.createFleet(ctx, def, tags, ltID, req.MachineCount)
	}
	if err != nil {
		return nil, classify(resilience.OpCreateFleet, err)
	}

	ids := fleetInstanceIDs(out)
	if len(ids) == 0 {
		return nil, fleetError(resilience.OpCreateFleet, out.Errors)
	}

	var launchErr error
	if len(ids) < req.MachineCount {
		launchErr = errors.ProviderTransient(errors.CodeCapacityUnavailable, "fleet fulfilled partial capacity").
			WithOperation(resilience.OpCreateFleet).
			WithDetailsf("requested %d instances, launched %d", req.MachineCount, len(ids)).
			WithCause(fleetError(resilience.OpCreateFleet, out.Errors)).
			Build()
		h.logger.Warn("fleet fulfilled partial capacity",
			zap.String("request_id", req.RequestID.String()),
			zap.String("fleet_id", sdk.ToString(out.FleetId)),
			zap.Int("requested", req.MachineCount),
			zap.Int("launched", len(ids)))
	}

	providerData := map[string]string{}
	if fleetID := sdk.ToString(out.FleetId); fleetID != "" {
		providerData[providerDataFleetID] = fleetID
	}
	machines, err := h.collectMachines(ctx, req, h.Name(), tags, ids, providerData)
	if err != nil {
		return nil, err
	}
	return machines, launchErr
}

// createFleet issues one instant fleet request. The raw SDK error is returned
// unclassified so the caller can detect a stale launch template.
func (h *ec2FleetHandler) createFleet(ctx context.Context, def template.Definition, tags shared.Tags, ltID string, count int) (*ec2.CreateFleetOutput, error) {
	capacity := fleetTargetCapacity(def, count)
	input := &ec2.CreateFleetInput{
		Type:                        ec2types.FleetTypeInstant,
		Context:                     contextValue(def.Context),
		TargetCapacitySpecification: capacity,
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateId: sdk.String(ltID),
				Version:          sdk.String(launchTemplateVersion),
			},
			Overrides: fleetOverrides(def),
		}},
		TagSpecifications: tagSpecs(tags,
			ec2types.ResourceTypeInstance,
			ec2types.ResourceTypeVolume,
			ec2types.ResourceTypeFleet),
	}
	if capacity.DefaultTargetCapacityType == ec2types.DefaultTargetCapacityTypeSpot {
		input.SpotOptions = &ec2types.SpotOptionsRequest{
			AllocationStrategy: fleetSpotAllocationStrategy(def.AllocationStrategy),
		}
		if def.PoolsCount > 0 {
			input.SpotOptions.InstancePoolsToUseCount = sdk.Int32(int32(def.PoolsCount))
		}
	}
	if capacity.DefaultTargetCapacityType == ec2types.DefaultTargetCapacityTypeOnDemand ||
		sdk.ToInt32(capacity.OnDemandTargetCapacity) > 0 {
		input.OnDemandOptions = &ec2types.OnDemandOptionsRequest{
			AllocationStrategy: fleetOnDemandAllocationStrategy(def.AllocationStrategyOnDemand),
		}
	}

	return resilience.Call(ctx, h.exec, resilience.OpCreateFleet, func(ctx context.Context) (*ec2.CreateFleetOutput, error) {
		return h.api.CreateFleet(ctx, input)
	})
}

func (h *ec2FleetHandler) TerminateInstances(ctx context.Context, providerInstanceIDs []string) (bool, error) {
	return h.terminateInstances(ctx, providerInstanceIDs)
}

func (h *ec2FleetHandler) GetInstanceStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error) {
	return h.instanceStatuses(ctx, providerInstanceIDs)
}

func (h *ec2FleetHandler) ValidateTemplate(_ context.Context, def template.Definition) []error {
	var errs []error
	if def.InstanceType == "" && len(def.InstanceTypes) == 0 && len(def.InstanceTypesOnDemand) == 0 {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "fleet requires an instance type mix").
			WithResource(def.TemplateID).
			WithField("instance_types", "at least one of instance_type, instance_types, instance_types_ondemand").
			Build())
	}
	if def.PercentOnDemand != nil && (*def.PercentOnDemand < 0 || *def.PercentOnDemand > 100) {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "percent_on_demand out of range").
			WithResource(def.TemplateID).
			WithField("percent_on_demand", "must be between 0 and 100").
			Build())
	}
	return errs
}

// fleetTargetCapacity splits the requested count between spot and on-demand.
// A heterogeneous template with percent_on_demand carves that share out as
// on-demand and defaults the rest to spot; one that only lists on-demand
// types runs entirely on-demand.
func fleetTargetCapacity(def template.Definition, count int) *ec2types.TargetCapacitySpecificationRequest {
	capacity := &ec2types.TargetCapacitySpecificationRequest{
		TotalTargetCapacity: sdk.Int32(int32(count)),
	}
	switch {
	case def.PriceType == template.PriceTypeHeterogeneous && def.PercentOnDemand != nil:
		onDemand := (count**def.PercentOnDemand + 99) / 100
		if onDemand > count {
			onDemand = count
		}
		capacity.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeSpot
		capacity.OnDemandTargetCapacity = sdk.Int32(int32(onDemand))
	case def.PriceType == template.PriceTypeHeterogeneous && len(def.InstanceTypes) > 0:
		capacity.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeSpot
	default:
		capacity.DefaultTargetCapacityType = ec2types.DefaultTargetCapacityTypeOnDemand
	}
	return capacity
}

// fleetOverrides crosses the template's subnets with its instance type mix.
// Sorted order keeps requests reproducible for the same definition.
func fleetOverrides(def template.Definition) []ec2types.FleetLaunchTemplateOverridesRequest {
	types := weightedTypes(def)
	subnets := append([]string(nil), def.SubnetIDs...)
	sort.Strings(subnets)

	var maxPrice *string
	if def.MaxSpotPrice > 0 {
		maxPrice = sdk.String(strconv.FormatFloat(def.MaxSpotPrice, 'f', -1, 64))
	}

	overrides := make([]ec2types.FleetLaunchTemplateOverridesRequest, 0, len(subnets)*len(types))
	for _, subnet := range subnets {
		for _, wt := range types {
			override := ec2types.FleetLaunchTemplateOverridesRequest{
				InstanceType: ec2types.InstanceType(wt.name),
				SubnetId:     sdk.String(subnet),
				MaxPrice:     maxPrice,
			}
			if wt.weight > 0 {
				override.WeightedCapacity = sdk.Float64(float64(wt.weight))
			}
			overrides = append(overrides, override)
		}
	}
	return overrides
}

type weightedType struct {
	name   string
	weight int
}

// weightedTypes merges the spot and on-demand mixes; a type listed in both
// keeps the larger weight. A plain instance_type template yields one
// unweighted entry.
func weightedTypes(def template.Definition) []weightedType {
	merged := make(map[string]int, len(def.InstanceTypes)+len(def.InstanceTypesOnDemand))
	for name, weight := range def.InstanceTypes {
		merged[name] = weight
	}
	for name, weight := range def.InstanceTypesOnDemand {
		if current, ok := merged[name]; !ok || weight > current {
			merged[name] = weight
		}
	}
	if len(merged) == 0 && def.InstanceType != "" {
		merged[def.InstanceType] = 0
	}

	names := lo.Keys(merged)
	sort.Strings(names)
	out := make([]weightedType, 0, len(names))
	for _, name := range names {
		out = append(out, weightedType{name: name, weight: merged[name]})
	}
	return out
}

// fleetSpotAllocationStrategy maps the template vocabulary (camelCase, shared
// with spot fleet) onto the kebab-case CreateFleet enum.
func fleetSpotAllocationStrategy(s string) ec2types.SpotAllocationStrategy {
	switch s {
	case "", "priceCapacityOptimized", "price-capacity-optimized":
		return ec2types.SpotAllocationStrategyPriceCapacityOptimized
	case "lowestPrice", "lowest-price":
		return ec2types.SpotAllocationStrategyLowestPrice
	case "capacityOptimized", "capacity-optimized":
		return ec2types.SpotAllocationStrategyCapacityOptimized
	case "capacityOptimizedPrioritized", "capacity-optimized-prioritized":
		return ec2types.SpotAllocationStrategyCapacityOptimizedPrioritized
	case "diversified":
		return ec2types.SpotAllocationStrategyDiversified
	default:
		return ec2types.SpotAllocationStrategy(s)
	}
}

func fleetOnDemandAllocationStrategy(s string) ec2types.FleetOnDemandAllocationStrategy {
	switch s {
	case "", "lowestPrice", "lowest-price":
		return ec2types.FleetOnDemandAllocationStrategyLowestPrice
	case "prioritized":
		return ec2types.FleetOnDemandAllocationStrategyPrioritized
	default:
		return ec2types.FleetOnDemandAllocationStrategy(s)
	}
}

func fleetInstanceIDs(out *ec2.CreateFleetOutput) []string {
	var ids []string
	for _, inst := range out.Instances {
		ids = append(ids, inst.InstanceIds...)
	}
	return ids
}
