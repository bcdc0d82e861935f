package aws

import (
	"context"
	"sort"
	"strconv"
	"time"

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

const (
	// spotFulfillmentTimeout caps how long a provision call waits for a spot
	// fleet to reach its target before settling for what was placed.
	spotFulfillmentTimeout = 5 * time.Minute

	// defaultSpotRequestExpiryMin bounds the request lifetime when the
	// template does not set spot_fleet_request_expiry.
	defaultSpotRequestExpiryMin = 30

	providerDataSpotFleetRequestID = "spot_fleet_request_id"
)

// spotFleetHandler provisions via RequestSpotFleet. Unlike the instant fleet
// this is asynchronous: the handler submits the request, polls until the
// target capacity is active, then stops further fulfillment and adopts the
// placed instances.
type spotFleetHandler struct {
	ec2Ops
	templates    *launchTemplates
	pollInterval time.Duration
}

func newSpotFleetHandler(ops ec2Ops, templates *launchTemplates, pollInterval time.Duration) *spotFleetHandler {
	return &spotFleetHandler{ec2Ops: ops, templates: templates, pollInterval: pollInterval}
}

func (h *spotFleetHandler) Name() string { return HandlerSpotFleet }

func (h *spotFleetHandler) ProvisionInstances(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error) {
	def := req.Template
	tags := buildTags(req, h.Name())

	ltID, err := h.templates.ensure(ctx, def)
	if err != nil {
		return nil, err
	}

	sfrID, err := h.submit(ctx, def, tags, ltID, req.MachineCount)
	if isLaunchTemplateNotFound(err) {
		h.templates.invalidate(def)
		if ltID, err = h.templates.ensure(ctx, def); err != nil {
			return nil, err
		}
		sfrID, err = h.submit(ctx, def, tags, ltID, req.MachineCount)
	}
	if err != nil {
		return nil, classify(resilience.OpSpotFleetRequest, err)
	}
	h.logger.Info("spot fleet request submitted",
		zap.String("request_id", req.RequestID.String()),
		zap.String("spot_fleet_request_id", sfrID),
		zap.Int("target_capacity", req.MachineCount))

	ids, pollErr := h.awaitFulfillment(ctx, sfrID, req.MachineCount)
	if len(ids) == 0 {
		// Nothing placed; tear the request down so it cannot fulfill later.
		h.cancelRequest(ctx, sfrID, true)
		if pollErr == nil {
			pollErr = errors.ProviderTransient(errors.CodeSpotRequestFailed, "spot fleet placed no instances").
				WithOperation(resilience.OpSpotFleetRequest).
				WithResource(sfrID).
				Build()
		}
		return nil, pollErr
	}

	// Stop acquiring beyond what we are about to adopt; instances that are
	// already running stay up.
	h.cancelRequest(ctx, sfrID, false)

	if pollErr != nil {
		h.logger.Warn("spot fleet fulfilled partial capacity",
			zap.String("request_id", req.RequestID.String()),
			zap.String("spot_fleet_request_id", sfrID),
			zap.Int("requested", req.MachineCount),
			zap.Int("placed", len(ids)),
			zap.Error(pollErr))
	}

	// The launch template only carries the definition's static tags; stamp
	// the request tags onto the placed instances ourselves.
	if err := h.tagInstances(ctx, ids, tags); err != nil {
		h.logger.Warn("spot instance tagging failed",
			zap.String("spot_fleet_request_id", sfrID),
			zap.Error(err))
	}

	providerData := map[string]string{providerDataSpotFleetRequestID: sfrID}
	machines, err := h.collectMachines(ctx, req, h.Name(), tags, ids, providerData)
	if err != nil {
		return nil, err
	}
	return machines, pollErr
}

// submit issues the spot fleet request and returns its id. The raw SDK error
// comes back unclassified so the caller can detect a stale launch template.
func (h *spotFleetHandler) submit(ctx context.Context, def template.Definition, tags shared.Tags, ltID string, count int) (string, error) {
	expiry := time.Duration(def.SpotFleetRequestExpiryMin) * time.Minute
	if expiry <= 0 {
		expiry = defaultSpotRequestExpiryMin * time.Minute
	}

	cfg := &ec2types.SpotFleetRequestConfigData{
		IamFleetRole:                     sdk.String(def.FleetRole),
		TargetCapacity:                   sdk.Int32(int32(count)),
		AllocationStrategy:               spotFleetAllocationStrategy(def.AllocationStrategy),
		Type:                             ec2types.FleetTypeRequest,
		TerminateInstancesWithExpiration: sdk.Bool(true),
		ValidUntil:                       sdk.Time(time.Now().Add(expiry)),
		Context:                          contextValue(def.Context),
		LaunchTemplateConfigs: []ec2types.LaunchTemplateConfig{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecification{
				LaunchTemplateId: sdk.String(ltID),
				Version:          sdk.String(launchTemplateVersion),
			},
			Overrides: spotFleetOverrides(def),
		}},
		TagSpecifications: tagSpecs(tags, ec2types.ResourceTypeSpotFleetRequest),
	}
	if def.MaxSpotPrice > 0 {
		cfg.SpotPrice = sdk.String(strconv.FormatFloat(def.MaxSpotPrice, 'f', -1, 64))
	}
	if def.PoolsCount > 0 {
		cfg.InstancePoolsToUseCount = sdk.Int32(int32(def.PoolsCount))
	}

	out, err := resilience.Call(ctx, h.exec, resilience.OpSpotFleetRequest, func(ctx context.Context) (*ec2.RequestSpotFleetOutput, error) {
		return h.api.RequestSpotFleet(ctx, &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: cfg})
	})
	if err != nil {
		return "", err
	}
	return sdk.ToString(out.SpotFleetRequestId), nil
}

// awaitFulfillment polls the request until the target count is active, the
// request degrades, or the wait budget runs out. Whatever ids were active at
// the end are returned alongside the error so partial capacity is not lost.
func (h *spotFleetHandler) awaitFulfillment(ctx context.Context, sfrID string, count int) ([]string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, spotFulfillmentTimeout)
	defer cancel()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var ids []string
	for {
		if err := h.checkRequestState(waitCtx, sfrID); err != nil {
			return ids, err
		}

		var err error
		ids, err = h.activeInstanceIDs(waitCtx, sfrID)
		if err != nil {
			return ids, err
		}
		if len(ids) >= count {
			return ids, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ids, errors.FromContext(ctx.Err())
			}
			return ids, errors.ProviderTransient(errors.CodeCapacityUnavailable, "spot fleet did not reach target capacity").
				WithOperation(resilience.OpSpotFleetRequest).
				WithResource(sfrID).
				WithDetailsf("target %d, active %d after %s", count, len(ids), spotFulfillmentTimeout).
				Build()
		case <-ticker.C:
		}
	}
}

// checkRequestState fails fast when the request has been cancelled behind our
// back or AWS flags it as erroring.
func (h *spotFleetHandler) checkRequestState(ctx context.Context, sfrID string) error {
	out, err := resilience.Call(ctx, h.exec, "spot_fleet_describe_request", func(ctx context.Context) (*ec2.DescribeSpotFleetRequestsOutput, error) {
		return h.api.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{
			SpotFleetRequestIds: []string{sfrID},
		})
	})
	if err != nil {
		return classify("spot_fleet_describe_request", err)
	}
	if len(out.SpotFleetRequestConfigs) == 0 {
		return errors.ProviderPermanent(errors.CodeSpotRequestFailed, "spot fleet request vanished").
			WithOperation("spot_fleet_describe_request").
			WithResource(sfrID).
			Build()
	}

	cfg := out.SpotFleetRequestConfigs[0]
	switch cfg.SpotFleetRequestState {
	case ec2types.BatchStateCancelled,
		ec2types.BatchStateCancelledRunning,
		ec2types.BatchStateCancelledTerminatingInstances,
		ec2types.BatchStateFailed:
		return errors.ProviderPermanent(errors.CodeSpotRequestFailed, "spot fleet request is no longer active").
			WithOperation(resilience.OpSpotFleetRequest).
			WithResource(sfrID).
			WithDetails(string(cfg.SpotFleetRequestState)).
			Build()
	}
	if cfg.ActivityStatus == ec2types.ActivityStatusError {
		return errors.ProviderPermanent(errors.CodeSpotRequestFailed, "spot fleet request reported errors").
			WithOperation(resilience.OpSpotFleetRequest).
			WithResource(sfrID).
			WithDetails(string(cfg.ActivityStatus)).
			Build()
	}
	return nil
}

func (h *spotFleetHandler) activeInstanceIDs(ctx context.Context, sfrID string) ([]string, error) {
	var (
		ids   []string
		token *string
	)
	for {
		out, err := resilience.Call(ctx, h.exec, "spot_fleet_describe_instances", func(ctx context.Context) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			return h.api.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
				SpotFleetRequestId: sdk.String(sfrID),
				NextToken:          token,
			})
		})
		if err != nil {
			return ids, classify("spot_fleet_describe_instances", err)
		}
		for _, active := range out.ActiveInstances {
			if id := sdk.ToString(active.InstanceId); id != "" {
				ids = append(ids, id)
			}
		}
		if out.NextToken == nil {
			return ids, nil
		}
		token = out.NextToken
	}
}

// cancelRequest is best effort and survives caller cancellation; terminate
// controls whether already-placed instances die with the request.
func (h *spotFleetHandler) cancelRequest(ctx context.Context, sfrID string, terminate bool) {
	ctx = context.WithoutCancel(ctx)
	_, err := resilience.Call(ctx, h.exec, "spot_fleet_cancel", func(ctx context.Context) (*ec2.CancelSpotFleetRequestsOutput, error) {
		return h.api.CancelSpotFleetRequests(ctx, &ec2.CancelSpotFleetRequestsInput{
			SpotFleetRequestIds: []string{sfrID},
			TerminateInstances:  sdk.Bool(terminate),
		})
	})
	if err != nil {
		h.logger.Warn("spot fleet cancel failed",
			zap.String("spot_fleet_request_id", sfrID),
			zap.Bool("terminate_instances", terminate),
			zap.Error(err))
	}
}

func (h *spotFleetHandler) TerminateInstances(ctx context.Context, providerInstanceIDs []string) (bool, error) {
	return h.terminateInstances(ctx, providerInstanceIDs)
}

func (h *spotFleetHandler) GetInstanceStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error) {
	return h.instanceStatuses(ctx, providerInstanceIDs)
}

func (h *spotFleetHandler) ValidateTemplate(_ context.Context, def template.Definition) []error {
	var errs []error
	if def.FleetRole == "" {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "spot fleet requires fleet_role").
			WithResource(def.TemplateID).
			WithField("fleet_role", "required").
			Build())
	}
	if def.InstanceType == "" && len(def.InstanceTypes) == 0 {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "spot fleet requires an instance type").
			WithResource(def.TemplateID).
			WithField("instance_type", "set instance_type or instance_types").
			Build())
	}
	if def.MaxSpotPrice < 0 {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "max_spot_price cannot be negative").
			WithResource(def.TemplateID).
			WithField("max_spot_price", "must be >= 0").
			Build())
	}
	return errs
}

// spotFleetAllocationStrategy maps the template vocabulary onto the
// RequestSpotFleet enum, which uses camelCase unlike CreateFleet.
func spotFleetAllocationStrategy(s string) ec2types.AllocationStrategy {
	switch s {
	case "", "priceCapacityOptimized", "price-capacity-optimized":
		return ec2types.AllocationStrategyPriceCapacityOptimized
	case "lowestPrice", "lowest-price":
		return ec2types.AllocationStrategyLowestPrice
	case "capacityOptimized", "capacity-optimized":
		return ec2types.AllocationStrategyCapacityOptimized
	case "capacityOptimizedPrioritized", "capacity-optimized-prioritized":
		return ec2types.AllocationStrategyCapacityOptimizedPrioritized
	case "diversified":
		return ec2types.AllocationStrategyDiversified
	default:
		return ec2types.AllocationStrategy(s)
	}
}

// spotFleetOverrides crosses subnets with the spot type mix only; the
// on-demand mix is a fleet handler concern.
func spotFleetOverrides(def template.Definition) []ec2types.LaunchTemplateOverrides {
	weights := make(map[string]int, len(def.InstanceTypes))
	for name, weight := range def.InstanceTypes {
		weights[name] = weight
	}
	if len(weights) == 0 && def.InstanceType != "" {
		weights[def.InstanceType] = 0
	}
	names := lo.Keys(weights)
	sort.Strings(names)

	subnets := append([]string(nil), def.SubnetIDs...)
	sort.Strings(subnets)

	overrides := make([]ec2types.LaunchTemplateOverrides, 0, len(subnets)*len(names))
	for _, subnet := range subnets {
		for _, name := range names {
			override := ec2types.LaunchTemplateOverrides{
				InstanceType: ec2types.InstanceType(name),
				SubnetId:     sdk.String(subnet),
			}
			if weights[name] > 0 {
				override.WeightedCapacity = sdk.Float64(float64(weights[name]))
			}
			overrides = append(overrides, override)
		}
	}
	return overrides
}
