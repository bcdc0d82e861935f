package aws

import (
	"context"
	"sort"
	"strings"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

const (
	// scalingGroupReadyTimeout caps how long a provision call waits for the
	// group to bring its instances in service.
	scalingGroupReadyTimeout = 5 * time.Minute

	// asgDescribeBatchSize is the DescribeAutoScalingInstances id cap.
	asgDescribeBatchSize = 50

	providerDataScalingGroup = "autoscaling_group"
)

// autoScalingHandler provisions through a per-request auto scaling group:
// ensure a launch template, create the group sized to the request, and adopt
// instances as they come in service. Termination decrements the group so it
// does not replace what we removed.
type autoScalingHandler struct {
	ec2Ops
	asg          AutoScalingAPI
	asgExec      *resilience.Executor
	templates    *launchTemplates
	pollInterval time.Duration
}

func newAutoScalingHandler(ops ec2Ops, asg AutoScalingAPI, asgExec *resilience.Executor, templates *launchTemplates, pollInterval time.Duration) *autoScalingHandler {
	return &autoScalingHandler{
		ec2Ops:       ops,
		asg:          asg,
		asgExec:      asgExec,
		templates:    templates,
		pollInterval: pollInterval,
	}
}

func (h *autoScalingHandler) Name() string { return HandlerAutoScalingGroup }

// asgGroupName derives the group name from the request id, so retrying the
// same request reuses the same group instead of creating a second one.
func asgGroupName(requestID shared.RequestID) string {
	return "hostbroker-" + requestID.String()
}

func (h *autoScalingHandler) ProvisionInstances(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error) {
	def := req.Template
	tags := buildTags(req, h.Name())
	groupName := asgGroupName(req.RequestID)

	ltID, err := h.templates.ensure(ctx, def)
	if err != nil {
		return nil, err
	}

	err = h.createGroup(ctx, def, tags, ltID, groupName, req.MachineCount)
	if isLaunchTemplateNotFound(err) {
		h.templates.invalidate(def)
		if ltID, err = h.templates.ensure(ctx, def); err != nil {
			return nil, err
		}
		err = h.createGroup(ctx, def, tags, ltID, groupName, req.MachineCount)
	}
	switch {
	case err == nil:
	case isAlreadyExists(err):
		// A previous attempt for this request already created the group;
		// fall through to polling it.
		h.logger.Info("auto scaling group already exists, adopting",
			zap.String("request_id", req.RequestID.String()),
			zap.String("group", groupName))
	default:
		return nil, classify(resilience.OpCreateScalingGrp, err)
	}

	ids, pollErr := h.awaitInService(ctx, groupName, req.MachineCount)
	if len(ids) == 0 {
		// Nothing came up; remove the group so it stops trying.
		h.deleteGroup(ctx, groupName, true)
		if pollErr == nil {
			pollErr = errors.ProviderTransient(errors.CodeScalingGroupFailed, "auto scaling group brought no instances in service").
				WithOperation(resilience.OpCreateScalingGrp).
				WithResource(groupName).
				Build()
		}
		return nil, pollErr
	}

	if pollErr != nil {
		// Freeze the group at what we are adopting so it does not keep
		// launching capacity nobody tracks.
		h.shrinkGroup(ctx, groupName, len(ids))
		h.logger.Warn("auto scaling group fulfilled partial capacity",
			zap.String("request_id", req.RequestID.String()),
			zap.String("group", groupName),
			zap.Int("requested", req.MachineCount),
			zap.Int("in_service", len(ids)),
			zap.Error(pollErr))
	}

	providerData := map[string]string{providerDataScalingGroup: groupName}
	machines, err := h.collectMachines(ctx, req, h.Name(), tags, ids, providerData)
	if err != nil {
		return nil, err
	}
	return machines, pollErr
}

// createGroup issues the CreateAutoScalingGroup call. The raw SDK error is
// returned unclassified so callers can detect stale launch templates and
// already-existing groups.
func (h *autoScalingHandler) createGroup(ctx context.Context, def template.Definition, tags shared.Tags, ltID, groupName string, count int) error {
	subnets := append([]string(nil), def.SubnetIDs...)
	sort.Strings(subnets)

	input := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: sdk.String(groupName),
		MinSize:              sdk.Int32(0),
		MaxSize:              sdk.Int32(int32(count)),
		DesiredCapacity:      sdk.Int32(int32(count)),
		VPCZoneIdentifier:    sdk.String(strings.Join(subnets, ",")),
		Context:              contextValue(def.Context),
		Tags:                 asgTags(groupName, tags),
		LaunchTemplate: &astypes.LaunchTemplateSpecification{
			LaunchTemplateId: sdk.String(ltID),
			Version:          sdk.String(launchTemplateVersion),
		},
	}

	_, err := resilience.Call(ctx, h.asgExec, resilience.OpCreateScalingGrp, func(ctx context.Context) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		return h.asg.CreateAutoScalingGroup(ctx, input)
	})
	return err
}

// awaitInService polls the group until the requested count is in service,
// the group disappears, or the wait budget runs out. Ids collected so far
// come back alongside the error.
func (h *autoScalingHandler) awaitInService(ctx context.Context, groupName string, count int) ([]string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, scalingGroupReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var ids []string
	for {
		group, err := h.describeGroup(waitCtx, groupName)
		if err != nil {
			return ids, err
		}
		if group == nil {
			return ids, errors.ProviderPermanent(errors.CodeScalingGroupFailed, "auto scaling group vanished").
				WithOperation(resilience.OpCreateScalingGrp).
				WithResource(groupName).
				Build()
		}

		ids = ids[:0]
		for _, inst := range group.Instances {
			if inst.LifecycleState == astypes.LifecycleStateInService {
				ids = append(ids, sdk.ToString(inst.InstanceId))
			}
		}
		if len(ids) >= count {
			return ids, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ids, errors.FromContext(ctx.Err())
			}
			return ids, errors.ProviderTransient(errors.CodeCapacityUnavailable, "auto scaling group did not reach target capacity").
				WithOperation(resilience.OpCreateScalingGrp).
				WithResource(groupName).
				WithDetailsf("target %d, in service %d after %s", count, len(ids), scalingGroupReadyTimeout).
				Build()
		case <-ticker.C:
		}
	}
}

// describeGroup returns nil when the group does not exist.
func (h *autoScalingHandler) describeGroup(ctx context.Context, groupName string) (*astypes.AutoScalingGroup, error) {
	out, err := resilience.Call(ctx, h.asgExec, "autoscaling_describe_groups", func(ctx context.Context) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		return h.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{groupName},
		})
	})
	if err != nil {
		return nil, classify("autoscaling_describe_groups", err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, nil
	}
	return &out.AutoScalingGroups[0], nil
}

// shrinkGroup freezes the group at size; best effort.
func (h *autoScalingHandler) shrinkGroup(ctx context.Context, groupName string, size int) {
	ctx = context.WithoutCancel(ctx)
	_, err := resilience.Call(ctx, h.asgExec, "autoscaling_update_group", func(ctx context.Context) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		return h.asg.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: sdk.String(groupName),
			MinSize:              sdk.Int32(0),
			MaxSize:              sdk.Int32(int32(size)),
			DesiredCapacity:      sdk.Int32(int32(size)),
		})
	})
	if err != nil {
		h.logger.Warn("auto scaling group shrink failed",
			zap.String("group", groupName),
			zap.Int("size", size),
			zap.Error(err))
	}
}

// deleteGroup removes the group; best effort, survives caller cancellation.
func (h *autoScalingHandler) deleteGroup(ctx context.Context, groupName string, force bool) {
	ctx = context.WithoutCancel(ctx)
	_, err := resilience.Call(ctx, h.asgExec, "autoscaling_delete_group", func(ctx context.Context) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
		return h.asg.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
			AutoScalingGroupName: sdk.String(groupName),
			ForceDelete:          sdk.Bool(force),
		})
	})
	if err != nil && !isNotFound(err) {
		h.logger.Warn("auto scaling group delete failed",
			zap.String("group", groupName),
			zap.Bool("force", force),
			zap.Error(err))
	}
}

// TerminateInstances routes each id through its owning group when there is
// one, decrementing desired capacity so the group does not replace the
// instance; ids outside any group fall back to a plain EC2 terminate.
func (h *autoScalingHandler) TerminateInstances(ctx context.Context, providerInstanceIDs []string) (bool, error) {
	membership, err := h.groupMembership(ctx, providerInstanceIDs)
	if err != nil {
		return false, err
	}

	var (
		plain    []string
		affected = make(map[string]struct{})
		combined error
		gone     = true
	)
	for _, id := range providerInstanceIDs {
		groupName, ok := membership[id]
		if !ok || groupName == "" {
			plain = append(plain, id)
			continue
		}
		if err := h.terminateInGroup(ctx, id); err != nil {
			if isValidationError(err) || errors.IsNotFound(classify("autoscaling_terminate_instance", err)) {
				// Left the group between the describe and the terminate.
				plain = append(plain, id)
				continue
			}
			combined = multierr.Append(combined, classify("autoscaling_terminate_instance", err))
			gone = false
			continue
		}
		affected[groupName] = struct{}{}
	}

	if len(plain) > 0 {
		plainGone, err := h.terminateInstances(ctx, plain)
		if err != nil {
			combined = multierr.Append(combined, err)
		}
		gone = gone && plainGone && err == nil
	}

	h.sweepEmptyGroups(ctx, affected)
	return gone && combined == nil, combined
}

// groupMembership maps instance ids to their auto scaling group. Ids not
// managed by any group are absent from the result.
func (h *autoScalingHandler) groupMembership(ctx context.Context, ids []string) (map[string]string, error) {
	membership := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += asgDescribeBatchSize {
		batch := ids[start:min(start+asgDescribeBatchSize, len(ids))]
		out, err := resilience.Call(ctx, h.asgExec, "autoscaling_describe_instances", func(ctx context.Context) (*autoscaling.DescribeAutoScalingInstancesOutput, error) {
			return h.asg.DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
				InstanceIds: batch,
			})
		})
		if err != nil {
			return nil, classify("autoscaling_describe_instances", err)
		}
		for _, detail := range out.AutoScalingInstances {
			membership[sdk.ToString(detail.InstanceId)] = sdk.ToString(detail.AutoScalingGroupName)
		}
	}
	return membership, nil
}

func (h *autoScalingHandler) terminateInGroup(ctx context.Context, id string) error {
	_, err := resilience.Call(ctx, h.asgExec, "autoscaling_terminate_instance", func(ctx context.Context) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
		return h.asg.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
			InstanceId:                     sdk.String(id),
			ShouldDecrementDesiredCapacity: sdk.Bool(true),
		})
	})
	return err
}

// sweepEmptyGroups deletes groups our terminations drained to zero so they
// do not accumulate. Groups still scaling stay; the next return sweeps them.
func (h *autoScalingHandler) sweepEmptyGroups(ctx context.Context, groups map[string]struct{}) {
	for groupName := range groups {
		group, err := h.describeGroup(ctx, groupName)
		if err != nil || group == nil {
			continue
		}
		if sdk.ToInt32(group.DesiredCapacity) == 0 && len(group.Instances) == 0 {
			h.deleteGroup(ctx, groupName, false)
		}
	}
}

func (h *autoScalingHandler) GetInstanceStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error) {
	return h.instanceStatuses(ctx, providerInstanceIDs)
}

func (h *autoScalingHandler) ValidateTemplate(_ context.Context, def template.Definition) []error {
	var errs []error
	if def.LaunchTemplateID == "" && def.InstanceType == "" {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "auto scaling requires instance_type or launch_template_id").
			WithResource(def.TemplateID).
			WithField("instance_type", "required without launch_template_id").
			Build())
	}
	if def.UsesSpot() {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "spot templates are served by the spot fleet handler").
			WithResource(def.TemplateID).
			WithField("price_type", "must be ondemand for auto scaling").
			Build())
	}
	return errs
}

// isValidationError matches the autoscaling API's blanket rejection code,
// used among other things for ids it does not manage.
func isValidationError(err error) bool {
	return apiErrorCode(err) == "ValidationError"
}
