package aws

import (
	"context"
	"sort"
	"time"

	"github.com/avast/retry-go"
	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

const (
	// describeBatchSize bounds ids per DescribeInstances call.
	describeBatchSize = 200

	// describeConcurrency bounds parallel DescribeInstances batches.
	describeConcurrency = 4

	// terminateBatchSize bounds ids per TerminateInstances call.
	terminateBatchSize = 200

	// createTagsBatchSize bounds resources per CreateTags call.
	createTagsBatchSize = 500

	// providerDataHandler records which handler provisioned the machine.
	providerDataHandler = "handler"

	// instanceDiscoverabilityInterval paces the short wait for freshly
	// launched ids to show up in DescribeInstances.
	instanceDiscoverabilityInterval = time.Second
)

// ec2Ops bundles the EC2 client with its resilience wrapper; every handler
// embeds one so the shared describe, wait, and terminate paths run under the
// same protection.
type ec2Ops struct {
	api    EC2API
	exec   *resilience.Executor
	logger *zap.Logger
}

// collectMachines waits for freshly launched ids to become describable and
// turns them into machine records. When the instances stay invisible past the
// wait budget the ids are still returned as bare records so nothing leaks;
// the status poller fills in details later.
func (o ec2Ops) collectMachines(ctx context.Context, req provider.ProvisionRequest, handlerName string, tags shared.Tags, ids []string, providerData map[string]string) ([]*machine.Machine, error) {
	instances, err := o.waitForInstances(ctx, ids, instanceDiscoverabilityInterval)
	if err != nil {
		if errors.IsCancelled(err) {
			return nil, err
		}
		o.logger.Warn("launched instances not yet describable, recording bare machine records",
			zap.String("request_id", req.RequestID.String()),
			zap.String("handler", handlerName),
			zap.Int("instances", len(ids)),
			zap.Error(err))
		return bareMachines(req, handlerName, tags, ids, providerData)
	}
	return machinesFromInstances(req, handlerName, tags, instances, providerData)
}

// tagInstances stamps per-request tags onto instances after launch, for
// paths where launch-time tagging cannot carry them: spot fleet instances
// inherit only the launch template's static tags.
func (o ec2Ops) tagInstances(ctx context.Context, ids []string, tags shared.Tags) error {
	if len(ids) == 0 || len(tags) == 0 {
		return nil
	}
	rendered := ec2Tags(tags)
	for start := 0; start < len(ids); start += createTagsBatchSize {
		batch := ids[start:min(start+createTagsBatchSize, len(ids))]
		_, err := resilience.Call(ctx, o.exec, "ec2_create_tags", func(ctx context.Context) (*ec2.CreateTagsOutput, error) {
			return o.api.CreateTags(ctx, &ec2.CreateTagsInput{Resources: batch, Tags: rendered})
		})
		if err != nil {
			return classify("ec2_create_tags", err)
		}
	}
	return nil
}

// describeInstances fetches instance records for the given ids, flattening
// reservations. Batches run concurrently; callers sort or key the result, so
// batch order does not matter. Unknown ids fail the whole AWS call, so
// callers needing per-id tolerance go through instanceStatuses.
func (o ec2Ops) describeInstances(ctx context.Context, ids []string) ([]ec2types.Instance, error) {
	batches := lo.Chunk(ids, describeBatchSize)
	results := make([][]ec2types.Instance, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			resp, err := resilience.Call(gctx, o.exec, "ec2_describe_instances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
				return o.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: batch})
			})
			if err != nil {
				return classify("ec2_describe_instances", err)
			}
			for _, res := range resp.Reservations {
				results[i] = append(results[i], res.Instances...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []ec2types.Instance
	for _, instances := range results {
		out = append(out, instances...)
	}
	return out, nil
}

// instanceStatuses reports the provider-side status of each id. A batch that
// fails because one id is unknown degrades to per-id lookups so a vanished
// instance maps to not_found instead of masking the rest.
func (o ec2Ops) instanceStatuses(ctx context.Context, ids []string) (map[string]provider.InstanceStatus, error) {
	statuses := make(map[string]provider.InstanceStatus, len(ids))
	instances, err := o.describeInstances(ctx, ids)
	switch {
	case err == nil:
		for _, inst := range instances {
			statuses[sdk.ToString(inst.InstanceId)] = statusFromInstance(inst)
		}
	case errors.IsNotFound(err) && len(ids) > 1:
		for _, id := range ids {
			one, oneErr := o.instanceStatuses(ctx, []string{id})
			if oneErr != nil {
				return nil, oneErr
			}
			for k, v := range one {
				statuses[k] = v
			}
		}
	case errors.IsNotFound(err):
		statuses[ids[0]] = provider.InstanceStatus{
			ProviderInstanceID: ids[0],
			State:              provider.InstanceStateNotFound,
			Message:            "instance not known to provider",
		}
	default:
		return nil, err
	}

	// Ids the provider silently dropped from the response.
	for _, id := range ids {
		if _, ok := statuses[id]; !ok {
			statuses[id] = provider.InstanceStatus{
				ProviderInstanceID: id,
				State:              provider.InstanceStateNotFound,
				Message:            "instance not known to provider",
			}
		}
	}
	return statuses, nil
}

// waitForInstances polls until every id is discoverable; EC2 reads are
// eventually consistent after a launch call.
func (o ec2Ops) waitForInstances(ctx context.Context, ids []string, interval time.Duration) ([]ec2types.Instance, error) {
	if interval <= 0 {
		interval = time.Second
	}
	var instances []ec2types.Instance
	err := retry.Do(
		func() error {
			found, err := o.describeInstances(ctx, ids)
			if err != nil {
				return err
			}
			if len(found) < len(ids) {
				return errors.ProviderTransient(errors.CodeLaunchFailed, "instances not yet discoverable").
					WithDetailsf("%d of %d visible", len(found), len(ids)).
					Build()
			}
			instances = found
			return nil
		},
		retry.Context(ctx),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(6),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.IsNotFound(err) || errors.IsRetryable(err)
		}),
	)
	if err != nil {
		return nil, classify("ec2_describe_instances", err)
	}
	return instances, nil
}

// terminateInstances issues TerminateInstances in batches. Ids the provider
// no longer knows count as terminated.
func (o ec2Ops) terminateInstances(ctx context.Context, ids []string) (bool, error) {
	for start := 0; start < len(ids); start += terminateBatchSize {
		batch := ids[start:min(start+terminateBatchSize, len(ids))]
		_, err := resilience.Call(ctx, o.exec, "ec2_terminate_instances", func(ctx context.Context) (*ec2.TerminateInstancesOutput, error) {
			return o.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: batch})
		})
		if err == nil {
			continue
		}
		if isNotFound(err) && len(batch) > 1 {
			// One unknown id fails the whole batch; retire ids one at a time.
			for _, id := range batch {
				if ok, oneErr := o.terminateInstances(ctx, []string{id}); oneErr != nil || !ok {
					return false, oneErr
				}
			}
			continue
		}
		if isNotFound(err) {
			continue
		}
		return false, classify("ec2_terminate_instances", err)
	}
	return true, nil
}

// statusFromInstance translates one EC2 instance record.
func statusFromInstance(inst ec2types.Instance) provider.InstanceStatus {
	status := provider.InstanceStatus{
		ProviderInstanceID: sdk.ToString(inst.InstanceId),
		InstanceType:       string(inst.InstanceType),
		PrivateIP:          sdk.ToString(inst.PrivateIpAddress),
		PublicIP:           sdk.ToString(inst.PublicIpAddress),
		LaunchTime:         inst.LaunchTime,
	}
	if inst.State != nil {
		status.State = mapInstanceState(inst.State.Name)
		if inst.StateReason != nil {
			status.Message = sdk.ToString(inst.StateReason.Message)
		}
	} else {
		status.State = provider.InstanceStatePending
	}
	return status
}

// mapInstanceState translates EC2 lifecycle names onto the broker's machine
// states. A stopped instance still occupies the return path, so it reports
// stopping until termination confirms.
func mapInstanceState(name ec2types.InstanceStateName) provider.InstanceState {
	switch name {
	case ec2types.InstanceStateNamePending:
		return provider.InstanceStatePending
	case ec2types.InstanceStateNameRunning:
		return provider.InstanceStateRunning
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameStopped:
		return provider.InstanceStateStopping
	case ec2types.InstanceStateNameTerminated:
		return provider.InstanceStateTerminated
	default:
		return provider.InstanceStateFailed
	}
}

// bareMachines builds machine records from instance ids alone, used when the
// launch succeeded but the follow-up describe could not complete. The records
// keep the instances tracked; the status poller fills in details later.
func bareMachines(req provider.ProvisionRequest, handlerName string, tags shared.Tags, ids []string, providerData map[string]string) ([]*machine.Machine, error) {
	templateID, err := shared.NewTemplateID(req.Template.TemplateID)
	if err != nil {
		return nil, errors.Internal(errors.CodeInternalError, "provision request carries an invalid template id").
			WithResource(req.Template.TemplateID).
			WithCause(err).
			Build()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	machines := make([]*machine.Machine, 0, len(sorted))
	for _, id := range sorted {
		m, err := machine.New(req.RequestID, templateID, req.Template.InstanceType, tags.Clone())
		if err != nil {
			return nil, err
		}
		if err := m.AttachProviderInstance(id, time.Now()); err != nil {
			return nil, err
		}
		if err := m.SetProviderData(providerDataHandler, handlerName); err != nil {
			return nil, err
		}
		for k, v := range providerData {
			if err := m.SetProviderData(k, v); err != nil {
				return nil, err
			}
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// machinesFromInstances builds one machine aggregate per launched instance,
// sorted by provider instance id for deterministic output. Machines whose
// instance already reports running are transitioned immediately.
func machinesFromInstances(req provider.ProvisionRequest, handlerName string, tags shared.Tags, instances []ec2types.Instance, providerData map[string]string) ([]*machine.Machine, error) {
	templateID, err := shared.NewTemplateID(req.Template.TemplateID)
	if err != nil {
		return nil, errors.Internal(errors.CodeInternalError, "provision request carries an invalid template id").
			WithResource(req.Template.TemplateID).
			WithCause(err).
			Build()
	}

	sorted := append([]ec2types.Instance(nil), instances...)
	sort.Slice(sorted, func(i, j int) bool {
		return sdk.ToString(sorted[i].InstanceId) < sdk.ToString(sorted[j].InstanceId)
	})

	machines := make([]*machine.Machine, 0, len(sorted))
	for _, inst := range sorted {
		m, err := machine.New(req.RequestID, templateID, string(inst.InstanceType), tags.Clone())
		if err != nil {
			return nil, err
		}
		launchTime := time.Now()
		if inst.LaunchTime != nil {
			launchTime = *inst.LaunchTime
		}
		if err := m.AttachProviderInstance(sdk.ToString(inst.InstanceId), launchTime); err != nil {
			return nil, err
		}
		if err := m.SetProviderData(providerDataHandler, handlerName); err != nil {
			return nil, err
		}
		for k, v := range providerData {
			if err := m.SetProviderData(k, v); err != nil {
				return nil, err
			}
		}
		if inst.State != nil && inst.State.Name == ec2types.InstanceStateNameRunning {
			if err := m.ReportRunning(sdk.ToString(inst.PrivateIpAddress), sdk.ToString(inst.PublicIpAddress)); err != nil {
				return nil, err
			}
		}
		machines = append(machines, m)
	}
	return machines, nil
}
