package aws

import (
	"context"
	"encoding/base64"
	"strings"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

// runInstancesHandler provisions plain on-demand instances with RunInstances,
// batching calls when the request exceeds the per-call instance cap. Batches
// rotate through the template's subnets.
type runInstancesHandler struct {
	ec2Ops
	maxPerCall int
}

func newRunInstancesHandler(ops ec2Ops, maxPerCall int) *runInstancesHandler {
	if maxPerCall < 1 {
		maxPerCall = 50
	}
	return &runInstancesHandler{ec2Ops: ops, maxPerCall: maxPerCall}
}

func (h *runInstancesHandler) Name() string { return HandlerRunInstances }

func (h *runInstancesHandler) ProvisionInstances(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error) {
	def := req.Template
	tags := buildTags(req, h.Name())

	subnets := def.SubnetIDs
	if len(subnets) == 0 {
		// No subnet pinning; EC2 places the instances in the default VPC.
		subnets = []string{""}
	}

	var (
		launched  []string
		launchErr error
	)
	for batch := 0; len(launched) < req.MachineCount; batch++ {
		count := min(req.MachineCount-len(launched), h.maxPerCall)
		subnet := subnets[batch%len(subnets)]
		input := runInstancesInput(def, tags, subnet, count)

		out, err := resilience.Call(ctx, h.exec, resilience.OpRunInstances, func(ctx context.Context) (*ec2.RunInstancesOutput, error) {
			return h.api.RunInstances(ctx, input)
		})
		if err != nil {
			launchErr = classify(resilience.OpRunInstances, err)
			break
		}
		if len(out.Instances) == 0 {
			// MinCount makes an empty success impossible; treat it as a
			// failed launch rather than looping on it.
			launchErr = errors.ProviderTransient(errors.CodeLaunchFailed, "run instances returned no instances").
				WithOperation(resilience.OpRunInstances).
				Build()
			break
		}
		for _, inst := range out.Instances {
			launched = append(launched, sdk.ToString(inst.InstanceId))
		}
	}

	if len(launched) == 0 {
		return nil, launchErr
	}
	if launchErr != nil {
		h.logger.Warn("run instances launched partial capacity",
			zap.String("request_id", req.RequestID.String()),
			zap.Int("requested", req.MachineCount),
			zap.Int("launched", len(launched)),
			zap.Error(launchErr))
	}

	machines, err := h.collectMachines(ctx, req, h.Name(), tags, launched, nil)
	if err != nil {
		return nil, err
	}
	return machines, launchErr
}

func (h *runInstancesHandler) TerminateInstances(ctx context.Context, providerInstanceIDs []string) (bool, error) {
	return h.terminateInstances(ctx, providerInstanceIDs)
}

func (h *runInstancesHandler) GetInstanceStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error) {
	return h.instanceStatuses(ctx, providerInstanceIDs)
}

func (h *runInstancesHandler) ValidateTemplate(_ context.Context, def template.Definition) []error {
	var errs []error
	if def.InstanceType == "" {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "run instances requires instance_type").
			WithResource(def.TemplateID).
			WithField("instance_type", "required").
			Build())
	}
	if def.UsesSpot() {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "spot templates are served by the spot fleet handler").
			WithResource(def.TemplateID).
			WithField("price_type", "must be ondemand for run instances").
			Build())
	}
	if def.PriceType == template.PriceTypeHeterogeneous {
		errs = append(errs, errors.Validation(errors.CodeTemplateInvalid, "heterogeneous templates are served by the fleet handler").
			WithResource(def.TemplateID).
			WithField("price_type", "must be ondemand for run instances").
			Build())
	}
	return errs
}

// runInstancesInput renders one launch call. A template that names a launch
// template delegates image and networking to it; inline fields otherwise.
func runInstancesInput(def template.Definition, tags shared.Tags, subnet string, count int) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		MinCount:          sdk.Int32(int32(count)),
		MaxCount:          sdk.Int32(int32(count)),
		TagSpecifications: tagSpecs(tags, ec2types.ResourceTypeInstance, ec2types.ResourceTypeVolume),
	}
	if subnet != "" {
		input.SubnetId = sdk.String(subnet)
	}
	if def.InstanceType != "" {
		input.InstanceType = ec2types.InstanceType(def.InstanceType)
	}
	if def.LaunchTemplateID != "" {
		input.LaunchTemplate = &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: sdk.String(def.LaunchTemplateID),
			Version:          sdk.String(launchTemplateVersion),
		}
		return input
	}

	input.ImageId = sdk.String(def.ImageID)
	if len(def.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = def.SecurityGroupIDs
	}
	if def.KeyName != "" {
		input.KeyName = sdk.String(def.KeyName)
	}
	if def.UserData != "" {
		input.UserData = sdk.String(base64.StdEncoding.EncodeToString([]byte(def.UserData)))
	}
	if def.InstanceProfile != "" {
		profile := &ec2types.IamInstanceProfileSpecification{}
		if strings.HasPrefix(def.InstanceProfile, "arn:") {
			profile.Arn = sdk.String(def.InstanceProfile)
		} else {
			profile.Name = sdk.String(def.InstanceProfile)
		}
		input.IamInstanceProfile = profile
	}
	if def.RootVolume != nil {
		ebs := &ec2types.EbsBlockDevice{}
		if def.RootVolume.SizeGB > 0 {
			ebs.VolumeSize = sdk.Int32(int32(def.RootVolume.SizeGB))
		}
		if def.RootVolume.VolumeType != "" {
			ebs.VolumeType = ec2types.VolumeType(def.RootVolume.VolumeType)
		}
		if def.RootVolume.IOPS > 0 {
			ebs.Iops = sdk.Int32(int32(def.RootVolume.IOPS))
		}
		input.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: sdk.String("/dev/xvda"),
			Ebs:        ebs,
		}}
	}
	return input
}
