package aws

import (
	"context"
	"encoding/base64"
	"testing"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
)

func TestRunInstances_BatchesAndRotatesSubnets(t *testing.T) {
	api := &fakeEC2{}
	h := newRunInstancesHandler(testOps(api), 2)

	def := onDemandDef()
	def.SubnetIDs = []string{"subnet-aaaa1111bbbb2222", "subnet-cccc3333dddd4444"}
	req := provisionReq(def, 5)

	machines, err := h.ProvisionInstances(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, machines, 5)

	require.Len(t, api.runInstancesIn, 3)
	assert.Equal(t, int32(2), sdk.ToInt32(api.runInstancesIn[0].MinCount))
	assert.Equal(t, int32(2), sdk.ToInt32(api.runInstancesIn[1].MinCount))
	assert.Equal(t, int32(1), sdk.ToInt32(api.runInstancesIn[2].MinCount))
	assert.Equal(t, "subnet-aaaa1111bbbb2222", sdk.ToString(api.runInstancesIn[0].SubnetId))
	assert.Equal(t, "subnet-cccc3333dddd4444", sdk.ToString(api.runInstancesIn[1].SubnetId))
	assert.Equal(t, "subnet-aaaa1111bbbb2222", sdk.ToString(api.runInstancesIn[2].SubnetId))

	for _, m := range machines {
		assert.Equal(t, machine.StatusRunning, m.Status())
		assert.Equal(t, HandlerRunInstances, m.ProviderData()[providerDataHandler])
		assert.Equal(t, req.RequestID.String(), m.Tags()[tagRequestID])
	}
}

func TestRunInstances_PartialLaunchKeepsMachinesAndError(t *testing.T) {
	api := &fakeEC2{
		runInstancesFn: func(call int, in *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
			if call == 1 {
				return nil, apiErr("InsufficientInstanceCapacity", "pool dry")
			}
			return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{
				{InstanceId: sdk.String("i-0001")},
				{InstanceId: sdk.String("i-0002")},
			}}, nil
		},
	}
	h := newRunInstancesHandler(testOps(api), 2)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(onDemandDef(), 4))

	require.Error(t, err)
	assert.Equal(t, errors.CodeCapacityUnavailable, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))
	assert.Len(t, machines, 2, "instances from the successful batch stay tracked")
}

func TestRunInstances_TotalFailureReturnsNoMachines(t *testing.T) {
	api := &fakeEC2{
		runInstancesFn: func(int, *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
			return nil, apiErr("UnauthorizedOperation", "missing ec2:RunInstances")
		},
	}
	h := newRunInstancesHandler(testOps(api), 10)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(onDemandDef(), 3))

	require.Error(t, err)
	assert.True(t, errors.IsProviderPermanent(err))
	assert.Nil(t, machines)
	assert.Len(t, api.runInstancesIn, 1)
}

func TestRunInstances_EmptySuccessStopsTheLoop(t *testing.T) {
	api := &fakeEC2{
		runInstancesFn: func(int, *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
			return &ec2.RunInstancesOutput{}, nil
		},
	}
	h := newRunInstancesHandler(testOps(api), 10)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(onDemandDef(), 3))

	require.Error(t, err)
	assert.Equal(t, errors.CodeLaunchFailed, errors.GetCode(err))
	assert.Nil(t, machines)
	assert.Len(t, api.runInstancesIn, 1)
}

func TestRunInstancesInput_InlineFields(t *testing.T) {
	def := onDemandDef()
	def.KeyName = "ops-key"
	def.SecurityGroupIDs = []string{"sg-aaaa1111bbbb2222"}
	def.UserData = "#!/bin/sh\necho hi"
	def.InstanceProfile = "compute-profile"
	def.RootVolume = &template.RootVolume{SizeGB: 200, VolumeType: "gp3"}

	in := runInstancesInput(def, buildTags(provisionReq(def, 2), HandlerRunInstances), "subnet-aaaa1111bbbb2222", 2)

	assert.Equal(t, int32(2), sdk.ToInt32(in.MinCount))
	assert.Equal(t, int32(2), sdk.ToInt32(in.MaxCount))
	assert.Equal(t, def.ImageID, sdk.ToString(in.ImageId))
	assert.Equal(t, ec2types.InstanceType("m5.large"), in.InstanceType)
	assert.Equal(t, "ops-key", sdk.ToString(in.KeyName))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(def.UserData)), sdk.ToString(in.UserData))
	require.NotNil(t, in.IamInstanceProfile)
	assert.Equal(t, "compute-profile", sdk.ToString(in.IamInstanceProfile.Name))
	require.Len(t, in.BlockDeviceMappings, 1)
	assert.Equal(t, "/dev/xvda", sdk.ToString(in.BlockDeviceMappings[0].DeviceName))
	require.Len(t, in.TagSpecifications, 2)
}

func TestRunInstancesInput_LaunchTemplateDelegation(t *testing.T) {
	def := onDemandDef()
	def.LaunchTemplateID = "lt-operator"
	def.ImageID = "ami-0123456789abcdef0"

	in := runInstancesInput(def, nil, "subnet-aaaa1111bbbb2222", 1)

	require.NotNil(t, in.LaunchTemplate)
	assert.Equal(t, "lt-operator", sdk.ToString(in.LaunchTemplate.LaunchTemplateId))
	assert.Equal(t, launchTemplateVersion, sdk.ToString(in.LaunchTemplate.Version))
	assert.Nil(t, in.ImageId, "the launch template supplies the image")
}

func TestRunInstances_NoSubnetsLeavesPlacementToEC2(t *testing.T) {
	api := &fakeEC2{}
	h := newRunInstancesHandler(testOps(api), 10)

	def := onDemandDef()
	def.SubnetIDs = nil

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(def, 1))
	require.NoError(t, err)
	assert.Len(t, machines, 1)
	require.Len(t, api.runInstancesIn, 1)
	assert.Nil(t, api.runInstancesIn[0].SubnetId)
}

func TestRunInstances_ValidateTemplate(t *testing.T) {
	h := newRunInstancesHandler(testOps(&fakeEC2{}), 10)
	ctx := context.Background()

	assert.Empty(t, h.ValidateTemplate(ctx, onDemandDef()))

	missing := onDemandDef()
	missing.InstanceType = ""
	assert.Len(t, h.ValidateTemplate(ctx, missing), 1)

	spot := onDemandDef()
	spot.PriceType = template.PriceTypeSpot
	assert.Len(t, h.ValidateTemplate(ctx, spot), 1)

	hetero := onDemandDef()
	hetero.PriceType = template.PriceTypeHeterogeneous
	assert.Len(t, h.ValidateTemplate(ctx, hetero), 1)
}
