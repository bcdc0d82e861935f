package aws

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hostbroker/internal/domain/template"
)

func testLaunchTemplates(api EC2API) *launchTemplates {
	return newLaunchTemplates(api, testExecutor("aws_ec2"), zap.NewNop())
}

func TestLaunchTemplateName_StableForSameDefinition(t *testing.T) {
	a, err := launchTemplateName(onDemandDef())
	require.NoError(t, err)
	b, err := launchTemplateName(onDemandDef())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "hostbroker-small-od-"))
}

func TestLaunchTemplateName_TracksLaunchRelevantFieldsOnly(t *testing.T) {
	base, err := launchTemplateName(onDemandDef())
	require.NoError(t, err)

	changed := onDemandDef()
	changed.UserData = "#!/bin/sh\necho hi"
	drifted, err := launchTemplateName(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, drifted, "user data is baked into the template")

	unrelated := onDemandDef()
	unrelated.MaxNumber = 99
	unrelated.SubnetIDs = []string{"subnet-cccc3333dddd4444"}
	same, err := launchTemplateName(unrelated)
	require.NoError(t, err)
	assert.Equal(t, base, same, "count and subnet changes reuse the template")
}

func TestEnsure_PassesThroughExplicitLaunchTemplate(t *testing.T) {
	api := &fakeEC2{}
	lts := testLaunchTemplates(api)

	def := onDemandDef()
	def.LaunchTemplateID = "lt-operator"

	id, err := lts.ensure(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, "lt-operator", id)
	assert.Empty(t, api.describeLaunchTemplatesIn)
	assert.Empty(t, api.createLaunchTemplateIn)
}

func TestEnsure_CreatesOnceAndCaches(t *testing.T) {
	api := &fakeEC2{}
	lts := testLaunchTemplates(api)
	def := onDemandDef()

	id, err := lts.ensure(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, "lt-00000001", id)
	assert.Len(t, api.describeLaunchTemplatesIn, 1)
	require.Len(t, api.createLaunchTemplateIn, 1)

	again, err := lts.ensure(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, api.describeLaunchTemplatesIn, 1, "cache hit must not describe again")
	assert.Len(t, api.createLaunchTemplateIn, 1)
}

func TestEnsure_AdoptsExistingTemplate(t *testing.T) {
	api := &fakeEC2{
		describeLaunchTemplatesFn: func(_ int, in *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
			return &ec2.DescribeLaunchTemplatesOutput{
				LaunchTemplates: []ec2types.LaunchTemplate{{
					LaunchTemplateId:   sdk.String("lt-existing"),
					LaunchTemplateName: sdk.String(in.LaunchTemplateNames[0]),
				}},
			}, nil
		},
	}
	lts := testLaunchTemplates(api)

	id, err := lts.ensure(context.Background(), onDemandDef())
	require.NoError(t, err)
	assert.Equal(t, "lt-existing", id)
	assert.Empty(t, api.createLaunchTemplateIn)
}

func TestEnsure_NotFoundErrorFallsThroughToCreate(t *testing.T) {
	api := &fakeEC2{
		describeLaunchTemplatesFn: func(_ int, _ *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
			return nil, apiErr(launchTemplateNotFoundCode, "no such template")
		},
	}
	lts := testLaunchTemplates(api)

	id, err := lts.ensure(context.Background(), onDemandDef())
	require.NoError(t, err)
	assert.Equal(t, "lt-00000001", id)
	require.Len(t, api.createLaunchTemplateIn, 1)
}

func TestEnsure_LostCreateRaceFindsWinner(t *testing.T) {
	api := &fakeEC2{
		describeLaunchTemplatesFn: func(call int, _ *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
			if call == 0 {
				return &ec2.DescribeLaunchTemplatesOutput{}, nil
			}
			return &ec2.DescribeLaunchTemplatesOutput{
				LaunchTemplates: []ec2types.LaunchTemplate{{LaunchTemplateId: sdk.String("lt-racewinner")}},
			}, nil
		},
		createLaunchTemplateFn: func(_ int, _ *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
			return nil, apiErr("InvalidLaunchTemplateName.AlreadyExistsException", "someone else created it")
		},
	}
	lts := testLaunchTemplates(api)

	id, err := lts.ensure(context.Background(), onDemandDef())
	require.NoError(t, err)
	assert.Equal(t, "lt-racewinner", id)
	assert.Len(t, api.describeLaunchTemplatesIn, 2)
	assert.Len(t, api.createLaunchTemplateIn, 1)
}

func TestInvalidate_ForcesReresolve(t *testing.T) {
	api := &fakeEC2{}
	lts := testLaunchTemplates(api)
	def := onDemandDef()

	_, err := lts.ensure(context.Background(), def)
	require.NoError(t, err)

	lts.invalidate(def)

	id, err := lts.ensure(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, "lt-00000002", id)
	assert.Len(t, api.describeLaunchTemplatesIn, 2)
	assert.Len(t, api.createLaunchTemplateIn, 2)
}

func TestCreate_BakesOnlyDefinitionTags(t *testing.T) {
	api := &fakeEC2{}
	lts := testLaunchTemplates(api)

	_, err := lts.ensure(context.Background(), onDemandDef())
	require.NoError(t, err)

	require.Len(t, api.createLaunchTemplateIn, 1)
	in := api.createLaunchTemplateIn[0]

	require.Len(t, in.TagSpecifications, 1)
	require.Len(t, in.TagSpecifications[0].Tags, 1)
	assert.Equal(t, "team", sdk.ToString(in.TagSpecifications[0].Tags[0].Key))

	require.NotNil(t, in.LaunchTemplateData)
	require.Len(t, in.LaunchTemplateData.TagSpecifications, 2)
	for _, spec := range in.LaunchTemplateData.TagSpecifications {
		for _, tag := range spec.Tags {
			assert.NotEqual(t, tagRequestID, sdk.ToString(tag.Key))
		}
	}
}

func TestLaunchTemplateData_Rendering(t *testing.T) {
	def := onDemandDef()
	def.KeyName = "ops-key"
	def.SecurityGroupIDs = []string{"sg-aaaa1111bbbb2222"}
	def.UserData = "#!/bin/sh\necho hi"
	def.InstanceProfile = "arn:aws:iam::123456789012:instance-profile/compute"
	def.RootVolume = &template.RootVolume{SizeGB: 100, VolumeType: "gp3", IOPS: 3000}

	data := launchTemplateData(def)

	assert.Equal(t, def.ImageID, sdk.ToString(data.ImageId))
	assert.Equal(t, ec2types.InstanceType("m5.large"), data.InstanceType)
	assert.Equal(t, "ops-key", sdk.ToString(data.KeyName))
	assert.Equal(t, def.SecurityGroupIDs, data.SecurityGroupIds)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(def.UserData)), sdk.ToString(data.UserData))

	require.NotNil(t, data.IamInstanceProfile)
	assert.Equal(t, def.InstanceProfile, sdk.ToString(data.IamInstanceProfile.Arn))
	assert.Nil(t, data.IamInstanceProfile.Name)

	require.Len(t, data.BlockDeviceMappings, 1)
	ebs := data.BlockDeviceMappings[0].Ebs
	require.NotNil(t, ebs)
	assert.Equal(t, int32(100), sdk.ToInt32(ebs.VolumeSize))
	assert.Equal(t, ec2types.VolumeTypeGp3, ebs.VolumeType)
	assert.Equal(t, int32(3000), sdk.ToInt32(ebs.Iops))
}

func TestLaunchTemplateData_ProfileByName(t *testing.T) {
	def := onDemandDef()
	def.InstanceProfile = "compute-profile"

	data := launchTemplateData(def)
	require.NotNil(t, data.IamInstanceProfile)
	assert.Equal(t, "compute-profile", sdk.ToString(data.IamInstanceProfile.Name))
	assert.Nil(t, data.IamInstanceProfile.Arn)
}
