package aws

import (
	"context"
	"testing"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
)

func testSpotHandler(api *fakeEC2) *spotFleetHandler {
	ops := testOps(api)
	return newSpotFleetHandler(ops, newLaunchTemplates(api, ops.exec, ops.logger), time.Millisecond)
}

func spotDef() template.Definition {
	def := onDemandDef()
	def.PriceType = template.PriceTypeSpot
	def.FleetRole = "arn:aws:iam::123456789012:role/aws-ec2-spot-fleet-tagging-role"
	def.MaxSpotPrice = 0.25
	return def
}

func activeSpotInstances(ids ...string) *ec2.DescribeSpotFleetInstancesOutput {
	out := &ec2.DescribeSpotFleetInstancesOutput{}
	for _, id := range ids {
		out.ActiveInstances = append(out.ActiveInstances, ec2types.ActiveInstance{InstanceId: sdk.String(id)})
	}
	return out
}

func spotRequestState(state ec2types.BatchState) *ec2.DescribeSpotFleetRequestsOutput {
	return &ec2.DescribeSpotFleetRequestsOutput{
		SpotFleetRequestConfigs: []ec2types.SpotFleetRequestConfig{{
			SpotFleetRequestId:    sdk.String("sfr-0001"),
			SpotFleetRequestState: state,
		}},
	}
}

func TestSpotFleet_FullFulfillment(t *testing.T) {
	api := &fakeEC2{
		describeSpotInstancesFn: func(call int, in *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			// Two pages per sweep to exercise pagination.
			if in.NextToken == nil {
				out := activeSpotInstances("i-0001", "i-0002")
				out.NextToken = sdk.String("page2")
				return out, nil
			}
			return activeSpotInstances("i-0003"), nil
		},
	}
	h := testSpotHandler(api)
	req := provisionReq(spotDef(), 3)

	machines, err := h.ProvisionInstances(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, machines, 3)
	for _, m := range machines {
		assert.Equal(t, "sfr-0001", m.ProviderData()[providerDataSpotFleetRequestID])
		assert.Equal(t, HandlerSpotFleet, m.ProviderData()[providerDataHandler])
	}

	// Fulfillment reached: the request is cancelled but its instances live on.
	require.Len(t, api.cancelSpotIn, 1)
	assert.False(t, sdk.ToBool(api.cancelSpotIn[0].TerminateInstances))
	assert.Equal(t, []string{"sfr-0001"}, api.cancelSpotIn[0].SpotFleetRequestIds)

	// The shared launch template cannot carry per-request tags; they are
	// stamped onto the placed instances afterwards.
	require.Len(t, api.createTagsIn, 1)
	assert.ElementsMatch(t, []string{"i-0001", "i-0002", "i-0003"}, api.createTagsIn[0].Resources)
	tagged := map[string]bool{}
	for _, tag := range api.createTagsIn[0].Tags {
		tagged[sdk.ToString(tag.Key)] = true
	}
	assert.True(t, tagged[tagRequestID])
}

func TestSpotFleet_SubmitRendersRequestConfig(t *testing.T) {
	api := &fakeEC2{
		describeSpotInstancesFn: func(int, *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			return activeSpotInstances("i-0001"), nil
		},
	}
	h := testSpotHandler(api)

	def := spotDef()
	def.InstanceTypes = map[string]int{"m5.large": 2, "c5.large": 1}
	def.PoolsCount = 2
	def.SpotFleetRequestExpiryMin = 45
	def.Context = map[string]string{"cluster": "sym"}

	before := time.Now()
	_, err := h.ProvisionInstances(context.Background(), provisionReq(def, 1))
	require.NoError(t, err)

	require.Len(t, api.requestSpotFleetIn, 1)
	cfg := api.requestSpotFleetIn[0].SpotFleetRequestConfig
	require.NotNil(t, cfg)

	assert.Equal(t, def.FleetRole, sdk.ToString(cfg.IamFleetRole))
	assert.Equal(t, int32(1), sdk.ToInt32(cfg.TargetCapacity))
	assert.Equal(t, ec2types.FleetTypeRequest, cfg.Type)
	assert.Equal(t, ec2types.AllocationStrategyPriceCapacityOptimized, cfg.AllocationStrategy)
	assert.True(t, sdk.ToBool(cfg.TerminateInstancesWithExpiration))
	assert.Equal(t, "0.25", sdk.ToString(cfg.SpotPrice))
	assert.Equal(t, int32(2), sdk.ToInt32(cfg.InstancePoolsToUseCount))
	assert.Equal(t, "cluster=sym", sdk.ToString(cfg.Context))

	expiry := sdk.ToTime(cfg.ValidUntil)
	assert.True(t, expiry.After(before.Add(44*time.Minute)))
	assert.True(t, expiry.Before(before.Add(46*time.Minute)))

	require.Len(t, cfg.LaunchTemplateConfigs, 1)
	overrides := cfg.LaunchTemplateConfigs[0].Overrides
	require.Len(t, overrides, 2, "spot overrides cross subnets with the spot mix only")
	assert.Equal(t, ec2types.InstanceType("c5.large"), overrides[0].InstanceType)
	assert.Equal(t, ec2types.InstanceType("m5.large"), overrides[1].InstanceType)

	require.Len(t, cfg.TagSpecifications, 1)
	assert.Equal(t, ec2types.ResourceTypeSpotFleetRequest, cfg.TagSpecifications[0].ResourceType)
}

func TestSpotFleet_DefaultExpiryApplied(t *testing.T) {
	api := &fakeEC2{
		describeSpotInstancesFn: func(int, *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			return activeSpotInstances("i-0001"), nil
		},
	}
	h := testSpotHandler(api)

	before := time.Now()
	_, err := h.ProvisionInstances(context.Background(), provisionReq(spotDef(), 1))
	require.NoError(t, err)

	expiry := sdk.ToTime(api.requestSpotFleetIn[0].SpotFleetRequestConfig.ValidUntil)
	assert.True(t, expiry.After(before.Add(29*time.Minute)))
	assert.True(t, expiry.Before(before.Add(31*time.Minute)))
}

func TestSpotFleet_PartialFulfillmentAdoptsPlacedInstances(t *testing.T) {
	api := &fakeEC2{
		describeSpotRequestsFn: func(call int, _ *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error) {
			if call == 0 {
				return spotRequestState(ec2types.BatchStateActive), nil
			}
			return spotRequestState(ec2types.BatchStateCancelledRunning), nil
		},
		describeSpotInstancesFn: func(int, *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			return activeSpotInstances("i-0001", "i-0002"), nil
		},
	}
	h := testSpotHandler(api)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(spotDef(), 3))

	require.Error(t, err)
	assert.Equal(t, errors.CodeSpotRequestFailed, errors.GetCode(err))
	assert.Len(t, machines, 2, "instances placed before the failure stay tracked")

	require.Len(t, api.cancelSpotIn, 1)
	assert.False(t, sdk.ToBool(api.cancelSpotIn[0].TerminateInstances))
}

func TestSpotFleet_NothingPlacedCancelsWithTerminate(t *testing.T) {
	api := &fakeEC2{
		describeSpotRequestsFn: func(int, *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error) {
			return spotRequestState(ec2types.BatchStateCancelled), nil
		},
	}
	h := testSpotHandler(api)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(spotDef(), 2))

	require.Error(t, err)
	assert.True(t, errors.IsProviderPermanent(err))
	assert.Nil(t, machines)

	require.Len(t, api.cancelSpotIn, 1)
	assert.True(t, sdk.ToBool(api.cancelSpotIn[0].TerminateInstances))
}

func TestSpotFleet_VanishedRequestFailsPermanently(t *testing.T) {
	api := &fakeEC2{
		describeSpotRequestsFn: func(int, *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error) {
			return &ec2.DescribeSpotFleetRequestsOutput{}, nil
		},
	}
	h := testSpotHandler(api)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(spotDef(), 1))
	require.Error(t, err)
	assert.True(t, errors.IsProviderPermanent(err))
	assert.Equal(t, errors.CodeSpotRequestFailed, errors.GetCode(err))
	assert.Nil(t, machines)
}

func TestSpotFleet_RebuildsStaleLaunchTemplateOnce(t *testing.T) {
	api := &fakeEC2{
		requestSpotFleetFn: func(call int, _ *ec2.RequestSpotFleetInput) (*ec2.RequestSpotFleetOutput, error) {
			if call == 0 {
				return nil, apiErr("InvalidLaunchTemplateId.NotFound", "stale")
			}
			return &ec2.RequestSpotFleetOutput{SpotFleetRequestId: sdk.String("sfr-0002")}, nil
		},
		describeSpotRequestsFn: func(int, *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error) {
			return &ec2.DescribeSpotFleetRequestsOutput{
				SpotFleetRequestConfigs: []ec2types.SpotFleetRequestConfig{{
					SpotFleetRequestId:    sdk.String("sfr-0002"),
					SpotFleetRequestState: ec2types.BatchStateActive,
				}},
			}, nil
		},
		describeSpotInstancesFn: func(int, *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			return activeSpotInstances("i-0001"), nil
		},
	}
	h := testSpotHandler(api)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(spotDef(), 1))
	require.NoError(t, err)
	assert.Len(t, machines, 1)
	assert.Len(t, api.requestSpotFleetIn, 2)
	assert.Len(t, api.createLaunchTemplateIn, 2)
}

func TestSpotFleet_TaggingFailureDoesNotFailProvisioning(t *testing.T) {
	api := &fakeEC2{
		describeSpotInstancesFn: func(int, *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error) {
			return activeSpotInstances("i-0001"), nil
		},
		createTagsFn: func(int, *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
			return nil, apiErr("ServiceUnavailable", "tagging is down")
		},
	}
	h := testSpotHandler(api)

	machines, err := h.ProvisionInstances(context.Background(), provisionReq(spotDef(), 1))
	require.NoError(t, err)
	assert.Len(t, machines, 1)
}

func TestSpotFleet_ValidateTemplate(t *testing.T) {
	h := testSpotHandler(&fakeEC2{})
	ctx := context.Background()

	assert.Empty(t, h.ValidateTemplate(ctx, spotDef()))

	noRole := spotDef()
	noRole.FleetRole = ""
	assert.Len(t, h.ValidateTemplate(ctx, noRole), 1)

	noTypes := spotDef()
	noTypes.InstanceType = ""
	assert.Len(t, h.ValidateTemplate(ctx, noTypes), 1)

	negative := spotDef()
	negative.MaxSpotPrice = -1
	assert.Len(t, h.ValidateTemplate(ctx, negative), 1)
}

func TestSpotFleetAllocationStrategy_CamelCaseVocabulary(t *testing.T) {
	assert.Equal(t, ec2types.AllocationStrategyPriceCapacityOptimized, spotFleetAllocationStrategy(""))
	assert.Equal(t, ec2types.AllocationStrategyLowestPrice, spotFleetAllocationStrategy("lowestPrice"))
	assert.Equal(t, ec2types.AllocationStrategyCapacityOptimized, spotFleetAllocationStrategy("capacity-optimized"))
	assert.Equal(t, ec2types.AllocationStrategyDiversified, spotFleetAllocationStrategy("diversified"))
}
