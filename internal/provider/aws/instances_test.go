package aws

import (
	"context"
	"fmt"
	"testing"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
)

func TestInstanceStatuses_BatchDegradesToPerID(t *testing.T) {
	api := &fakeEC2{
		describeInstancesFn: func(_ int, in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			if len(in.InstanceIds) > 1 || in.InstanceIds[0] == "i-gone" {
				return nil, apiErr("InvalidInstanceID.NotFound", "The instance ID 'i-gone' does not exist")
			}
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{Instances: runningInstances(in.InstanceIds)}},
			}, nil
		},
	}
	ops := testOps(api)

	statuses, err := ops.instanceStatuses(context.Background(), []string{"i-0001", "i-gone", "i-0002"})
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, provider.InstanceStateRunning, statuses["i-0001"].State)
	assert.Equal(t, provider.InstanceStateRunning, statuses["i-0002"].State)
	assert.Equal(t, "10.0.0.10", statuses["i-0001"].PrivateIP)

	gone := statuses["i-gone"]
	assert.Equal(t, provider.InstanceStateNotFound, gone.State)
	assert.NotEmpty(t, gone.Message)

	// One failed batch, then one lookup per id.
	assert.Len(t, api.describeInstancesIn, 4)
}

func TestInstanceStatuses_DroppedIDsReportNotFound(t *testing.T) {
	api := &fakeEC2{
		describeInstancesFn: func(int, *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{Instances: runningInstances([]string{"i-0001"})}},
			}, nil
		},
	}
	ops := testOps(api)

	statuses, err := ops.instanceStatuses(context.Background(), []string{"i-0001", "i-dropped"})
	require.NoError(t, err)
	assert.Equal(t, provider.InstanceStateRunning, statuses["i-0001"].State)
	assert.Equal(t, provider.InstanceStateNotFound, statuses["i-dropped"].State)
}

func TestTerminateInstances_RetiresBatchOneByOneOnNotFound(t *testing.T) {
	api := &fakeEC2{
		terminateFn: func(_ int, in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
			if len(in.InstanceIds) > 1 || in.InstanceIds[0] == "i-gone" {
				return nil, apiErr("InvalidInstanceID.NotFound", "The instance ID 'i-gone' does not exist")
			}
			return &ec2.TerminateInstancesOutput{}, nil
		},
	}
	ops := testOps(api)

	gone, err := ops.terminateInstances(context.Background(), []string{"i-0001", "i-gone", "i-0002"})
	require.NoError(t, err)
	assert.True(t, gone, "ids the provider no longer knows count as terminated")
	assert.Len(t, api.terminateIn, 4)
}

func TestTerminateInstances_SingleUnknownIDIsAlreadyGone(t *testing.T) {
	api := &fakeEC2{
		terminateFn: func(int, *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
			return nil, apiErr("InvalidInstanceID.NotFound", "no such instance")
		},
	}
	ops := testOps(api)

	gone, err := ops.terminateInstances(context.Background(), []string{"i-gone"})
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestTerminateInstances_FailureSurfaces(t *testing.T) {
	api := &fakeEC2{
		terminateFn: func(int, *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
			return nil, apiErr("UnauthorizedOperation", "not allowed")
		},
	}
	ops := testOps(api)

	gone, err := ops.terminateInstances(context.Background(), []string{"i-0001"})
	require.Error(t, err)
	assert.False(t, gone)
	assert.Equal(t, errors.CodeProviderAccessDenied, errors.GetCode(err))
}

func TestWaitForInstances_WaitsOutEventualConsistency(t *testing.T) {
	api := &fakeEC2{
		describeInstancesFn: func(call int, in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			instances := runningInstances(in.InstanceIds)
			if call == 0 {
				// Freshly launched ids are not describable yet.
				instances = instances[:1]
			}
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}, nil
		},
	}
	ops := testOps(api)

	instances, err := ops.waitForInstances(context.Background(), []string{"i-0001", "i-0002"}, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
	assert.Len(t, api.describeInstancesIn, 2)
}

func TestCollectMachines_FallsBackToBareRecords(t *testing.T) {
	api := &fakeEC2{
		describeInstancesFn: func(int, *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return nil, apiErr("UnauthorizedOperation", "describe is not allowed")
		},
	}
	ops := testOps(api)
	req := provisionReq(onDemandDef(), 2)
	tags := buildTags(req, HandlerRunInstances)

	machines, err := ops.collectMachines(context.Background(), req, HandlerRunInstances, tags,
		[]string{"i-0002", "i-0001"}, map[string]string{"origin": "test"})
	require.NoError(t, err)
	require.Len(t, machines, 2)

	assert.Equal(t, "i-0001", machines[0].ProviderInstanceID(), "bare records come out sorted")
	assert.Equal(t, "i-0002", machines[1].ProviderInstanceID())
	for _, m := range machines {
		assert.Equal(t, machine.StatusPending, m.Status(), "without a describe the poller confirms the state later")
		assert.Equal(t, HandlerRunInstances, m.ProviderData()[providerDataHandler])
		assert.Equal(t, "test", m.ProviderData()["origin"])
	}
}

func TestCollectMachines_PropagatesCancellation(t *testing.T) {
	ops := testOps(&fakeEC2{})
	req := provisionReq(onDemandDef(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	machines, err := ops.collectMachines(ctx, req, HandlerRunInstances, buildTags(req, HandlerRunInstances),
		[]string{"i-0001"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Nil(t, machines)
}

func TestCollectMachines_RunningInstancesCarryAddresses(t *testing.T) {
	ops := testOps(&fakeEC2{})
	req := provisionReq(onDemandDef(), 2)

	machines, err := ops.collectMachines(context.Background(), req, HandlerEC2Fleet, buildTags(req, HandlerEC2Fleet),
		[]string{"i-0002", "i-0001"}, nil)
	require.NoError(t, err)
	require.Len(t, machines, 2)
	for _, m := range machines {
		assert.Equal(t, machine.StatusRunning, m.Status())
		assert.NotEmpty(t, m.PrivateIP())
		assert.Equal(t, "m5.large", m.InstanceType())
	}
}

func TestTagInstances_BatchesAtLimit(t *testing.T) {
	api := &fakeEC2{}
	ops := testOps(api)

	ids := make([]string, createTagsBatchSize+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("i-%05d", i)
	}

	err := ops.tagInstances(context.Background(), ids, shared.Tags{"team": "hpc"})
	require.NoError(t, err)
	require.Len(t, api.createTagsIn, 2)
	assert.Len(t, api.createTagsIn[0].Resources, createTagsBatchSize)
	assert.Len(t, api.createTagsIn[1].Resources, 1)
}

func TestTagInstances_NothingToDo(t *testing.T) {
	api := &fakeEC2{}
	ops := testOps(api)

	require.NoError(t, ops.tagInstances(context.Background(), nil, shared.Tags{"team": "hpc"}))
	require.NoError(t, ops.tagInstances(context.Background(), []string{"i-0001"}, nil))
	assert.Empty(t, api.createTagsIn)
}

func TestMapInstanceState(t *testing.T) {
	cases := []struct {
		in   ec2types.InstanceStateName
		want provider.InstanceState
	}{
		{ec2types.InstanceStateNamePending, provider.InstanceStatePending},
		{ec2types.InstanceStateNameRunning, provider.InstanceStateRunning},
		{ec2types.InstanceStateNameShuttingDown, provider.InstanceStateStopping},
		{ec2types.InstanceStateNameStopping, provider.InstanceStateStopping},
		{ec2types.InstanceStateNameStopped, provider.InstanceStateStopping},
		{ec2types.InstanceStateNameTerminated, provider.InstanceStateTerminated},
		{ec2types.InstanceStateName("melting"), provider.InstanceStateFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapInstanceState(tc.in), "state %s", tc.in)
	}
}

func TestStatusFromInstance_MissingStateMeansPending(t *testing.T) {
	status := statusFromInstance(ec2types.Instance{
		InstanceId:       sdk.String("i-0001"),
		InstanceType:     ec2types.InstanceTypeM5Large,
		PrivateIpAddress: sdk.String("10.0.0.7"),
	})
	assert.Equal(t, provider.InstanceStatePending, status.State)
	assert.Equal(t, "i-0001", status.ProviderInstanceID)
	assert.Equal(t, "m5.large", status.InstanceType)
	assert.Equal(t, "10.0.0.7", status.PrivateIP)
}

func TestStatusFromInstance_CarriesStateReason(t *testing.T) {
	status := statusFromInstance(ec2types.Instance{
		InstanceId:  sdk.String("i-0001"),
		State:       &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated},
		StateReason: &ec2types.StateReason{Message: sdk.String("Server.SpotInstanceTermination")},
	})
	assert.Equal(t, provider.InstanceStateTerminated, status.State)
	assert.Equal(t, "Server.SpotInstanceTermination", status.Message)
}
