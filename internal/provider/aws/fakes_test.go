package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

// testExecutorConfig is single-attempt with a breaker that will not trip
// during a test, so fake call counts line up with handler calls.
func testExecutorConfig() resilience.ExecutorConfig {
	return resilience.ExecutorConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:  1,
			BaseDelay:    time.Millisecond,
			MaxDelay:     time.Millisecond,
			GrowthFactor: 1,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 100,
			ResetTimeout:     time.Minute,
			HalfOpenProbes:   1,
		},
		Timeouts: resilience.TimeoutConfig{Default: 5 * time.Second},
	}
}

func testExecutor(service string) *resilience.Executor {
	return resilience.NewExecutor(service, testExecutorConfig(), nil)
}

func testOps(api EC2API) ec2Ops {
	return ec2Ops{api: api, exec: testExecutor("aws_ec2"), logger: zap.NewNop()}
}

func apiErr(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

// onDemandDef is the baseline template used across handler tests.
func onDemandDef() template.Definition {
	return template.Definition{
		TemplateID:   "small-od",
		ProviderAPI:  ProviderTypeAWS,
		MaxNumber:    10,
		ImageID:      "ami-0123456789abcdef0",
		InstanceType: "m5.large",
		SubnetIDs:    []string{"subnet-aaaa1111bbbb2222"},
		PriceType:    template.PriceTypeOnDemand,
		Tags:         shared.Tags{"team": "hpc"},
		IsActive:     true,
	}
}

func provisionReq(def template.Definition, count int) provider.ProvisionRequest {
	return provider.ProvisionRequest{
		RequestID:    shared.NewProvisionRequestID(),
		Template:     def,
		MachineCount: count,
		Tags:         shared.Tags{"BillingCode": "batch-42"},
	}
}

// runningInstances renders one running EC2 instance record per id.
func runningInstances(ids []string) []ec2types.Instance {
	launched := time.Now().Add(-time.Minute)
	out := make([]ec2types.Instance, 0, len(ids))
	for i, id := range ids {
		out = append(out, ec2types.Instance{
			InstanceId:       sdk.String(id),
			InstanceType:     ec2types.InstanceTypeM5Large,
			PrivateIpAddress: sdk.String(fmt.Sprintf("10.0.0.%d", i+10)),
			LaunchTime:       sdk.Time(launched),
			State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		})
	}
	return out
}

// fakeEC2 implements EC2API with per-method hooks. A nil hook answers with a
// benign default; every call records its input for assertions. The hook
// receives the zero-based call index for that method.
type fakeEC2 struct {
	mu sync.Mutex

	runInstancesIn []*ec2.RunInstancesInput
	runInstancesFn func(call int, in *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error)

	createFleetIn []*ec2.CreateFleetInput
	createFleetFn func(call int, in *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error)

	requestSpotFleetIn []*ec2.RequestSpotFleetInput
	requestSpotFleetFn func(call int, in *ec2.RequestSpotFleetInput) (*ec2.RequestSpotFleetOutput, error)

	describeSpotRequestsIn []*ec2.DescribeSpotFleetRequestsInput
	describeSpotRequestsFn func(call int, in *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error)

	describeSpotInstancesIn []*ec2.DescribeSpotFleetInstancesInput
	describeSpotInstancesFn func(call int, in *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error)

	cancelSpotIn []*ec2.CancelSpotFleetRequestsInput
	cancelSpotFn func(call int, in *ec2.CancelSpotFleetRequestsInput) (*ec2.CancelSpotFleetRequestsOutput, error)

	describeInstancesIn []*ec2.DescribeInstancesInput
	describeInstancesFn func(call int, in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)

	terminateIn []*ec2.TerminateInstancesInput
	terminateFn func(call int, in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)

	createTagsIn []*ec2.CreateTagsInput
	createTagsFn func(call int, in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error)

	createLaunchTemplateIn []*ec2.CreateLaunchTemplateInput
	createLaunchTemplateFn func(call int, in *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error)

	describeLaunchTemplatesIn []*ec2.DescribeLaunchTemplatesInput
	describeLaunchTemplatesFn func(call int, in *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error)
}

var _ EC2API = (*fakeEC2)(nil)

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	call := len(f.runInstancesIn)
	f.runInstancesIn = append(f.runInstancesIn, in)
	fn := f.runInstancesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	count := int(sdk.ToInt32(in.MinCount))
	out := &ec2.RunInstancesOutput{}
	for n := 0; n < count; n++ {
		out.Instances = append(out.Instances, ec2types.Instance{
			InstanceId: sdk.String(fmt.Sprintf("i-run%02d%02d", call, n)),
		})
	}
	return out, nil
}

func (f *fakeEC2) CreateFleet(_ context.Context, in *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	f.mu.Lock()
	call := len(f.createFleetIn)
	f.createFleetIn = append(f.createFleetIn, in)
	fn := f.createFleetFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.CreateFleetOutput{}, nil
}

func (f *fakeEC2) RequestSpotFleet(_ context.Context, in *ec2.RequestSpotFleetInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error) {
	f.mu.Lock()
	call := len(f.requestSpotFleetIn)
	f.requestSpotFleetIn = append(f.requestSpotFleetIn, in)
	fn := f.requestSpotFleetFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.RequestSpotFleetOutput{SpotFleetRequestId: sdk.String("sfr-0001")}, nil
}

func (f *fakeEC2) DescribeSpotFleetRequests(_ context.Context, in *ec2.DescribeSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error) {
	f.mu.Lock()
	call := len(f.describeSpotRequestsIn)
	f.describeSpotRequestsIn = append(f.describeSpotRequestsIn, in)
	fn := f.describeSpotRequestsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.DescribeSpotFleetRequestsOutput{
		SpotFleetRequestConfigs: []ec2types.SpotFleetRequestConfig{{
			SpotFleetRequestId:    sdk.String("sfr-0001"),
			SpotFleetRequestState: ec2types.BatchStateActive,
			ActivityStatus:        ec2types.ActivityStatusFulfilled,
		}},
	}, nil
}

func (f *fakeEC2) DescribeSpotFleetInstances(_ context.Context, in *ec2.DescribeSpotFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	f.mu.Lock()
	call := len(f.describeSpotInstancesIn)
	f.describeSpotInstancesIn = append(f.describeSpotInstancesIn, in)
	fn := f.describeSpotInstancesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.DescribeSpotFleetInstancesOutput{}, nil
}

func (f *fakeEC2) CancelSpotFleetRequests(_ context.Context, in *ec2.CancelSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error) {
	f.mu.Lock()
	call := len(f.cancelSpotIn)
	f.cancelSpotIn = append(f.cancelSpotIn, in)
	fn := f.cancelSpotFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.CancelSpotFleetRequestsOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	call := len(f.describeInstancesIn)
	f.describeInstancesIn = append(f.describeInstancesIn, in)
	fn := f.describeInstancesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: runningInstances(in.InstanceIds)}},
	}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	call := len(f.terminateIn)
	f.terminateIn = append(f.terminateIn, in)
	fn := f.terminateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	call := len(f.createTagsIn)
	f.createTagsIn = append(f.createTagsIn, in)
	fn := f.createTagsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) CreateLaunchTemplate(_ context.Context, in *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	f.mu.Lock()
	call := len(f.createLaunchTemplateIn)
	f.createLaunchTemplateIn = append(f.createLaunchTemplateIn, in)
	fn := f.createLaunchTemplateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.CreateLaunchTemplateOutput{
		LaunchTemplate: &ec2types.LaunchTemplate{
			LaunchTemplateId:   sdk.String(fmt.Sprintf("lt-%08d", call+1)),
			LaunchTemplateName: in.LaunchTemplateName,
		},
	}, nil
}

func (f *fakeEC2) DescribeLaunchTemplates(_ context.Context, in *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	f.mu.Lock()
	call := len(f.describeLaunchTemplatesIn)
	f.describeLaunchTemplatesIn = append(f.describeLaunchTemplatesIn, in)
	fn := f.describeLaunchTemplatesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &ec2.DescribeLaunchTemplatesOutput{}, nil
}

// fakeASG implements AutoScalingAPI, same conventions as fakeEC2.
type fakeASG struct {
	mu sync.Mutex

	createGroupIn []*autoscaling.CreateAutoScalingGroupInput
	createGroupFn func(call int, in *autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error)

	describeGroupsIn []*autoscaling.DescribeAutoScalingGroupsInput
	describeGroupsFn func(call int, in *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error)

	describeInstancesIn []*autoscaling.DescribeAutoScalingInstancesInput
	describeInstancesFn func(call int, in *autoscaling.DescribeAutoScalingInstancesInput) (*autoscaling.DescribeAutoScalingInstancesOutput, error)

	updateGroupIn []*autoscaling.UpdateAutoScalingGroupInput
	updateGroupFn func(call int, in *autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error)

	deleteGroupIn []*autoscaling.DeleteAutoScalingGroupInput
	deleteGroupFn func(call int, in *autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error)

	terminateInGroupIn []*autoscaling.TerminateInstanceInAutoScalingGroupInput
	terminateInGroupFn func(call int, in *autoscaling.TerminateInstanceInAutoScalingGroupInput) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error)
}

var _ AutoScalingAPI = (*fakeASG)(nil)

func (f *fakeASG) CreateAutoScalingGroup(_ context.Context, in *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	f.mu.Lock()
	call := len(f.createGroupIn)
	f.createGroupIn = append(f.createGroupIn, in)
	fn := f.createGroupFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &autoscaling.CreateAutoScalingGroupOutput{}, nil
}

func (f *fakeASG) DescribeAutoScalingGroups(_ context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	f.mu.Lock()
	call := len(f.describeGroupsIn)
	f.describeGroupsIn = append(f.describeGroupsIn, in)
	fn := f.describeGroupsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{}, nil
}

func (f *fakeASG) DescribeAutoScalingInstances(_ context.Context, in *autoscaling.DescribeAutoScalingInstancesInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingInstancesOutput, error) {
	f.mu.Lock()
	call := len(f.describeInstancesIn)
	f.describeInstancesIn = append(f.describeInstancesIn, in)
	fn := f.describeInstancesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &autoscaling.DescribeAutoScalingInstancesOutput{}, nil
}

func (f *fakeASG) UpdateAutoScalingGroup(_ context.Context, in *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	f.mu.Lock()
	call := len(f.updateGroupIn)
	f.updateGroupIn = append(f.updateGroupIn, in)
	fn := f.updateGroupFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
}

func (f *fakeASG) DeleteAutoScalingGroup(_ context.Context, in *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	f.mu.Lock()
	call := len(f.deleteGroupIn)
	f.deleteGroupIn = append(f.deleteGroupIn, in)
	fn := f.deleteGroupFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
}

func (f *fakeASG) TerminateInstanceInAutoScalingGroup(_ context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error) {
	f.mu.Lock()
	call := len(f.terminateInGroupIn)
	f.terminateInGroupIn = append(f.terminateInGroupIn, in)
	fn := f.terminateInGroupFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, in)
	}
	return &autoscaling.TerminateInstanceInAutoScalingGroupOutput{}, nil
}

// asgGroup renders a described group with the given in-service instance ids.
func asgGroup(name string, desired int, inService ...string) astypes.AutoScalingGroup {
	group := astypes.AutoScalingGroup{
		AutoScalingGroupName: sdk.String(name),
		DesiredCapacity:      sdk.Int32(int32(desired)),
	}
	for _, id := range inService {
		group.Instances = append(group.Instances, astypes.Instance{
			InstanceId:     sdk.String(id),
			LifecycleState: astypes.LifecycleStateInService,
		})
	}
	return group
}
