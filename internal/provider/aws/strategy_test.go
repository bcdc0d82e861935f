package aws

import (
	"context"
	"testing"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostbroker/internal/config"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/provider"
)

type stubTemplateSource struct {
	defs []template.Definition
	err  error
}

func (s stubTemplateSource) List(context.Context) ([]template.Definition, error) {
	return s.defs, s.err
}

func testStrategy(ec2api *fakeEC2, asgapi *fakeASG, src TemplateSource) *Strategy {
	cfg := config.ProviderConfig{
		Type:                ProviderTypeAWS,
		Name:                "aws-us-east-1",
		Region:              "us-east-1",
		MaxInstancesPerCall: 50,
		PollInterval:        time.Millisecond,
	}
	return NewStrategy(cfg, testExecutorConfig(), Clients{EC2: ec2api, AutoScaling: asgapi}, src, zap.NewNop())
}

func TestNewStrategy_NameDefaultsToProviderType(t *testing.T) {
	s := NewStrategy(config.ProviderConfig{}, testExecutorConfig(), Clients{EC2: &fakeEC2{}, AutoScaling: &fakeASG{}}, stubTemplateSource{}, zap.NewNop())
	assert.Equal(t, ProviderTypeAWS, s.Name())
	assert.Equal(t, ProviderTypeAWS, s.ProviderType())

	named := testStrategy(&fakeEC2{}, &fakeASG{}, stubTemplateSource{})
	assert.Equal(t, "aws-us-east-1", named.Name())
}

func TestStrategy_AvailableTemplates(t *testing.T) {
	unbound := onDemandDef()
	unbound.TemplateID = "keep-unbound"

	inactive := onDemandDef()
	inactive.TemplateID = "inactive"
	inactive.IsActive = false

	otherAPI := onDemandDef()
	otherAPI.TemplateID = "other-api"
	otherAPI.ProviderAPI = "azure"

	boundElsewhere := onDemandDef()
	boundElsewhere.TemplateID = "bound-elsewhere"
	boundElsewhere.ProviderName = "aws-eu-west-1"

	boundHere := onDemandDef()
	boundHere.TemplateID = "keep-bound"
	boundHere.ProviderName = "aws-us-east-1"

	src := stubTemplateSource{defs: []template.Definition{unbound, inactive, otherAPI, boundElsewhere, boundHere}}
	s := testStrategy(&fakeEC2{}, &fakeASG{}, src)

	defs, err := s.AvailableTemplates(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		ids = append(ids, def.TemplateID)
	}
	assert.Equal(t, []string{"keep-unbound", "keep-bound"}, ids)
}

func TestStrategy_AvailableTemplatesSurfacesSourceError(t *testing.T) {
	s := testStrategy(&fakeEC2{}, &fakeASG{}, stubTemplateSource{err: assert.AnError})
	_, err := s.AvailableTemplates(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStrategy_ProvisionRoutesThroughTemplateSelection(t *testing.T) {
	api := &fakeEC2{}
	s := testStrategy(api, &fakeASG{}, stubTemplateSource{})

	def := onDemandDef()
	def.UseFleet = sdk.Bool(false)

	machines, err := s.ProvisionMachines(context.Background(), provisionReq(def, 1))
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, HandlerRunInstances, machines[0].ProviderData()[providerDataHandler])
	assert.Len(t, api.runInstancesIn, 1)
	assert.Empty(t, api.createFleetIn)
}

func TestStrategy_TerminateMachinesEmptyIsNoOp(t *testing.T) {
	api := &fakeEC2{}
	asgapi := &fakeASG{}
	s := testStrategy(api, asgapi, stubTemplateSource{})

	gone, err := s.TerminateMachines(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, gone)
	assert.Empty(t, api.terminateIn)
	assert.Empty(t, asgapi.describeInstancesIn)
}

func TestStrategy_TerminateMachinesRoutesMembership(t *testing.T) {
	api := &fakeEC2{}
	asgapi := &fakeASG{}
	s := testStrategy(api, asgapi, stubTemplateSource{})

	gone, err := s.TerminateMachines(context.Background(), []string{"i-0001", "i-0002"})
	require.NoError(t, err)
	assert.True(t, gone)

	// No group claims the ids, so they are terminated directly.
	assert.Len(t, asgapi.describeInstancesIn, 1)
	require.Len(t, api.terminateIn, 1)
	assert.Equal(t, []string{"i-0001", "i-0002"}, api.terminateIn[0].InstanceIds)
}

func TestStrategy_GetMachineStatus(t *testing.T) {
	api := &fakeEC2{}
	s := testStrategy(api, &fakeASG{}, stubTemplateSource{})

	empty, err := s.GetMachineStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
	assert.Empty(t, api.describeInstancesIn)

	statuses, err := s.GetMachineStatus(context.Background(), []string{"i-0001"})
	require.NoError(t, err)
	assert.Equal(t, provider.InstanceStateRunning, statuses["i-0001"].State)
}

func TestStrategy_ValidateTemplateUsesSelectedHandler(t *testing.T) {
	s := testStrategy(&fakeEC2{}, &fakeASG{}, stubTemplateSource{})

	def := onDemandDef()
	def.PriceType = template.PriceTypeSpot
	errs := s.ValidateTemplate(context.Background(), def)
	require.Len(t, errs, 1, "the spot handler demands a fleet role")
}

func TestStrategy_HealthCheck(t *testing.T) {
	api := &fakeEC2{}
	asgapi := &fakeASG{}
	s := testStrategy(api, asgapi, stubTemplateSource{})
	require.NoError(t, s.HealthCheck(context.Background()))

	api.describeInstancesFn = func(int, *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return nil, apiErr("ServiceUnavailable", "ec2 is down")
	}
	err := s.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1, "the healthy service does not contribute an error")
}
