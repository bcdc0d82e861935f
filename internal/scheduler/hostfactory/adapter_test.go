package hostfactory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commandbus "hostbroker/internal/application/commands/bus"
	commandhandlers "hostbroker/internal/application/commands/handlers"
	"hostbroker/internal/application/mediator"
	querybus "hostbroker/internal/application/queries/bus"
	queryhandlers "hostbroker/internal/application/queries/handlers"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/provider"
	"hostbroker/internal/repository"
	"hostbroker/internal/repository/memory"
	"hostbroker/internal/scheduler"
	"hostbroker/internal/templates"
)

// wireStrategy is a scriptable provider for end-to-end adapter tests.
type wireStrategy struct {
	mu            sync.Mutex
	launchRunning bool
	short         int
	launched      int
	statuses      map[string]provider.InstanceStatus
}

func newWireStrategy() *wireStrategy {
	return &wireStrategy{
		launchRunning: true,
		statuses:      make(map[string]provider.InstanceStatus),
	}
}

func (s *wireStrategy) Name() string         { return "aws-primary" }
func (s *wireStrategy) ProviderType() string { return "aws" }

func (s *wireStrategy) ProvisionMachines(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := req.MachineCount
	if s.short > 0 && s.short < count {
		count = s.short
	}
	templateID, err := shared.ParseTemplateID(req.Template.TemplateID)
	if err != nil {
		return nil, err
	}

	machines := make([]*machine.Machine, 0, count)
	for i := 0; i < count; i++ {
		m, err := machine.New(req.RequestID, templateID, req.Template.InstanceType, req.Tags)
		if err != nil {
			return nil, err
		}
		s.launched++
		instanceID := fmt.Sprintf("i-%04d", s.launched)
		if err := m.AttachProviderInstance(instanceID, time.Now()); err != nil {
			return nil, err
		}
		st := provider.InstanceStatus{
			ProviderInstanceID: instanceID,
			State:              provider.InstanceStatePending,
		}
		if s.launchRunning {
			ip := fmt.Sprintf("10.1.0.%d", s.launched)
			if err := m.ReportRunning(ip, ""); err != nil {
				return nil, err
			}
			st.State = provider.InstanceStateRunning
			st.PrivateIP = ip
		}
		s.statuses[instanceID] = st
		machines = append(machines, m)
	}
	return machines, nil
}

func (s *wireStrategy) TerminateMachines(ctx context.Context, providerInstanceIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range providerInstanceIDs {
		s.statuses[id] = provider.InstanceStatus{
			ProviderInstanceID: id,
			State:              provider.InstanceStateTerminated,
		}
	}
	return true, nil
}

func (s *wireStrategy) GetMachineStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]provider.InstanceStatus, len(providerInstanceIDs))
	for _, id := range providerInstanceIDs {
		if st, ok := s.statuses[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (s *wireStrategy) ValidateTemplate(context.Context, template.Definition) []error { return nil }

func (s *wireStrategy) AvailableTemplates(context.Context) ([]template.Definition, error) {
	return nil, nil
}

func (s *wireStrategy) HealthCheck(context.Context) error { return nil }

// promoteAll marks every tracked instance running.
func (s *wireStrategy) promoteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for id := range s.statuses {
		i++
		s.statuses[id] = provider.InstanceStatus{
			ProviderInstanceID: id,
			State:              provider.InstanceStateRunning,
			PrivateIP:          fmt.Sprintf("10.9.0.%d", i),
		}
	}
}

// wireTemplates satisfies both the command and query side template services.
type wireTemplates struct {
	defs map[string]template.Definition
}

func newWireTemplates(defs ...template.Definition) *wireTemplates {
	s := &wireTemplates{defs: make(map[string]template.Definition, len(defs))}
	for _, def := range defs {
		s.defs[def.TemplateID] = def
	}
	return s
}

func (s *wireTemplates) Resolve(ctx context.Context, templateID string) (template.Definition, error) {
	def, ok := s.defs[templateID]
	if !ok {
		return template.Definition{}, errors.NotFound(errors.CodeTemplateNotFound, "template not found").
			WithResource(templateID).
			Build()
	}
	return def, nil
}

func (s *wireTemplates) List(ctx context.Context) ([]template.Definition, error) {
	out := make([]template.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	return out, nil
}

func (s *wireTemplates) Invalidate(templateIDs ...string) {}

func (s *wireTemplates) Validate(def template.Definition) templates.Report {
	return templates.Report{TemplateID: def.TemplateID, IsValid: true, ValidationTime: time.Now()}
}

type wireFixture struct {
	adapter  *Adapter
	strategy *wireStrategy
	stores   *repository.Stores
}

func wireDefinition() template.Definition {
	return template.Definition{
		TemplateID:   "aws-ondemand-small",
		ProviderAPI:  "aws-ec2",
		MaxNumber:    10,
		ImageID:      "ami-0abcdef1234567890",
		InstanceType: "t3.medium",
		SubnetIDs:    []string{"subnet-11111111"},
		PriceType:    template.PriceTypeOnDemand,
		IsActive:     true,
		Attributes: template.Attributes{
			"type":  template.StringAttribute("X86_64"),
			"ncpus": template.NumericAttribute("4"),
			"nram":  template.NumericAttribute("4096"),
		},
	}
}

func newWireFixture(t *testing.T) *wireFixture {
	t.Helper()

	stores := memory.NewStores()
	strategy := newWireStrategy()
	pctx := provider.NewContext(provider.PolicyFirstAvailable, zap.NewNop())
	require.NoError(t, pctx.Register(provider.Registration{
		Name:         strategy.Name(),
		ProviderType: strategy.ProviderType(),
		Strategy:     strategy,
	}))
	tpls := newWireTemplates(wireDefinition())

	cb := commandbus.NewCommandBus()
	require.NoError(t, commandhandlers.Register(cb, commandhandlers.Deps{
		Stores:    stores,
		Providers: pctx,
		Templates: tpls,
		Logger:    zap.NewNop(),
	}))
	qb := querybus.NewQueryBus()
	require.NoError(t, queryhandlers.Register(qb, queryhandlers.Deps{
		Stores:    stores,
		Providers: pctx,
		Templates: tpls,
		Logger:    zap.NewNop(),
	}))

	med := mediator.NewMediator(cb, qb, zap.NewNop())
	return &wireFixture{
		adapter:  NewAdapter(med, scheduler.HostFactory(), "aws", zap.NewNop()),
		strategy: strategy,
		stores:   stores,
	}
}

func (f *wireFixture) handle(t *testing.T, operation, payload string) map[string]interface{} {
	t.Helper()
	raw, err := f.adapter.Handle(context.Background(), operation, []byte(payload))
	require.NoError(t, err)
	out := make(map[string]interface{})
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRequestMachinesHappyPath(t *testing.T) {
	f := newWireFixture(t)

	created := f.handle(t, OpRequestMachines, `{"templateId":"aws-ondemand-small","maxNumber":2}`)
	requestID, ok := created["requestId"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(requestID, "req-"))

	status := f.handle(t, OpGetRequestStatus, fmt.Sprintf(`{"requestId":%q}`, requestID))
	assert.Equal(t, "complete", status["status"])
	assert.Equal(t, float64(2), status["machineCount"])

	machines, ok := status["machines"].([]interface{})
	require.True(t, ok)
	require.Len(t, machines, 2)
	for _, entry := range machines {
		m := entry.(map[string]interface{})
		assert.Equal(t, "running", m["status"])
		assert.NotEmpty(t, m["machineId"])
		assert.NotEmpty(t, m["privateIp"])
		assert.Greater(t, m["launchTime"].(float64), float64(0))
	}
}

func TestGetRequestStatusPollsBootingMachines(t *testing.T) {
	f := newWireFixture(t)
	f.strategy.launchRunning = false

	created := f.handle(t, OpRequestMachines, `{"templateId":"aws-ondemand-small","maxNumber":2}`)
	requestID := created["requestId"].(string)

	status := f.handle(t, OpGetRequestStatus, fmt.Sprintf(`{"requestId":%q}`, requestID))
	assert.Equal(t, "running", status["status"])
	for _, entry := range status["machines"].([]interface{}) {
		assert.Equal(t, "pending", entry.(map[string]interface{})["status"])
	}

	f.strategy.promoteAll()

	status = f.handle(t, OpGetRequestStatus, fmt.Sprintf(`{"requestId":%q}`, requestID))
	assert.Equal(t, "complete", status["status"])
	for _, entry := range status["machines"].([]interface{}) {
		m := entry.(map[string]interface{})
		assert.Equal(t, "running", m["status"])
		assert.NotEmpty(t, m["privateIp"])
	}
}

func TestReturnMachinesFlow(t *testing.T) {
	f := newWireFixture(t)

	created := f.handle(t, OpRequestMachines, `{"templateId":"aws-ondemand-small","maxNumber":2}`)
	status := f.handle(t, OpGetRequestStatus, fmt.Sprintf(`{"requestId":%q}`, created["requestId"]))

	machineIDs := make([]string, 0, 2)
	for _, entry := range status["machines"].([]interface{}) {
		machineIDs = append(machineIDs, entry.(map[string]interface{})["machineId"].(string))
	}
	payload, err := json.Marshal(map[string]interface{}{"machineIds": machineIDs})
	require.NoError(t, err)

	returned := f.handle(t, OpReturnMachines, string(payload))
	returnID, ok := returned["requestId"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(returnID, "ret-"))

	retStatus := f.handle(t, OpGetRequestStatus, fmt.Sprintf(`{"requestId":%q}`, returnID))
	assert.Equal(t, "complete", retStatus["status"])
	for _, entry := range retStatus["machines"].([]interface{}) {
		assert.Equal(t, "terminated", entry.(map[string]interface{})["status"])
	}
}

func TestPartialProvisionReportsCompleteWithError(t *testing.T) {
	f := newWireFixture(t)
	f.strategy.short = 1

	created := f.handle(t, OpRequestMachines, `{"templateId":"aws-ondemand-small","maxNumber":2}`)
	status := f.handle(t, OpGetRequestStatus, fmt.Sprintf(`{"requestId":%q}`, created["requestId"]))

	assert.Equal(t, "complete_with_error", status["status"])
	assert.Contains(t, status["message"], "1 of 2")
	machines := status["machines"].([]interface{})
	require.Len(t, machines, 1)
	assert.Equal(t, "running", machines[0].(map[string]interface{})["status"])
}

func TestRequestMachinesRemapsInstanceTags(t *testing.T) {
	f := newWireFixture(t)

	created := f.handle(t, OpRequestMachines,
		`{"templateId":"aws-ondemand-small","maxNumber":1,"instanceTags":{"team":"hpc"}}`)

	requestID, err := shared.ParseRequestID(created["requestId"].(string))
	require.NoError(t, err)
	req, err := f.stores.Requests.GetByID(context.Background(), requestID)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "hpc", req.Tags()["team"])
}

func TestGetAvailableTemplates(t *testing.T) {
	f := newWireFixture(t)

	listed := f.handle(t, OpGetAvailableTemplates, ``)
	tpls, ok := listed["templates"].([]interface{})
	require.True(t, ok)
	require.Len(t, tpls, 1)

	record := tpls[0].(map[string]interface{})
	assert.Equal(t, "aws-ondemand-small", record["templateId"])
	assert.Equal(t, float64(10), record["maxNumber"])
	assert.Equal(t, "ami-0abcdef1234567890", record["imageId"])
	assert.Equal(t, "t3.medium", record["vmType"])

	attrs, ok := record["attributes"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"String", "X86_64"}, attrs["type"])
	assert.Equal(t, []interface{}{"Numeric", "4"}, attrs["ncpus"])

	assert.NotContains(t, record, "is_active")
	assert.NotContains(t, record, "source_file")
}

func TestUnknownOperationRejected(t *testing.T) {
	f := newWireFixture(t)

	_, err := f.adapter.Handle(context.Background(), "drainMachines", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestMalformedPayloadRejected(t *testing.T) {
	f := newWireFixture(t)

	_, err := f.adapter.Handle(context.Background(), OpRequestMachines, []byte(`[1,2,3]`))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, errors.CodeInvalidFormat, errors.GetCode(err))
}

func TestGetRequestStatusUnknownRequest(t *testing.T) {
	f := newWireFixture(t)

	payload := fmt.Sprintf(`{"requestId":%q}`, shared.NewProvisionRequestID().String())
	_, err := f.adapter.Handle(context.Background(), OpGetRequestStatus, []byte(payload))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
