package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/repository"
)

func requestAt(t *testing.T, created time.Time, status request.Status) *request.Request {
	t.Helper()
	snap := request.Snapshot{
		RequestID:    shared.NewProvisionRequestID().String(),
		TemplateID:   "Template-VM-1",
		RequestType:  shared.RequestTypeProvision,
		MachineCount: 2,
		Status:       status,
		CreatedAt:    created,
		UpdatedAt:    created,
		MachineIDs:   []string{},
		Version:      1,
	}
	req, err := request.FromSnapshot(snap)
	require.NoError(t, err)
	return req
}

func machineAt(t *testing.T, created time.Time, status machine.Status, requestID, providerID string) *machine.Machine {
	t.Helper()
	snap := machine.Snapshot{
		MachineID:          shared.NewMachineID().String(),
		ProviderInstanceID: providerID,
		RequestID:          requestID,
		TemplateID:         "Template-VM-1",
		Status:             status,
		InstanceType:       "t3.medium",
		CreatedAt:          created,
		UpdatedAt:          created,
		Version:            1,
	}
	m, err := machine.FromSnapshot(snap)
	require.NoError(t, err)
	return m
}

func templateAt(t *testing.T, created time.Time, id, providerAPI string, active bool) *template.Template {
	t.Helper()
	def := template.Definition{
		TemplateID:   id,
		ProviderAPI:  providerAPI,
		MaxNumber:    10,
		ImageID:      "ami-0123456789abcdef0",
		InstanceType: "t3.medium",
		SubnetIDs:    []string{"subnet-0123456789abcdef0"},
		IsActive:     active,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	tpl, err := template.Restore(def, 1)
	require.NoError(t, err)
	return tpl
}

func TestRequestStore_SaveAndGetByID(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	req := requestAt(t, time.Now(), request.StatusPending)

	require.NoError(t, store.Save(ctx, req))

	got, err := store.GetByID(ctx, req.RequestID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.RequestID(), got.RequestID())
	assert.Equal(t, request.StatusPending, got.Status())
	assert.Equal(t, 2, got.MachineCount())

	missing, err := store.GetByID(ctx, shared.NewProvisionRequestID())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRequestStore_SaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	req := requestAt(t, time.Now(), request.StatusPending)

	require.NoError(t, store.Save(ctx, req))
	require.NoError(t, req.Start("aws-default"))
	require.NoError(t, store.Save(ctx, req))

	got, err := store.GetByID(ctx, req.RequestID())
	require.NoError(t, err)
	assert.Equal(t, request.StatusInProgress, got.Status())
	assert.Equal(t, "aws-default", got.ProviderName())

	all, err := store.GetAll(ctx, repository.RequestFilter{}, repository.Page{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRequestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	req := requestAt(t, time.Now(), request.StatusPending)
	require.NoError(t, store.Save(ctx, req))

	deleted, err := store.Delete(ctx, req.RequestID())
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, req.RequestID())
	require.NoError(t, err)
	assert.False(t, deleted)

	exists, err := store.Exists(ctx, req.RequestID())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRequestStore_GetAllOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	base := time.Now()

	var ids []string
	for i := 0; i < 5; i++ {
		req := requestAt(t, base.Add(time.Duration(i)*time.Minute), request.StatusPending)
		require.NoError(t, store.Save(ctx, req))
		ids = append(ids, req.RequestID().String())
	}

	page, err := store.GetAll(ctx, repository.RequestFilter{}, repository.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].RequestID().String())
	assert.Equal(t, ids[2], page[1].RequestID().String())

	tail, err := store.GetAll(ctx, repository.RequestFilter{}, repository.Page{Limit: 10, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, ids[4], tail[0].RequestID().String())
}

func TestRequestStore_Finders(t *testing.T) {
	ctx := context.Background()
	store := NewRequestStore()
	now := time.Now()

	pending := requestAt(t, now, request.StatusPending)
	inProgress := requestAt(t, now.Add(time.Second), request.StatusInProgress)
	cancelled := requestAt(t, now.Add(2*time.Second), request.StatusCancelled)
	for _, req := range []*request.Request{pending, inProgress, cancelled} {
		require.NoError(t, store.Save(ctx, req))
	}

	byStatus, err := store.FindByStatus(ctx, request.StatusInProgress)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, inProgress.RequestID(), byStatus[0].RequestID())

	active, err := store.FindActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	none, err := store.FindByStatus(ctx, request.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMachineStore_SaveAllAndFinders(t *testing.T) {
	ctx := context.Background()
	store := NewMachineStore()
	now := time.Now()
	owner := shared.NewProvisionRequestID()

	machines := []*machine.Machine{
		machineAt(t, now, machine.StatusRunning, owner.String(), "i-0000000000000001"),
		machineAt(t, now.Add(time.Second), machine.StatusRunning, owner.String(), "i-0000000000000002"),
		machineAt(t, now.Add(2*time.Second), machine.StatusPending, shared.NewProvisionRequestID().String(), ""),
	}
	require.NoError(t, store.SaveAll(ctx, machines))

	byRequest, err := store.FindByRequest(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, byRequest, 2)

	byProvider, err := store.FindByProviderInstanceIDs(ctx, []string{"i-0000000000000002"})
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, "i-0000000000000002", byProvider[0].ProviderInstanceID())

	empty, err := store.FindByProviderInstanceIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	running, err := store.FindByStatus(ctx, machine.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestMachineStore_RoundTripPreservesProviderData(t *testing.T) {
	ctx := context.Background()
	store := NewMachineStore()

	m := machineAt(t, time.Now(), machine.StatusPending, shared.NewProvisionRequestID().String(), "")
	require.NoError(t, m.AttachProviderInstance("i-0123456789abcdef0", time.Now()))
	require.NoError(t, m.SetProviderData("fleet_id", "fleet-abc"))
	require.NoError(t, store.Save(ctx, m))

	got, err := store.GetByID(ctx, m.MachineID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "i-0123456789abcdef0", got.ProviderInstanceID())
	assert.Equal(t, map[string]string{"fleet_id": "fleet-abc"}, got.ProviderData())
	require.NotNil(t, got.LaunchTime())
}

func TestTemplateStore_Contract(t *testing.T) {
	ctx := context.Background()
	store := NewTemplateStore()
	now := time.Now()

	aws1 := templateAt(t, now, "Template-VM-1", "aws", true)
	aws2 := templateAt(t, now.Add(time.Second), "Template-VM-2", "aws", false)
	other := templateAt(t, now.Add(2*time.Second), "Template-OnPrem", "openstack", true)
	for _, tpl := range []*template.Template{aws1, aws2, other} {
		require.NoError(t, store.Save(ctx, tpl))
	}

	byAPI, err := store.FindByProviderAPI(ctx, "aws")
	require.NoError(t, err)
	assert.Len(t, byAPI, 2)

	activeAWS, err := store.GetAll(ctx, repository.TemplateFilter{ProviderAPI: "aws", ActiveOnly: true}, repository.Page{})
	require.NoError(t, err)
	require.Len(t, activeAWS, 1)
	assert.Equal(t, "Template-VM-1", activeAWS[0].TemplateID().String())

	got, err := store.GetByID(ctx, aws1.TemplateID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ami-0123456789abcdef0", got.ImageID())

	deleted, err := store.Delete(ctx, other.TemplateID())
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.Delete(ctx, other.TemplateID())
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStores_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMachineStore()
	owner := shared.NewProvisionRequestID()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := machineAt(t, time.Now(), machine.StatusRunning, owner.String(), fmt.Sprintf("i-%017d", i))
			assert.NoError(t, store.Save(ctx, m))
			_, err := store.FindByRequest(ctx, owner)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := store.GetAll(ctx, repository.MachineFilter{}, repository.Page{})
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestNewStores(t *testing.T) {
	stores := NewStores()
	require.NotNil(t, stores.Requests)
	require.NotNil(t, stores.Machines)
	require.NotNil(t, stores.Templates)
}
