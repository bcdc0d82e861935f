// Package memory implements the repository ports with maps under a
// read-write mutex. State lives as snapshots so callers never share aggregate
// pointers with the store; primarily for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/repository"
)

// RequestStore is an in-memory RequestRepository.
type RequestStore struct {
	mu    sync.RWMutex
	items map[string]request.Snapshot
}

// NewRequestStore creates an empty request store.
func NewRequestStore() *RequestStore {
	return &RequestStore{items: make(map[string]request.Snapshot)}
}

// Save upserts the request snapshot.
func (s *RequestStore) Save(_ context.Context, req *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[req.RequestID().String()] = req.Snapshot()
	return nil
}

// GetByID returns the request, or nil when the id is unknown.
func (s *RequestStore) GetByID(_ context.Context, id shared.RequestID) (*request.Request, error) {
	s.mu.RLock()
	snap, ok := s.items[id.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return request.FromSnapshot(snap)
}

// GetAll lists requests matching the filter, ordered by creation time then id.
func (s *RequestStore) GetAll(_ context.Context, filter repository.RequestFilter, page repository.Page) ([]*request.Request, error) {
	s.mu.RLock()
	snaps := make([]request.Snapshot, 0, len(s.items))
	for _, snap := range s.items {
		if filter.Matches(snap) {
			snaps = append(snaps, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].RequestID < snaps[j].RequestID
	})

	start, end := page.Bounds(len(snaps))
	out := make([]*request.Request, 0, end-start)
	for _, snap := range snaps[start:end] {
		req, err := request.FromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Delete removes the request; false when the id was not present.
func (s *RequestStore) Delete(_ context.Context, id shared.RequestID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id.String()]; !ok {
		return false, nil
	}
	delete(s.items, id.String())
	return true, nil
}

// Exists reports whether the id is present.
func (s *RequestStore) Exists(_ context.Context, id shared.RequestID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id.String()]
	return ok, nil
}

// FindByStatus lists requests in the given status.
func (s *RequestStore) FindByStatus(ctx context.Context, status request.Status) ([]*request.Request, error) {
	return s.GetAll(ctx, repository.RequestFilter{Status: status}, repository.Page{})
}

// FindActive lists requests that have not reached a terminal state.
func (s *RequestStore) FindActive(ctx context.Context) ([]*request.Request, error) {
	return s.GetAll(ctx, repository.RequestFilter{ActiveOnly: true}, repository.Page{})
}

// MachineStore is an in-memory MachineRepository.
type MachineStore struct {
	mu    sync.RWMutex
	items map[string]machine.Snapshot
}

// NewMachineStore creates an empty machine store.
func NewMachineStore() *MachineStore {
	return &MachineStore{items: make(map[string]machine.Snapshot)}
}

// Save upserts the machine snapshot.
func (s *MachineStore) Save(_ context.Context, m *machine.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[m.MachineID().String()] = m.Snapshot()
	return nil
}

// SaveAll upserts every machine in one lock acquisition.
func (s *MachineStore) SaveAll(_ context.Context, machines []*machine.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range machines {
		s.items[m.MachineID().String()] = m.Snapshot()
	}
	return nil
}

// GetByID returns the machine, or nil when the id is unknown.
func (s *MachineStore) GetByID(_ context.Context, id shared.MachineID) (*machine.Machine, error) {
	s.mu.RLock()
	snap, ok := s.items[id.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return machine.FromSnapshot(snap)
}

// GetAll lists machines matching the filter, ordered by creation time then id.
func (s *MachineStore) GetAll(_ context.Context, filter repository.MachineFilter, page repository.Page) ([]*machine.Machine, error) {
	s.mu.RLock()
	snaps := make([]machine.Snapshot, 0, len(s.items))
	for _, snap := range s.items {
		if filter.Matches(snap) {
			snaps = append(snaps, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].MachineID < snaps[j].MachineID
	})

	start, end := page.Bounds(len(snaps))
	out := make([]*machine.Machine, 0, end-start)
	for _, snap := range snaps[start:end] {
		m, err := machine.FromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the machine; false when the id was not present.
func (s *MachineStore) Delete(_ context.Context, id shared.MachineID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id.String()]; !ok {
		return false, nil
	}
	delete(s.items, id.String())
	return true, nil
}

// Exists reports whether the id is present.
func (s *MachineStore) Exists(_ context.Context, id shared.MachineID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id.String()]
	return ok, nil
}

// FindByRequest lists machines owned by the given request.
func (s *MachineStore) FindByRequest(ctx context.Context, requestID shared.RequestID) ([]*machine.Machine, error) {
	return s.GetAll(ctx, repository.MachineFilter{RequestID: requestID.String()}, repository.Page{})
}

// FindByProviderInstanceIDs lists machines whose provider instance id is in
// the given set.
func (s *MachineStore) FindByProviderInstanceIDs(ctx context.Context, providerIDs []string) ([]*machine.Machine, error) {
	if len(providerIDs) == 0 {
		return []*machine.Machine{}, nil
	}
	return s.GetAll(ctx, repository.MachineFilter{ProviderInstanceIDs: providerIDs}, repository.Page{})
}

// FindByStatus lists machines in the given status.
func (s *MachineStore) FindByStatus(ctx context.Context, status machine.Status) ([]*machine.Machine, error) {
	return s.GetAll(ctx, repository.MachineFilter{Status: status}, repository.Page{})
}

// templateRecord pairs the definition with the aggregate version, which is
// not part of the definition itself.
type templateRecord struct {
	def     template.Definition
	version int
}

// TemplateStore is an in-memory TemplateRepository.
type TemplateStore struct {
	mu    sync.RWMutex
	items map[string]templateRecord
}

// NewTemplateStore creates an empty template store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{items: make(map[string]templateRecord)}
}

// Save upserts the template definition.
func (s *TemplateStore) Save(_ context.Context, t *template.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[t.TemplateID().String()] = templateRecord{def: t.Snapshot(), version: t.Version()}
	return nil
}

// GetByID returns the template, or nil when the id is unknown.
func (s *TemplateStore) GetByID(_ context.Context, id shared.TemplateID) (*template.Template, error) {
	s.mu.RLock()
	rec, ok := s.items[id.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return template.Restore(rec.def, rec.version)
}

// GetAll lists templates matching the filter, ordered by creation time then id.
func (s *TemplateStore) GetAll(_ context.Context, filter repository.TemplateFilter, page repository.Page) ([]*template.Template, error) {
	s.mu.RLock()
	recs := make([]templateRecord, 0, len(s.items))
	for _, rec := range s.items {
		if filter.Matches(rec.def) {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].def.CreatedAt.Equal(recs[j].def.CreatedAt) {
			return recs[i].def.CreatedAt.Before(recs[j].def.CreatedAt)
		}
		return recs[i].def.TemplateID < recs[j].def.TemplateID
	})

	start, end := page.Bounds(len(recs))
	out := make([]*template.Template, 0, end-start)
	for _, rec := range recs[start:end] {
		t, err := template.Restore(rec.def, rec.version)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete removes the template; false when the id was not present.
func (s *TemplateStore) Delete(_ context.Context, id shared.TemplateID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id.String()]; !ok {
		return false, nil
	}
	delete(s.items, id.String())
	return true, nil
}

// Exists reports whether the id is present.
func (s *TemplateStore) Exists(_ context.Context, id shared.TemplateID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id.String()]
	return ok, nil
}

// FindByProviderAPI lists templates targeting the given provider API.
func (s *TemplateStore) FindByProviderAPI(ctx context.Context, providerAPI string) ([]*template.Template, error) {
	return s.GetAll(ctx, repository.TemplateFilter{ProviderAPI: providerAPI}, repository.Page{})
}

// NewStores bundles a fresh in-memory backend.
func NewStores() *repository.Stores {
	return &repository.Stores{
		Requests:  NewRequestStore(),
		Machines:  NewMachineStore(),
		Templates: NewTemplateStore(),
	}
}
