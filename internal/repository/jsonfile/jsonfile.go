package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/repository"
)

const (
	requestsFile  = "requests.json"
	machinesFile  = "machines.json"
	templatesFile = "templates.json"
)

// RequestStore is a file-backed RequestRepository.
type RequestStore struct {
	col *collection[request.Snapshot]
}

// NewRequestStore creates a request store writing to dataDir/requests.json.
func NewRequestStore(dataDir string) *RequestStore {
	return &RequestStore{col: newCollection[request.Snapshot](filepath.Join(dataDir, requestsFile))}
}

// Save upserts the request snapshot.
func (s *RequestStore) Save(_ context.Context, req *request.Request) error {
	snap := req.Snapshot()
	return s.col.mutate(func(items map[string]request.Snapshot) (bool, error) {
		items[snap.RequestID] = snap
		return true, nil
	})
}

// GetByID returns the request, or nil when the id is unknown.
func (s *RequestStore) GetByID(_ context.Context, id shared.RequestID) (*request.Request, error) {
	var found *request.Snapshot
	err := s.col.view(func(items map[string]request.Snapshot) error {
		if snap, ok := items[id.String()]; ok {
			found = &snap
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return request.FromSnapshot(*found)
}

// GetAll lists requests matching the filter, ordered by creation time then id.
func (s *RequestStore) GetAll(_ context.Context, filter repository.RequestFilter, page repository.Page) ([]*request.Request, error) {
	var snaps []request.Snapshot
	err := s.col.view(func(items map[string]request.Snapshot) error {
		for _, snap := range items {
			if filter.Matches(snap) {
				snaps = append(snaps, snap)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

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
	deleted := false
	err := s.col.mutate(func(items map[string]request.Snapshot) (bool, error) {
		if _, ok := items[id.String()]; !ok {
			return false, nil
		}
		delete(items, id.String())
		deleted = true
		return true, nil
	})
	return deleted, err
}

// Exists reports whether the id is present.
func (s *RequestStore) Exists(_ context.Context, id shared.RequestID) (bool, error) {
	exists := false
	err := s.col.view(func(items map[string]request.Snapshot) error {
		_, exists = items[id.String()]
		return nil
	})
	return exists, err
}

// FindByStatus lists requests in the given status.
func (s *RequestStore) FindByStatus(ctx context.Context, status request.Status) ([]*request.Request, error) {
	return s.GetAll(ctx, repository.RequestFilter{Status: status}, repository.Page{})
}

// FindActive lists requests that have not reached a terminal state.
func (s *RequestStore) FindActive(ctx context.Context) ([]*request.Request, error) {
	return s.GetAll(ctx, repository.RequestFilter{ActiveOnly: true}, repository.Page{})
}

// MachineStore is a file-backed MachineRepository.
type MachineStore struct {
	col *collection[machine.Snapshot]
}

// NewMachineStore creates a machine store writing to dataDir/machines.json.
func NewMachineStore(dataDir string) *MachineStore {
	return &MachineStore{col: newCollection[machine.Snapshot](filepath.Join(dataDir, machinesFile))}
}

// Save upserts the machine snapshot.
func (s *MachineStore) Save(_ context.Context, m *machine.Machine) error {
	snap := m.Snapshot()
	return s.col.mutate(func(items map[string]machine.Snapshot) (bool, error) {
		items[snap.MachineID] = snap
		return true, nil
	})
}

// SaveAll upserts every machine in one file write.
func (s *MachineStore) SaveAll(_ context.Context, machines []*machine.Machine) error {
	if len(machines) == 0 {
		return nil
	}
	return s.col.mutate(func(items map[string]machine.Snapshot) (bool, error) {
		for _, m := range machines {
			snap := m.Snapshot()
			items[snap.MachineID] = snap
		}
		return true, nil
	})
}

// GetByID returns the machine, or nil when the id is unknown.
func (s *MachineStore) GetByID(_ context.Context, id shared.MachineID) (*machine.Machine, error) {
	var found *machine.Snapshot
	err := s.col.view(func(items map[string]machine.Snapshot) error {
		if snap, ok := items[id.String()]; ok {
			found = &snap
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return machine.FromSnapshot(*found)
}

// GetAll lists machines matching the filter, ordered by creation time then id.
func (s *MachineStore) GetAll(_ context.Context, filter repository.MachineFilter, page repository.Page) ([]*machine.Machine, error) {
	var snaps []machine.Snapshot
	err := s.col.view(func(items map[string]machine.Snapshot) error {
		for _, snap := range items {
			if filter.Matches(snap) {
				snaps = append(snaps, snap)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

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
	deleted := false
	err := s.col.mutate(func(items map[string]machine.Snapshot) (bool, error) {
		if _, ok := items[id.String()]; !ok {
			return false, nil
		}
		delete(items, id.String())
		deleted = true
		return true, nil
	})
	return deleted, err
}

// Exists reports whether the id is present.
func (s *MachineStore) Exists(_ context.Context, id shared.MachineID) (bool, error) {
	exists := false
	err := s.col.view(func(items map[string]machine.Snapshot) error {
		_, exists = items[id.String()]
		return nil
	})
	return exists, err
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

// templateRecord pairs the definition with the aggregate version for storage.
type templateRecord struct {
	Definition template.Definition `json:"definition"`
	Version    int                 `json:"version"`
}

// TemplateStore is a file-backed TemplateRepository.
type TemplateStore struct {
	col *collection[templateRecord]
}

// NewTemplateStore creates a template store writing to dataDir/templates.json.
func NewTemplateStore(dataDir string) *TemplateStore {
	return &TemplateStore{col: newCollection[templateRecord](filepath.Join(dataDir, templatesFile))}
}

// Save upserts the template definition.
func (s *TemplateStore) Save(_ context.Context, t *template.Template) error {
	rec := templateRecord{Definition: t.Snapshot(), Version: t.Version()}
	return s.col.mutate(func(items map[string]templateRecord) (bool, error) {
		items[rec.Definition.TemplateID] = rec
		return true, nil
	})
}

// GetByID returns the template, or nil when the id is unknown.
func (s *TemplateStore) GetByID(_ context.Context, id shared.TemplateID) (*template.Template, error) {
	var found *templateRecord
	err := s.col.view(func(items map[string]templateRecord) error {
		if rec, ok := items[id.String()]; ok {
			found = &rec
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, err
	}
	return template.Restore(found.Definition, found.Version)
}

// GetAll lists templates matching the filter, ordered by creation time then id.
func (s *TemplateStore) GetAll(_ context.Context, filter repository.TemplateFilter, page repository.Page) ([]*template.Template, error) {
	var recs []templateRecord
	err := s.col.view(func(items map[string]templateRecord) error {
		for _, rec := range items {
			if filter.Matches(rec.Definition) {
				recs = append(recs, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Definition.CreatedAt.Equal(recs[j].Definition.CreatedAt) {
			return recs[i].Definition.CreatedAt.Before(recs[j].Definition.CreatedAt)
		}
		return recs[i].Definition.TemplateID < recs[j].Definition.TemplateID
	})

	start, end := page.Bounds(len(recs))
	out := make([]*template.Template, 0, end-start)
	for _, rec := range recs[start:end] {
		t, err := template.Restore(rec.Definition, rec.Version)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete removes the template; false when the id was not present.
func (s *TemplateStore) Delete(_ context.Context, id shared.TemplateID) (bool, error) {
	deleted := false
	err := s.col.mutate(func(items map[string]templateRecord) (bool, error) {
		if _, ok := items[id.String()]; !ok {
			return false, nil
		}
		delete(items, id.String())
		deleted = true
		return true, nil
	})
	return deleted, err
}

// Exists reports whether the id is present.
func (s *TemplateStore) Exists(_ context.Context, id shared.TemplateID) (bool, error) {
	exists := false
	err := s.col.view(func(items map[string]templateRecord) error {
		_, exists = items[id.String()]
		return nil
	})
	return exists, err
}

// FindByProviderAPI lists templates targeting the given provider API.
func (s *TemplateStore) FindByProviderAPI(ctx context.Context, providerAPI string) ([]*template.Template, error) {
	return s.GetAll(ctx, repository.TemplateFilter{ProviderAPI: providerAPI}, repository.Page{})
}

// Open creates the data directory if needed and returns a file-backed store
// bundle rooted there.
func Open(dataDir string) (*repository.Stores, error) {
	if dataDir == "" {
		return nil, errors.Validation(errors.CodeConfigInvalid, "jsonfile storage requires a data directory").
			WithField("storage.data_dir", "required").
			Build()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Internal(errors.CodeRepositoryError, "failed to create data directory").
			WithResource(dataDir).
			WithCause(err).
			Build()
	}
	return &repository.Stores{
		Requests:  NewRequestStore(dataDir),
		Machines:  NewMachineStore(dataDir),
		Templates: NewTemplateStore(dataDir),
	}, nil
}
