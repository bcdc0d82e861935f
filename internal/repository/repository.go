// Package repository defines the persistence ports for the broker aggregates
// and the filters their finders accept. Three backends implement these ports:
// memory (tests and dev), jsonfile (single-process deployments), and dynamo.
//
// Contract shared by every backend: Save is an upsert, Delete of a missing id
// returns false without error, GetByID returns nil for missing, and finders
// return an empty slice when nothing matches. Listings are ordered by creation
// time then id so offset pagination is stable. Repositories persist exactly
// what the aggregate snapshot provides; business rules live in the domain.
package repository

import (
	"context"

	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/request"
	"hostbroker/internal/domain/shared"
	"hostbroker/internal/domain/template"
)

// Page bounds a listing. Zero Limit means no cap; Offset counts skipped
// entities after filtering and ordering.
type Page struct {
	Limit  int
	Offset int
}

// Bounds returns the slice bounds for a result set of n entities.
func (p Page) Bounds(n int) (start, end int) {
	start = p.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end = n
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}
	return start, end
}

// RequestFilter narrows request listings. Zero values match everything.
type RequestFilter struct {
	Status      request.Status
	RequestType shared.RequestType
	ActiveOnly  bool
}

// Matches reports whether a persisted request satisfies the filter.
func (f RequestFilter) Matches(s request.Snapshot) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.RequestType != "" && s.RequestType != f.RequestType {
		return false
	}
	if f.ActiveOnly && s.Status.IsTerminal() {
		return false
	}
	return true
}

// MachineFilter narrows machine listings. Zero values match everything.
// ProviderInstanceIDs matches any machine whose provider instance id is in
// the set.
type MachineFilter struct {
	Status              machine.Status
	RequestID           string
	TemplateID          string
	ProviderInstanceIDs []string
}

// Matches reports whether a persisted machine satisfies the filter.
func (f MachineFilter) Matches(s machine.Snapshot) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.RequestID != "" && s.RequestID != f.RequestID {
		return false
	}
	if f.TemplateID != "" && s.TemplateID != f.TemplateID {
		return false
	}
	if len(f.ProviderInstanceIDs) > 0 {
		found := false
		for _, id := range f.ProviderInstanceIDs {
			if id != "" && s.ProviderInstanceID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TemplateFilter narrows template listings. Zero values match everything.
type TemplateFilter struct {
	ProviderAPI string
	ActiveOnly  bool
}

// Matches reports whether a persisted template satisfies the filter.
func (f TemplateFilter) Matches(d template.Definition) bool {
	if f.ProviderAPI != "" && d.ProviderAPI != f.ProviderAPI {
		return false
	}
	if f.ActiveOnly && !d.IsActive {
		return false
	}
	return true
}

// RequestRepository persists request aggregates.
type RequestRepository interface {
	Save(ctx context.Context, req *request.Request) error
	GetByID(ctx context.Context, id shared.RequestID) (*request.Request, error)
	GetAll(ctx context.Context, filter RequestFilter, page Page) ([]*request.Request, error)
	Delete(ctx context.Context, id shared.RequestID) (bool, error)
	Exists(ctx context.Context, id shared.RequestID) (bool, error)
	FindByStatus(ctx context.Context, status request.Status) ([]*request.Request, error)
	FindActive(ctx context.Context) ([]*request.Request, error)
}

// MachineRepository persists machine aggregates. SaveAll exists for the
// provisioning fan-in where one provider call yields many machines.
type MachineRepository interface {
	Save(ctx context.Context, m *machine.Machine) error
	SaveAll(ctx context.Context, machines []*machine.Machine) error
	GetByID(ctx context.Context, id shared.MachineID) (*machine.Machine, error)
	GetAll(ctx context.Context, filter MachineFilter, page Page) ([]*machine.Machine, error)
	Delete(ctx context.Context, id shared.MachineID) (bool, error)
	Exists(ctx context.Context, id shared.MachineID) (bool, error)
	FindByRequest(ctx context.Context, requestID shared.RequestID) ([]*machine.Machine, error)
	FindByProviderInstanceIDs(ctx context.Context, providerIDs []string) ([]*machine.Machine, error)
	FindByStatus(ctx context.Context, status machine.Status) ([]*machine.Machine, error)
}

// TemplateRepository persists template aggregates.
type TemplateRepository interface {
	Save(ctx context.Context, t *template.Template) error
	GetByID(ctx context.Context, id shared.TemplateID) (*template.Template, error)
	GetAll(ctx context.Context, filter TemplateFilter, page Page) ([]*template.Template, error)
	Delete(ctx context.Context, id shared.TemplateID) (bool, error)
	Exists(ctx context.Context, id shared.TemplateID) (bool, error)
	FindByProviderAPI(ctx context.Context, providerAPI string) ([]*template.Template, error)
}

// Stores bundles one repository per aggregate, all bound to the same backend.
type Stores struct {
	Requests  RequestRepository
	Machines  MachineRepository
	Templates TemplateRepository
}
