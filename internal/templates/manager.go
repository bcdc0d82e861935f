// Package templates is the single source of truth for template data. It
// discovers template files, merges them by priority, remaps external field
// names to internal ones, caches the result with a TTL, and answers lookups
// for the rest of the broker.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"hostbroker/internal/config"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/repository"
	"hostbroker/internal/scheduler"
	"hostbroker/pkg/observability"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// repositorySource marks definitions that came from the template repository
// rather than a file.
const repositorySource = "repository"

// entry is one cached template. Entries are stored without go-cache expiry so
// a stale entry stays readable while a refresh is in flight; staleness is
// decided against the manager clock.
type entry struct {
	def      template.Definition
	cachedAt time.Time
	ttl      time.Duration

	hitCount   atomic.Int64
	refreshing atomic.Bool
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.cachedAt) <= e.ttl
}

// Manager loads, caches and validates templates.
type Manager struct {
	confDir      string
	extraPaths   []string
	providerAPI  string
	providerName string
	ttl          time.Duration

	registry *scheduler.Registry
	repo     repository.TemplateRepository
	cache    *gocache.Cache
	group    singleflight.Group
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRepository merges repository-managed templates into the file set. File
// definitions win on id clashes; the scheduler's conf directory stays
// authoritative.
func WithRepository(repo repository.TemplateRepository) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithExtraPaths adds directories scanned after the conf directory.
func WithExtraPaths(paths ...string) Option {
	return func(m *Manager) { m.extraPaths = paths }
}

// WithMetrics wires cache lookup metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a template manager for one provider API.
func NewManager(cfg config.TemplatesConfig, providerAPI, providerName string, registry *scheduler.Registry, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		confDir:      cfg.ConfDir,
		providerAPI:  providerAPI,
		providerName: providerName,
		ttl:          cfg.CacheTTL,
		registry:     registry,
		cache:        gocache.New(gocache.NoExpiration, 0),
		clock:        time.Now,
		logger:       logger,
	}
	if m.ttl <= 0 {
		m.ttl = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the definition for a template id. Reads within the TTL hit
// the cache; the first stale reader refreshes from disk while concurrent
// readers keep getting the stale entry until the refresh completes.
func (m *Manager) Resolve(ctx context.Context, id string) (template.Definition, error) {
	now := m.clock()

	if cached, ok := m.cache.Get(id); ok {
		e := cached.(*entry)
		if e.fresh(now) {
			e.hitCount.Add(1)
			m.metrics.ObserveCacheLookup("hit")
			return e.def, nil
		}
		if !e.refreshing.CompareAndSwap(false, true) {
			// Another reader is already refreshing this id.
			e.hitCount.Add(1)
			m.metrics.ObserveCacheLookup("stale")
			return e.def, nil
		}
		defer e.refreshing.Store(false)
		m.metrics.ObserveCacheLookup("expired")
	} else {
		m.metrics.ObserveCacheLookup("miss")
	}

	def, err := m.refresh(ctx, id)
	if err != nil {
		return template.Definition{}, err
	}
	return def, nil
}

// refresh reloads the template set from disk and repository, repopulates the
// cache, and returns the requested id. Refreshes are single-flighted per
// template id.
func (m *Manager) refresh(ctx context.Context, id string) (template.Definition, error) {
	result, err, _ := m.group.Do(id, func() (interface{}, error) {
		defs, err := m.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		m.store(defs)
		def, ok := defs[id]
		if !ok {
			return nil, errors.NotFound(errors.CodeTemplateNotFound,
				fmt.Sprintf("template %s not found", id)).WithResource(id).Build()
		}
		return def, nil
	})
	if err != nil {
		return template.Definition{}, err
	}
	return result.(template.Definition), nil
}

// List loads the current template set, refreshing the cache as a side effect.
// Results are ordered by template id.
func (m *Manager) List(ctx context.Context) ([]template.Definition, error) {
	defs, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	m.store(defs)

	out := make([]template.Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

// Invalidate drops cached entries so the next read reloads from disk. With no
// ids it flushes the whole cache.
func (m *Manager) Invalidate(ids ...string) {
	if len(ids) == 0 {
		m.cache.Flush()
		return
	}
	for _, id := range ids {
		m.cache.Delete(id)
	}
}

// OnFileEvent flushes the cache when a template file for this provider API
// changes. Wired as a config.Watcher callback.
func (m *Manager) OnFileEvent(path string) {
	if !IsTemplateFile(path, m.providerAPI) {
		return
	}
	m.logger.Info("Template file changed, flushing cache", zap.String("path", path))
	m.Invalidate()
}

// store replaces the cached entries for every loaded definition.
func (m *Manager) store(defs map[string]template.Definition) {
	now := m.clock()
	for id, def := range defs {
		e := &entry{def: def, cachedAt: now, ttl: m.ttl}
		m.cache.Set(id, e, gocache.NoExpiration)
	}
}

// loadAll merges template files by priority and adds repository-managed
// definitions for ids the files do not provide.
func (m *Manager) loadAll(ctx context.Context) (map[string]template.Definition, error) {
	files, err := discoverFiles(append([]string{m.confDir}, m.extraPaths...), m.providerAPI)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]template.Definition)
	for _, file := range files {
		records, err := loadRecords(file.path)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			def, err := m.decode(record, file)
			if err != nil {
				return nil, err
			}
			if _, exists := defs[def.TemplateID]; exists {
				// A higher-priority file already provided this id.
				continue
			}
			defs[def.TemplateID] = def
		}
	}

	if m.repo != nil {
		stored, err := m.repo.GetAll(ctx, repository.TemplateFilter{ActiveOnly: true}, repository.Page{})
		if err != nil {
			return nil, err
		}
		for _, t := range stored {
			def := t.Snapshot()
			if _, exists := defs[def.TemplateID]; exists {
				continue
			}
			def.SourceFile = repositorySource
			def.FilePriority = 0
			defs[def.TemplateID] = def
		}
	}
	return defs, nil
}

// decode remaps one raw record to internal field names, applies the standard
// transformations and produces a definition annotated with its source.
func (m *Manager) decode(record map[string]interface{}, file sourceFile) (template.Definition, error) {
	remapped := m.registry.Remap(m.providerAPI, record)
	applyTransformations(remapped)

	_, explicitActive := remapped["is_active"]

	data, err := json.Marshal(remapped)
	if err != nil {
		return template.Definition{}, errors.Validation(errors.CodeTemplateParseFailed,
			fmt.Sprintf("encoding template record from %s", file.path)).WithCause(err).Build()
	}
	var def template.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return template.Definition{}, errors.Validation(errors.CodeTemplateParseFailed,
			fmt.Sprintf("decoding template record from %s", file.path)).WithCause(err).Build()
	}

	if def.TemplateID == "" {
		return template.Definition{}, errors.Validation(errors.CodeTemplateInvalid,
			fmt.Sprintf("template record in %s is missing template_id", file.path)).Build()
	}
	if def.ProviderAPI == "" {
		def.ProviderAPI = m.providerAPI
	}
	if def.PriceType == "" {
		def.PriceType = template.PriceTypeOnDemand
	}
	if !explicitActive {
		def.IsActive = true
	}
	def.SourceFile = file.path
	def.FilePriority = file.priority
	return def, nil
}

// HitCount reports how many cache hits an id has served, for tests and
// diagnostics.
func (m *Manager) HitCount(id string) int64 {
	if cached, ok := m.cache.Get(id); ok {
		return cached.(*entry).hitCount.Load()
	}
	return 0
}
