package provider

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"hostbroker/internal/errors"
	"hostbroker/pkg/observability"
)

// Registration is the config-driven record describing one strategy to the
// context. Priority orders candidates (lower first); Weight feeds the
// weighted round-robin policy; MaxActiveOperations caps concurrent calls
// against the strategy (0 means uncapped).
type Registration struct {
	Name                string
	ProviderType        string
	Config              map[string]string
	Capabilities        []string
	Priority            int
	Weight              int
	MaxActiveOperations int
	Strategy            Strategy
}

// Criteria narrows the candidate set before the policy picks one strategy.
// Zero-valued fields do not filter.
type Criteria struct {
	RequiredCapabilities []string
	MinSuccessRate       float64
	MaxResponseTime      time.Duration
	RequireHealthy       bool
	ExcludeStrategies    []string
	PreferStrategies     []string
}

// StrategySnapshot is the externally visible state of one registration:
// configuration, health, and rolling metrics at a point in time.
type StrategySnapshot struct {
	Name         string            `json:"name"`
	ProviderType string            `json:"provider_type"`
	Config       map[string]string `json:"config,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Priority     int               `json:"priority"`
	Weight       int               `json:"weight"`
	Health       Health            `json:"health"`
	Metrics      MetricsSnapshot   `json:"metrics"`
}

// Entry is a registered strategy plus its runtime state. Registration fields
// mutable through ConfigureProviderStrategy are guarded by mu; the metrics
// window and active counter synchronize themselves.
type Entry struct {
	mu     sync.RWMutex
	reg    Registration
	health Health

	window *metricsWindow
	active atomic.Int64
	sem    *semaphore.Weighted
}

// Name returns the registration name.
func (e *Entry) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reg.Name
}

// Strategy returns the wrapped strategy implementation.
func (e *Entry) Strategy() Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reg.Strategy
}

// Health returns the current health snapshot.
func (e *Entry) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

// Metrics returns the rolling metrics including the live active-operation
// count.
func (e *Entry) Metrics() MetricsSnapshot {
	snap := e.window.snapshot()
	snap.ActiveOperations = e.active.Load()
	return snap
}

// Snapshot captures the full externally visible state.
func (e *Entry) Snapshot() StrategySnapshot {
	e.mu.RLock()
	reg := e.reg
	health := e.health
	e.mu.RUnlock()

	return StrategySnapshot{
		Name:         reg.Name,
		ProviderType: reg.ProviderType,
		Config:       lo.Assign(map[string]string{}, reg.Config),
		Capabilities: append([]string(nil), reg.Capabilities...),
		Priority:     reg.Priority,
		Weight:       reg.Weight,
		Health:       health,
		Metrics:      e.Metrics(),
	}
}

// tryAcquire claims one active-operation slot, failing fast when the strategy
// is at its cap.
func (e *Entry) tryAcquire() bool {
	if e.sem != nil && !e.sem.TryAcquire(1) {
		return false
	}
	e.active.Add(1)
	return true
}

func (e *Entry) release() {
	e.active.Add(-1)
	if e.sem != nil {
		e.sem.Release(1)
	}
}

// capabilitySet returns the capabilities as a set for superset checks.
func (e *Entry) capabilitySet() map[string]struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := make(map[string]struct{}, len(e.reg.Capabilities))
	for _, c := range e.reg.Capabilities {
		set[c] = struct{}{}
	}
	return set
}

// Context owns the registered strategies and selects one per operation. The
// RNG and clock are injected so selection is deterministic under test: given
// a fixed policy, strategy set, metrics snapshot, and RNG seed, Select always
// returns the same strategy.
type Context struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	defaultName string

	policy           Policy
	windowSize       int
	maxFailover      int
	failureThreshold int

	rrCursor  atomic.Uint64
	wrrCursor atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
}

// ContextOption tunes the provider context.
type ContextOption func(*Context)

// WithRand injects the RNG used by the RANDOM policy.
func WithRand(rng *rand.Rand) ContextOption {
	return func(c *Context) { c.rng = rng }
}

// WithClock injects the time source used for metrics timestamps.
func WithClock(clock func() time.Time) ContextOption {
	return func(c *Context) { c.clock = clock }
}

// WithMetricsWindow sets the rolling window size for newly registered
// strategies.
func WithMetricsWindow(size int) ContextOption {
	return func(c *Context) {
		if size > 0 {
			c.windowSize = size
		}
	}
}

// WithMaxFailover bounds how many additional strategies one Execute call may
// try after the first fails retryably.
func WithMaxFailover(n int) ContextOption {
	return func(c *Context) {
		if n >= 0 {
			c.maxFailover = n
		}
	}
}

// WithFailureThreshold sets how many consecutive operation failures mark a
// strategy unhealthy ahead of its next periodic health check.
func WithFailureThreshold(n int) ContextOption {
	return func(c *Context) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// WithObservability attaches the broker metrics sink.
func WithObservability(metrics *observability.Metrics) ContextOption {
	return func(c *Context) { c.metrics = metrics }
}

// NewContext creates an empty provider context with the given selection
// policy.
func NewContext(policy Policy, logger *zap.Logger, opts ...ContextOption) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		entries:          make(map[string]*Entry),
		policy:           policy,
		windowSize:       DefaultMetricsWindow,
		maxFailover:      2,
		failureThreshold: 5,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:            time.Now,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a strategy under its registration name. The first registered
// strategy becomes the default. Registering a name twice is a conflict.
func (c *Context) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.Validation(errors.CodeInvalidInput, "strategy registration requires a name").
			WithOperation("provider_context.register").
			Build()
	}
	if reg.Strategy == nil {
		return errors.Validation(errors.CodeInvalidInput, "strategy registration requires an implementation").
			WithOperation("provider_context.register").
			WithResource(reg.Name).
			Build()
	}
	if reg.Weight < 1 {
		reg.Weight = 1
	}

	entry := &Entry{
		reg:    reg,
		window: newMetricsWindow(c.windowSize),
		health: Health{Healthy: true, Score: 1.0, CheckedAt: c.clock()},
	}
	if reg.MaxActiveOperations > 0 {
		entry.sem = semaphore.NewWeighted(int64(reg.MaxActiveOperations))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[reg.Name]; exists {
		return errors.Conflict(errors.CodeProviderRejected, "strategy already registered").
			WithOperation("provider_context.register").
			WithResource(reg.Name).
			Build()
	}
	c.entries[reg.Name] = entry
	if c.defaultName == "" {
		c.defaultName = reg.Name
	}

	c.logger.Info("provider strategy registered",
		zap.String("strategy", reg.Name),
		zap.String("provider_type", reg.ProviderType),
		zap.Int("priority", reg.Priority),
		zap.Int("weight", reg.Weight))
	return nil
}

// Deregister removes a strategy. Returns false when the name is unknown.
func (c *Context) Deregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; !exists {
		return false
	}
	delete(c.entries, name)
	if c.defaultName == name {
		c.defaultName = ""
		for _, remaining := range c.sortedLocked() {
			c.defaultName = remaining.Name()
			break
		}
	}
	return true
}

// Get returns the entry registered under name.
func (c *Context) Get(name string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Names returns the registered strategy names sorted by (priority, name).
func (c *Context) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Map(c.sortedLocked(), func(e *Entry, _ int) string { return e.Name() })
}

// Snapshots returns the state of every registration, sorted by
// (priority, name).
func (c *Context) Snapshots() []StrategySnapshot {
	c.mu.RLock()
	entries := c.sortedLocked()
	c.mu.RUnlock()
	return lo.Map(entries, func(e *Entry, _ int) StrategySnapshot { return e.Snapshot() })
}

// DefaultName returns the fallback strategy name.
func (c *Context) DefaultName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultName
}

// SetDefault changes the fallback strategy.
func (c *Context) SetDefault(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[name]; !exists {
		return errors.NotFound(errors.CodeProviderNotFound, "strategy not registered").
			WithOperation("provider_context.set_default").
			WithResource(name).
			Build()
	}
	c.defaultName = name
	return nil
}

// Policy returns the active selection policy.
func (c *Context) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy changes the selection policy at runtime.
func (c *Context) SetPolicy(policy Policy) {
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()
}

// Configure updates the mutable registration fields of one strategy: priority,
// weight, capabilities, and config entries. Nil slices and maps leave the
// current value in place.
func (c *Context) Configure(name string, priority, weight *int, capabilities []string, config map[string]string) error {
	entry, ok := c.Get(name)
	if !ok {
		return errors.NotFound(errors.CodeProviderNotFound, "strategy not registered").
			WithOperation("provider_context.configure").
			WithResource(name).
			Build()
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if priority != nil {
		entry.reg.Priority = *priority
	}
	if weight != nil && *weight >= 1 {
		entry.reg.Weight = *weight
	}
	if capabilities != nil {
		entry.reg.Capabilities = append([]string(nil), capabilities...)
	}
	if config != nil {
		if entry.reg.Config == nil {
			entry.reg.Config = make(map[string]string, len(config))
		}
		for k, v := range config {
			entry.reg.Config[k] = v
		}
	}
	return nil
}

// UpdateHealth overrides a strategy's health snapshot, e.g. from an operator
// command or an external monitor.
func (c *Context) UpdateHealth(name string, healthy bool, message string) error {
	entry, ok := c.Get(name)
	if !ok {
		return errors.NotFound(errors.CodeProviderNotFound, "strategy not registered").
			WithOperation("provider_context.update_health").
			WithResource(name).
			Build()
	}
	entry.mu.Lock()
	entry.health = Health{
		Healthy:   healthy,
		Score:     healthScore(healthy, entry.window.snapshot().SuccessRate),
		Message:   message,
		CheckedAt: c.clock(),
	}
	entry.mu.Unlock()
	return nil
}

// recordHealthCheck folds one periodic health check result into the entry.
func (c *Context) recordHealthCheck(name string, err error) {
	entry, ok := c.Get(name)
	if !ok {
		return
	}
	entry.mu.Lock()
	if err != nil {
		entry.health.ConsecutiveFailures++
		entry.health.Healthy = false
		entry.health.Score = 0
		entry.health.Message = err.Error()
	} else {
		entry.health.ConsecutiveFailures = 0
		entry.health.Healthy = true
		entry.health.Message = ""
		entry.health.Score = healthScore(true, entry.window.snapshot().SuccessRate)
	}
	entry.health.CheckedAt = c.clock()
	entry.mu.Unlock()
}

// recordOutcome folds one operation result into metrics and health. Sustained
// failures trip the health snapshot ahead of the periodic check so selection
// stops routing to a failing strategy immediately.
func (c *Context) recordOutcome(entry *Entry, duration time.Duration, err error) {
	entry.window.record(duration, err, c.clock())

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err != nil && !errors.IsCancelled(err) {
		entry.health.ConsecutiveFailures++
		if entry.health.ConsecutiveFailures >= c.failureThreshold {
			entry.health.Healthy = false
			entry.health.Score = 0
			entry.health.Message = "consecutive operation failures"
			entry.health.CheckedAt = c.clock()
		} else if entry.health.Healthy {
			entry.health.Score = healthScore(true, entry.window.snapshot().SuccessRate)
		}
		return
	}
	if err == nil {
		entry.health.ConsecutiveFailures = 0
		if entry.health.Healthy {
			entry.health.Score = healthScore(true, entry.window.snapshot().SuccessRate)
		}
	}
}

func healthScore(healthy bool, successRate float64) float64 {
	if !healthy {
		return 0
	}
	return successRate
}

// sortedLocked returns entries ordered by (priority, name). Callers hold at
// least a read lock.
func (c *Context) sortedLocked() []*Entry {
	entries := lo.Values(c.entries)
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		a.mu.RLock()
		ap, an := a.reg.Priority, a.reg.Name
		a.mu.RUnlock()
		b.mu.RLock()
		bp, bn := b.reg.Priority, b.reg.Name
		b.mu.RUnlock()
		if ap != bp {
			return ap < bp
		}
		return an < bn
	})
	return entries
}

// Select runs the selection pipeline: filter the registered strategies by the
// criteria, then let the policy pick one from what remains.
func (c *Context) Select(criteria Criteria) (*Entry, error) {
	c.mu.RLock()
	entries := c.sortedLocked()
	policy := c.policy
	c.mu.RUnlock()

	cands := filterCandidates(entries, criteria)
	if len(cands) == 0 {
		return nil, errors.ProviderTransient(errors.CodeProviderUnavailable, "no provider strategy available").
			WithOperation("provider_context.select").
			WithDetailsf("policy %s matched none of %d registered strategies", policy, len(entries)).
			Build()
	}

	var chosen candidate
	switch policy {
	case PolicyRoundRobin:
		chosen = pick(policy, cands, c.rrCursor.Add(1)-1, 0, nil)
	case PolicyWeightedRoundRobin:
		chosen = pick(policy, cands, 0, c.wrrCursor.Add(1)-1, nil)
	case PolicyRandom:
		c.rngMu.Lock()
		chosen = pick(policy, cands, 0, 0, c.rng)
		c.rngMu.Unlock()
	default:
		chosen = pick(policy, cands, 0, 0, nil)
	}

	c.metrics.ObserveSelection(string(policy), chosen.name)
	return chosen.entry, nil
}

// filterCandidates applies steps 1-5 of the selection pipeline over a
// consistent snapshot of each entry's health and metrics.
func filterCandidates(entries []*Entry, criteria Criteria) []candidate {
	excluded := make(map[string]struct{}, len(criteria.ExcludeStrategies))
	for _, name := range criteria.ExcludeStrategies {
		excluded[name] = struct{}{}
	}

	cands := make([]candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		name := e.reg.Name
		priority := e.reg.Priority
		weight := e.reg.Weight
		e.mu.RUnlock()

		if _, skip := excluded[name]; skip {
			continue
		}

		health := e.Health()
		if criteria.RequireHealthy && !health.Healthy {
			continue
		}

		caps := e.capabilitySet()
		if !supersetOf(caps, criteria.RequiredCapabilities) {
			continue
		}

		metrics := e.Metrics()
		if criteria.MinSuccessRate > 0 && metrics.SuccessRate < criteria.MinSuccessRate {
			continue
		}
		if criteria.MaxResponseTime > 0 && metrics.P95 > criteria.MaxResponseTime {
			continue
		}

		cands = append(cands, candidate{
			entry:    e,
			name:     name,
			priority: priority,
			weight:   weight,
			caps:     caps,
			health:   health,
			metrics:  metrics,
		})
	}

	if len(criteria.PreferStrategies) > 0 {
		preferred := lo.Filter(cands, func(c candidate, _ int) bool {
			return lo.Contains(criteria.PreferStrategies, c.name)
		})
		if len(preferred) > 0 {
			cands = preferred
		}
	}
	return cands
}

func supersetOf(caps map[string]struct{}, required []string) bool {
	for _, r := range required {
		if _, ok := caps[r]; !ok {
			return false
		}
	}
	return true
}

// Execute selects a strategy and runs op against it, failing over to the next
// candidate when the outcome is retryable or the circuit is open. Strategies
// already tried are excluded from re-selection for this operation. The last
// error is returned once candidates or failover attempts run out.
func (c *Context) Execute(ctx context.Context, operation string, criteria Criteria, op func(ctx context.Context, s Strategy) error) error {
	c.mu.RLock()
	maxAttempts := c.maxFailover + 1
	c.mu.RUnlock()

	tried := make([]string, 0, maxAttempts)
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.FromContext(err)
		}

		crit := criteria
		crit.ExcludeStrategies = append(append([]string(nil), criteria.ExcludeStrategies...), tried...)
		entry, err := c.Select(crit)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		name := entry.Name()
		tried = append(tried, name)

		if !entry.tryAcquire() {
			lastErr = errors.ProviderTransient(errors.CodeProviderBusy, "strategy at active-operation cap").
				WithOperation(operation).
				WithResource(name).
				Build()
			c.logger.Warn("provider strategy busy",
				zap.String("strategy", name),
				zap.String("operation", operation))
			continue
		}

		start := c.clock()
		err = op(ctx, entry.Strategy())
		duration := c.clock().Sub(start)
		entry.release()

		c.recordOutcome(entry, duration, err)
		c.metrics.ObserveProviderCall(name, operation, duration, err)

		if err == nil {
			return nil
		}
		lastErr = err

		// Circuit-open failures are not retryable at the same strategy but
		// are explicitly failover-able to another one.
		if !errors.IsRetryable(err) && !errors.IsCircuitOpen(err) {
			return err
		}
		c.logger.Warn("provider operation failed, failing over",
			zap.String("strategy", name),
			zap.String("operation", operation),
			zap.Duration("duration", duration),
			zap.Error(err))
	}
	return lastErr
}

// ExecuteWith runs a value-returning operation through Execute.
func ExecuteWith[T any](ctx context.Context, c *Context, operation string, criteria Criteria, fn func(ctx context.Context, s Strategy) (T, error)) (T, error) {
	var out T
	err := c.Execute(ctx, operation, criteria, func(ctx context.Context, s Strategy) error {
		v, err := fn(ctx, s)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
