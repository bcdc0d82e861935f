package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "hostbroker"

// Metrics holds the broker's Prometheus instruments. All methods are safe on
// a nil receiver so callers do not need to guard for disabled metrics.
type Metrics struct {
	dispatchesTotal      *prometheus.CounterVec
	dispatchDuration     *prometheus.HistogramVec
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	machinesTotal        *prometheus.CounterVec
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	circuitBreakerState  *prometheus.GaugeVec
	selectionsTotal      *prometheus.CounterVec
	cacheLookupsTotal    *prometheus.CounterVec
	poolQueueDepth       prometheus.Gauge
	poolActiveWorkers    prometheus.Gauge
}

// NewMetrics registers the broker instruments against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "bus",
			Name:      "dispatches_total",
			Help:      "Commands and queries dispatched through the mediator.",
		}, []string{"kind", "name", "outcome"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: "bus",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler latency per command or query.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"kind", "name"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests by type and terminal outcome.",
		}, []string{"request_type", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from request acceptance to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"request_type"}),
		machinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "machines",
			Name:      "total",
			Help:      "Machines by template and lifecycle outcome.",
		}, []string{"template_id", "outcome"}),
		providerCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Outbound provider calls by operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		providerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"provider", "operation"}),
		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: "provider",
			Name:      "circuit_breaker_state",
			Help:      "Circuit state per guarded service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
		selectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "selection",
			Name:      "total",
			Help:      "Provider strategy selections by policy.",
		}, []string{"policy", "strategy"}),
		cacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "templates",
			Name:      "cache_lookups_total",
			Help:      "Template cache lookups by result.",
		}, []string{"result"}),
		poolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		poolActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Workers currently executing a task.",
		}),
	}
}

// ObserveDispatch records one mediator dispatch. Kind is "command" or
// "query"; name is the message's declared name.
func (m *Metrics) ObserveDispatch(kind, name, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(kind, name, outcome).Inc()
	m.dispatchDuration.WithLabelValues(kind, name).Observe(duration.Seconds())
}

// ObserveRequest records a request reaching a terminal state.
func (m *Metrics) ObserveRequest(requestType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(requestType, outcome).Inc()
	m.requestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// ObserveMachine records a machine outcome for a template.
func (m *Metrics) ObserveMachine(templateID, outcome string) {
	if m == nil {
		return
	}
	m.machinesTotal.WithLabelValues(templateID, outcome).Inc()
}

// ObserveProviderCall records one outbound call.
func (m *Metrics) ObserveProviderCall(provider, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.providerCallsTotal.WithLabelValues(provider, operation, outcome).Inc()
	m.providerCallDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// SetCircuitState publishes the circuit state for a guarded service.
// closed=0, half-open=1, open=2.
func (m *Metrics) SetCircuitState(service string, state float64) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(service).Set(state)
}

// ObserveSelection records a provider-strategy selection decision.
func (m *Metrics) ObserveSelection(policy, strategy string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(policy, strategy).Inc()
}

// ObserveCacheLookup records a template cache lookup result (hit, miss, stale).
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetPoolDepth publishes worker pool saturation.
func (m *Metrics) SetPoolDepth(queued, active int) {
	if m == nil {
		return
	}
	m.poolQueueDepth.Set(float64(queued))
	m.poolActiveWorkers.Set(float64(active))
}
