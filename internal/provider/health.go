package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Health is the current health snapshot of one registered strategy. Score
// feeds the HEALTH_BASED policy: 0 while unhealthy, otherwise the rolling
// success rate at the time the snapshot was taken.
type Health struct {
	Healthy             bool      `json:"healthy"`
	Score               float64   `json:"score"`
	Message             string    `json:"message,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HealthChecker sweeps every registered strategy on a fixed interval and
// updates the context's health snapshots. Sustained operation failures mark a
// strategy unhealthy without waiting for the next sweep; a passing check
// restores it.
type HealthChecker struct {
	providers *Context
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewHealthChecker builds a checker for the given context. A zero interval
// falls back to 30s; each individual check is bounded to the interval.
func NewHealthChecker(providers *Context, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		providers: providers,
		interval:  interval,
		timeout:   interval,
		logger:    logger,
	}
}

// Start launches the periodic sweep. The first sweep runs immediately so
// strategies do not sit unverified for a full interval after startup.
func (h *HealthChecker) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	h.started = true

	go func() {
		defer close(h.done)
		h.CheckAll(ctx)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckAll(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for the in-flight sweep to finish.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.cancel()
	done := h.done
	h.started = false
	h.mu.Unlock()
	<-done
}

// CheckAll performs one sweep over every registered strategy.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	for _, name := range h.providers.Names() {
		entry, ok := h.providers.Get(name)
		if !ok {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := entry.Strategy().HealthCheck(checkCtx)
		cancel()

		h.providers.recordHealthCheck(name, err)
		if err != nil {
			h.logger.Warn("provider health check failed",
				zap.String("strategy", name),
				zap.Error(err))
		}
	}
}
