// Package concurrency provides the bounded worker pool that runs background
// broker work: status sweeps, provider cleanup, event fan-out. The pool is
// fixed-size with a bounded queue so a slow provider cannot pile up unbounded
// goroutines behind the dispatch path.
package concurrency

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hostbroker/internal/config"
	"hostbroker/internal/errors"
	"hostbroker/pkg/observability"
)

// Task is one unit of background work. Execute receives the pool's context,
// which is cancelled when the pool stops. Callback, when set, is invoked with
// the task id and outcome after Execute returns.
type Task struct {
	ID       string
	Execute  func(ctx context.Context) error
	Callback func(id string, err error)
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Option configures optional pool collaborators.
type Option func(*Pool)

// WithMetrics publishes queue depth and active-worker gauges.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool is a fixed-size worker pool. Submit never blocks: a full queue is
// reported as a retryable saturation error so callers shed load instead of
// wedging the caller.
type Pool struct {
	workers int
	logger  *zap.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	queue     chan Task
	accepting bool
	started   bool

	baseCtx context.Context
	cancel  context.CancelFunc

	workerWG sync.WaitGroup
	taskWG   sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool sizes a pool from configuration. Zero or negative values fall back
// to 16 workers and a queue of 16 slots per worker.
func NewPool(cfg config.PoolConfig, logger *zap.Logger, opts ...Option) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 16
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		workers: workers,
		logger:  logger,
		queue:   make(chan Task, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Calling Start on a running pool is a no-op;
// Submit starts the pool on first use when the caller never starts it
// explicitly.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(ctx)
}

func (p *Pool) startLocked(ctx context.Context) {
	if p.started {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.baseCtx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.accepting = true

	p.workerWG.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.queue)))
}

// Submit enqueues a task. A full queue fails fast with a retryable saturation
// error; a stopped pool rejects with a conflict.
func (p *Pool) Submit(task Task) error {
	if task.Execute == nil {
		return errors.Validation(errors.CodeInvalidInput, "task requires an execute function").
			WithResource(task.ID).
			Build()
	}

	p.mu.RLock()
	if !p.started {
		p.mu.RUnlock()
		p.mu.Lock()
		p.startLocked(context.Background())
		p.mu.Unlock()
		p.mu.RLock()
	}
	defer p.mu.RUnlock()

	if !p.accepting {
		return errors.Conflict(errors.CodePoolSaturated, "worker pool is shutting down").
			WithOperation("pool.submit").
			WithResource(task.ID).
			Build()
	}

	p.taskWG.Add(1)
	select {
	case p.queue <- task:
		p.publishDepth()
		return nil
	default:
		p.taskWG.Done()
		return errors.NewError(errors.ErrorTypeInternal, errors.CodePoolSaturated, "worker pool queue is full").
			WithOperation("pool.submit").
			WithResource(task.ID).
			WithDetailsf("%d tasks queued", len(p.queue)).
			WithRetryable(true).
			WithRetryAfter(time.Second).
			Build()
	}
}

// Wait blocks until every queued and in-flight task has finished.
func (p *Pool) Wait() {
	p.taskWG.Wait()
}

// Stop drains the pool: no new tasks are accepted, queued tasks run to
// completion, and workers exit. If ctx expires first the base context is
// cancelled so in-flight tasks observe the shutdown.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || !p.accepting {
		p.mu.Unlock()
		return nil
	}
	p.accepting = false
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped",
			zap.Int64("completed", p.completed.Load()),
			zap.Int64("failed", p.failed.Load()))
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return errors.FromContext(ctx.Err())
	}
}

// Stats reports current pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Active:    int(p.active.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.workerWG.Done()
	for task := range p.queue {
		p.run(id, task)
	}
}

// run executes one task with panic isolation so a faulty task cannot take a
// worker down with it.
func (p *Pool) run(worker int, task Task) {
	defer p.taskWG.Done()
	p.active.Add(1)
	p.publishDepth()
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Internal(errors.CodeInternalError, "pool task panicked").
					WithOperation("pool.execute").
					WithResource(task.ID).
					WithDetailsf("%v", r).
					Build()
				p.logger.Error("pool task panicked",
					zap.String("task_id", task.ID),
					zap.Int("worker", worker),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		err = task.Execute(p.baseCtx)
	}()

	p.active.Add(-1)
	p.publishDepth()

	elapsed := time.Since(start)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("pool task failed",
			zap.String("task_id", task.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		p.completed.Add(1)
		p.logger.Debug("pool task completed",
			zap.String("task_id", task.ID),
			zap.Duration("elapsed", elapsed))
	}

	if task.Callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("pool task callback panicked",
						zap.String("task_id", task.ID),
						zap.Any("panic", r))
				}
			}()
			task.Callback(task.ID, err)
		}()
	}
}

func (p *Pool) publishDepth() {
	p.metrics.SetPoolDepth(len(p.queue), int(p.active.Load()))
}
