// Package poller drives the broker's maintenance sweep: every active request
// is polled against its provider so machine states converge even when the
// scheduler is slow to call getRequestStatus. The sweep fans out over the
// worker pool and a full queue degrades to polling inline, so backpressure
// slows the sweep down instead of dropping requests.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hostbroker/internal/application/commands"
	"hostbroker/internal/application/mediator"
	"hostbroker/internal/application/queries"
	"hostbroker/internal/concurrency"
	"hostbroker/internal/errors"
)

// defaultPageSize bounds one listing call during a sweep.
const defaultPageSize = 100

// Report summarizes one sweep.
type Report struct {
	Requests int `json:"requests"`
	Failed   int `json:"failed"`
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithPageSize sets how many active requests one listing call fetches.
func WithPageSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Sweeper reconciles active requests through the command pipeline.
type Sweeper struct {
	mediator mediator.IMediator
	pool     *concurrency.Pool
	logger   *zap.Logger
	pageSize int
}

// NewSweeper builds a sweeper. A nil pool makes every poll run inline.
func NewSweeper(m mediator.IMediator, pool *concurrency.Pool, logger *zap.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		mediator: m,
		pool:     pool,
		logger:   logger,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce polls every active request once and waits for the fan-out to
// finish. Individual poll failures are counted and logged; only listing
// failures abort the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report
	var failed atomic.Int64

	for offset := 0; ; offset += s.pageSize {
		res, err := s.mediator.Query(ctx, queries.ListActiveRequestsQuery{
			Limit:  s.pageSize,
			Offset: offset,
		})
		if err != nil {
			return report, err
		}
		page, ok := res.(queries.ListActiveRequestsResult)
		if !ok {
			return report, errors.Internal(errors.CodeInternalError, "unexpected result type for active request listing").
				WithOperation("sweeper.sweep_once").
				Build()
		}
		if len(page.Requests) == 0 {
			break
		}

		for _, view := range page.Requests {
			report.Requests++
			s.dispatch(ctx, view.RequestID, &failed)
		}
		if len(page.Requests) < s.pageSize {
			break
		}
	}

	if s.pool != nil {
		s.pool.Wait()
	}
	report.Failed = int(failed.Load())
	return report, nil
}

// dispatch polls one request, through the pool when one is attached.
func (s *Sweeper) dispatch(ctx context.Context, requestID string, failed *atomic.Int64) {
	poll := func(ctx context.Context) error {
		_, err := s.mediator.Send(ctx, commands.UpdateRequestStatusCommand{RequestID: requestID})
		return err
	}
	record := func(id string, err error) {
		if err != nil {
			failed.Add(1)
			s.logger.Warn("request poll failed during sweep",
				zap.String("request_id", id),
				zap.Error(err))
		}
	}

	if s.pool == nil {
		record(requestID, poll(ctx))
		return
	}
	err := s.pool.Submit(concurrency.Task{
		ID:       "sweep-" + requestID,
		Execute:  poll,
		Callback: record,
	})
	if err != nil {
		// Saturated or stopping pool: poll inline so the sweep stays complete.
		record(requestID, poll(ctx))
	}
}

// Run sweeps on the given interval until the context is cancelled. The first
// sweep runs immediately.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		report, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Warn("sweep aborted", zap.Error(err))
		} else if report.Requests > 0 {
			s.logger.Info("sweep finished",
				zap.Int("requests", report.Requests),
				zap.Int("failed", report.Failed))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
