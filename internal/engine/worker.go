package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/flowpilot/internal/logging"
)

// PoolMetrics counts background walks.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrPoolSaturated is returned by TrySubmit when every slot is busy.
	ErrPoolSaturated = errors.New("worker pool is saturated")
)

// WorkerPool runs walks launched by asynchronous starts. A walk outlives the
// request that launched it, so it runs on a context detached from the
// submitter's cancellation.
type WorkerPool struct {
	slots  *semaphore.Weighted
	logger *slog.Logger

	// stopped is cancelled by Shutdown; it aborts Submits blocked on a slot.
	stopped context.Context
	stop    context.CancelFunc

	mu      sync.Mutex // orders running.Add against Shutdown
	running sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size walks at once.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	stopped, stop := context.WithCancel(context.Background())
	return &WorkerPool{
		slots:   semaphore.NewWeighted(int64(max(size, 1))),
		logger:  logging.OrDefault(logger),
		stopped: stopped,
		stop:    stop,
	}
}

// Submit runs fn in the background once a slot frees up. It returns early
// with ctx's error, or ErrPoolShutdown once the pool is shut down.
func (p *WorkerPool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if p.stopped.Err() != nil {
		return ErrPoolShutdown
	}

	waitCtx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(p.stopped, cancel)
	err := p.slots.Acquire(waitCtx, 1)
	unhook()
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}

	return p.launch(ctx, name, fn)
}

// TrySubmit is Submit without the wait: it returns ErrPoolSaturated at once
// when no slot is free.
func (p *WorkerPool) TrySubmit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if p.stopped.Err() != nil {
		return ErrPoolShutdown
	}
	if !p.slots.TryAcquire(1) {
		return ErrPoolSaturated
	}
	return p.launch(ctx, name, fn)
}

// launch starts fn on a slot the caller already holds.
func (p *WorkerPool) launch(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.stopped.Err() != nil {
		p.mu.Unlock()
		p.slots.Release(1)
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), name, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "background walk panicked",
				"task", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		p.active.Add(-1)
		p.slots.Release(1)
		p.running.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.WarnContext(ctx, "background walk failed", "task", name, "error", err)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every submitted walk has returned.
func (p *WorkerPool) Wait() {
	p.running.Wait()
}

// Shutdown rejects new work and waits for running walks. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.stop()
	p.mu.Unlock()
	p.running.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
