package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_RunsAndCounts(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	for i := 0; i < 3; i++ {
		fail := i == 2
		if err := pool.Submit(context.Background(), "walk", func(ctx context.Context) error {
			if fail {
				return errors.New("remote down")
			}
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Completed != 2 || m.Failed != 1 || m.Active != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(3, nil)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 12; i++ {
		err := pool.Submit(context.Background(), "walk", func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds pool size", peak)
	}
}

func TestWorkerPool_DetachedFromSubmitter(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var sawCancel atomic.Bool
	if err := pool.Submit(ctx, "walk", func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	cancel()
	pool.Wait()

	if sawCancel.Load() {
		t.Error("walk context was cancelled with the submitter")
	}
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	_ = pool.Submit(context.Background(), "walk", func(ctx context.Context) error {
		panic("boom")
	})
	pool.Wait()

	if m := pool.Metrics(); m.Panics != 1 || m.Failed != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), "walk", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "waiting", func(ctx context.Context) error { return nil })
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWorkerPool_TrySubmitSaturated(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	if err := pool.TrySubmit(context.Background(), "blocker", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	begin := time.Now()
	err := pool.TrySubmit(context.Background(), "second", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("expected ErrPoolSaturated, got %v", err)
	}
	if waited := time.Since(begin); waited > 100*time.Millisecond {
		t.Errorf("TrySubmit waited %s for a slot", waited)
	}

	close(block)
	pool.Wait()
	if err := pool.TrySubmit(context.Background(), "third", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("submit after slot freed: %v", err)
	}
	pool.Wait()

	pool.Shutdown()
	if err := pool.TrySubmit(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}
