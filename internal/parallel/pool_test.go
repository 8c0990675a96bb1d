package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// WorkerPool Creation Tests
// =============================================================================

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestWorkerPool_CreateZeroWorkers(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if pool.Workers() != expected {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), expected)
	}
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestWorkerPool_Dispatch(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	const n = 1000
	seen := make([]atomic.Int32, n)

	pool.Dispatch(n, func(i int) {
		seen[i].Add(1)
	})

	for i := range seen {
		if got := seen[i].Load(); got != 1 {
			t.Fatalf("index %d executed %d times, want 1", i, got)
		}
	}
}

func TestWorkerPool_DispatchEmpty(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	called := false
	pool.Dispatch(0, func(int) { called = true })
	pool.Dispatch(5, nil)

	if called {
		t.Error("Dispatch(0) should not call fn")
	}
}

func TestWorkerPool_DispatchWaitsForCompletion(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var finished atomic.Int32
	pool.Dispatch(8, func(int) {
		time.Sleep(5 * time.Millisecond)
		finished.Add(1)
	})

	if got := finished.Load(); got != 8 {
		t.Errorf("finished = %d after Dispatch returned, want 8", got)
	}
}

func TestWorkerPool_ConcurrentDispatch(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var total atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Dispatch(100, func(int) { total.Add(1) })
		}()
	}
	wg.Wait()

	if got := total.Load(); got != 800 {
		t.Errorf("total = %d, want 800", got)
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("Pool should not be running after Close")
	}
}

func TestWorkerPool_DispatchAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()

	var count atomic.Int32
	pool.Dispatch(10, func(int) { count.Add(1) })

	if got := count.Load(); got != 10 {
		t.Errorf("count = %d after closed dispatch, want 10 (inline execution)", got)
	}
}
