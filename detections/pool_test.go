package detections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fakeSessions(created *int) sessionFactory {
	return func() (*ModelSession, error) {
		*created++
		return &ModelSession{Size: 64}, nil
	}
}

func TestModelSessionPool_AcquireRelease(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 2, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()

	if created != 2 {
		t.Fatalf("expected 2 sessions created, got %d", created)
	}

	s1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s2, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m := pool.GetMetrics()
	if m.InUse != 2 || m.Available != 0 || m.TotalAcquired != 2 {
		t.Fatalf("unexpected metrics after acquire: %+v", m)
	}

	pool.Release(s1)
	pool.Release(s2)

	m = pool.GetMetrics()
	if m.InUse != 0 || m.Available != 2 || m.TotalReleased != 2 || m.InputSize != 64 {
		t.Fatalf("unexpected metrics after release: %+v", m)
	}
}

func TestModelSessionPool_AcquireTimeout(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 1, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()
	pool.acquireTimeout = 10 * time.Millisecond

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(s)

	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatalf("expected timeout with an exhausted pool")
	}
	if m := pool.GetMetrics(); m.AcquireFailures != 1 {
		t.Fatalf("expected 1 acquire failure, got %d", m.AcquireFailures)
	}
}

func TestModelSessionPool_AcquireCanceled(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 1, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()

	s, _ := pool.Acquire(context.Background())
	defer pool.Release(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestModelSessionPool_Closed(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 1, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	s, _ := pool.Acquire(context.Background())
	pool.Destroy()
	pool.Destroy()

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	// releasing into a closed pool must not panic
	pool.Release(s)
}

func TestModelSessionPool_DiscardAndReplenish(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 2, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()

	s, _ := pool.Acquire(context.Background())
	pool.Discard(s, errors.New("run failed"))

	m := pool.GetMetrics()
	if m.Available != 1 || m.InUse != 0 {
		t.Fatalf("unexpected metrics after discard: %+v", m)
	}
	if len(m.LastErrors) != 1 || m.LastErrors[0] != "run failed" {
		t.Fatalf("expected the discard cause to be recorded, got %v", m.LastErrors)
	}

	pool.replenish()
	if m := pool.GetMetrics(); m.Available != 2 {
		t.Fatalf("expected pool refilled to 2, got %d", m.Available)
	}
	if created != 3 {
		t.Fatalf("expected 3 sessions created, got %d", created)
	}
	if m := pool.GetMetrics(); m.Live != 2 {
		t.Fatalf("expected 2 live sessions, got %d", m.Live)
	}
}

// finishes fails the test when fn does not return within a second.
func finishes(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestModelSessionPool_ReplenishWhileCheckedOut(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 1, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// the only session is checked out, not lost
	pool.replenish()
	if created != 1 {
		t.Fatalf("replenish created a session for a checked out slot: %d created", created)
	}

	finishes(t, "Release", func() { pool.Release(s) })
	finishes(t, "GetMetrics", func() {
		m := pool.GetMetrics()
		if m.Available != 1 || m.Live != 1 {
			t.Errorf("expected 1 available and 1 live session, got %+v", m)
		}
	})
	finishes(t, "Acquire", func() {
		s, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("acquire: %v", err)
			return
		}
		pool.Release(s)
	})
}

func TestModelSessionPool_ReplenishConcurrentWithCheckouts(t *testing.T) {
	var mu sync.Mutex
	created := 0
	pool, err := NewModelSessionPool(64, 2, func() (*ModelSession, error) {
		mu.Lock()
		created++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return &ModelSession{}, nil
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()

	stop := make(chan struct{})
	var refills sync.WaitGroup
	refills.Add(1)
	go func() {
		defer refills.Done()
		for {
			select {
			case <-stop:
				return
			default:
				pool.replenish()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	var workers sync.WaitGroup
	for w := 0; w < 4; w++ {
		workers.Add(1)
		go func(w int) {
			defer workers.Done()
			for i := 0; i < 100; i++ {
				s, err := pool.Acquire(context.Background())
				if err != nil {
					continue
				}
				if (i+w)%10 == 0 {
					pool.Discard(s, errors.New("run failed"))
					continue
				}
				pool.Release(s)
			}
		}(w)
	}

	finishes(t, "checkout loop", workers.Wait)
	close(stop)
	finishes(t, "replenish loop", refills.Wait)

	pool.replenish()
	m := pool.GetMetrics()
	if m.Live != 2 || m.Available != 2 || m.InUse != 0 {
		t.Fatalf("expected a full idle pool of 2, got %+v", m)
	}
}

func TestModelSessionPool_FactoryError(t *testing.T) {
	calls := 0
	_, err := NewModelSessionPool(64, 3, func() (*ModelSession, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("out of memory")
		}
		return &ModelSession{}, nil
	})
	if err == nil {
		t.Fatalf("expected error from failing factory")
	}
}

func TestModelSessionPool_RecordErrorKeepsLastTen(t *testing.T) {
	created := 0
	pool, err := NewModelSessionPool(64, 1, fakeSessions(&created))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Destroy()

	for i := 0; i < 15; i++ {
		pool.recordError(errors.New("boom"))
	}
	if n := len(pool.GetMetrics().LastErrors); n != 10 {
		t.Fatalf("expected 10 errors kept, got %d", n)
	}
}
