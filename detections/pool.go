package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("pool is closed")

type sessionFactory func() (*ModelSession, error)

// ModelSessionPool hands out ONNX sessions of a single input size. Sessions
// are not safe for concurrent Run calls, so every request holds one exclusively.
type ModelSessionPool struct {
	sessions   chan *ModelSession
	size       int
	inputSize  int
	newSession sessionFactory
	mu         sync.Mutex
	closed     bool
	live       int
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error

	acquireTimeout time.Duration
}

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	WaitTime        time.Duration
}

type PoolSnapshot struct {
	InputSize       int           `json:"input_size"`
	PoolSize        int           `json:"pool_size"`
	Available       int           `json:"available"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Live            int           `json:"live"`
	WaitTime        time.Duration `json:"wait_time"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

func NewModelSessionPool(inputSize, size int, newSession sessionFactory) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &ModelSessionPool{
		sessions:       make(chan *ModelSession, size),
		size:           size,
		inputSize:      inputSize,
		newSession:     newSession,
		stop:           make(chan struct{}),
		metrics:        &PoolMetrics{},
		acquireTimeout: AcquireTimeout,
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := newSession()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
		pool.live++
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *ModelSessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.live--
		session.Destroy()
		return
	}
	p.put(session)
}

// put returns a session to the channel without blocking; a session that
// does not fit is destroyed. Callers hold p.mu.
func (p *ModelSessionPool) put(session *ModelSession) {
	select {
	case p.sessions <- session:
	default:
		p.live--
		session.Destroy()
	}
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	// Destroy all idle sessions; checked out ones are destroyed on Release.
	for session := range p.sessions {
		p.live--
		session.Destroy()
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions that were lost, e.g. discarded by a caller
// after a failed run. Missing slots are reserved under the lock so that
// concurrent acquires and releases cannot make it overfill the pool.
func (p *ModelSessionPool) replenish() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	missing := p.size - p.live
	p.live += missing
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.newSession()
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.live--
			session.Destroy()
		} else {
			p.put(session)
		}
		p.mu.Unlock()
	}
}

// Discard drops a session that is no longer usable. The health check
// replaces it on its next tick.
func (p *ModelSessionPool) Discard(session *ModelSession, cause error) {
	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.recordError(cause)

	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.mu.Unlock()
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) GetMetrics() PoolSnapshot {
	p.mu.Lock()
	available := len(p.sessions)
	live := p.live
	errs := make([]string, 0, len(p.lastErrors))
	for _, err := range p.lastErrors {
		errs = append(errs, err.Error())
	}
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolSnapshot{
		InputSize:       p.inputSize,
		PoolSize:        p.size,
		Available:       available,
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		AcquireFailures: p.metrics.AcquireFailures,
		Live:            live,
		WaitTime:        p.metrics.WaitTime,
		LastErrors:      errs,
	}
}
