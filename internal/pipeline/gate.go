package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DiskGate bounds how many workers read from the source disk at once.
// Spindle-backed archives thrash badly under parallel sequential reads,
// so the tuner shrinks this when read latency variance spikes and grows
// it back when the disk is keeping up.
//
// The gate is a weighted semaphore created at maxLimit capacity; lowering
// the limit means the gate itself holds the difference, so resizes never
// yank permits from readers already inside.
type DiskGate struct {
	sem      *semaphore.Weighted
	maxLimit int64

	mu    sync.Mutex
	held  int64 // permits the gate holds back to enforce the current limit
	limit atomic.Int64
}

// NewDiskGate returns a gate with the given current and maximum limits.
func NewDiskGate(limit, maxLimit int) *DiskGate {
	if limit > maxLimit {
		limit = maxLimit
	}
	g := &DiskGate{
		sem:      semaphore.NewWeighted(int64(maxLimit)),
		maxLimit: int64(maxLimit),
	}
	g.limit.Store(int64(limit))
	g.held = g.maxLimit - int64(limit)
	if g.held > 0 {
		// Cannot fail: the semaphore is fresh and at full capacity.
		g.sem.TryAcquire(g.held)
	}
	return g
}

// Acquire blocks until a read slot is free or ctx is done.
func (g *DiskGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a read slot.
func (g *DiskGate) Release() {
	g.sem.Release(1)
}

// Limit returns the current concurrent-read limit.
func (g *DiskGate) Limit() int {
	return int(g.limit.Load())
}

// MaxLimit returns the ceiling the gate was created with.
func (g *DiskGate) MaxLimit() int {
	return int(g.maxLimit)
}

// SetLimit changes the concurrent-read limit, clamped to [1, maxLimit].
// Shrinking may block briefly until enough permits drain back.
func (g *DiskGate) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	if int64(n) > g.maxLimit {
		n = int(g.maxLimit)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	wantHeld := g.maxLimit - int64(n)
	for g.held < wantHeld {
		_ = g.sem.Acquire(context.Background(), 1)
		g.held++
	}
	for g.held > wantHeld {
		g.sem.Release(1)
		g.held--
	}
	g.limit.Store(int64(n))
}
