package scheduler

import (
	"sync/atomic"

	"ci-control-plane/internal/domain"
)

// RunGuard is a single-slot, non-blocking guard. A trigger that finds the
// slot taken is dropped, not queued.
type RunGuard struct {
	running atomic.Bool
}

var _ domain.Guard = (*RunGuard)(nil)

// TryAcquire takes the slot and reports whether it was free.
func (g *RunGuard) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

// Release frees the slot.
func (g *RunGuard) Release() {
	g.running.Store(false)
}
