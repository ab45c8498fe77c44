package arena

import (
	"sync/atomic"

	"github.com/daviszhen/aggr/pkg/util"
)

// MemoryTracker aggregates arena reservations across the workers of
// one query. A zero budget means unlimited.
type MemoryTracker struct {
	_used   atomic.Int64
	_peak   atomic.Int64
	_budget int64
}

func NewMemoryTracker(budget int64) *MemoryTracker {
	return &MemoryTracker{_budget: budget}
}

func (mt *MemoryTracker) Consume(n int64) {
	used := mt._used.Add(n)
	for {
		peak := mt._peak.Load()
		if used <= peak || mt._peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

func (mt *MemoryTracker) Release(n int64) {
	left := mt._used.Add(-n)
	util.AssertFunc(left >= 0)
}

func (mt *MemoryTracker) Used() int64 {
	return mt._used.Load()
}

func (mt *MemoryTracker) Peak() int64 {
	return mt._peak.Load()
}

func (mt *MemoryTracker) Budget() int64 {
	return mt._budget
}

func (mt *MemoryTracker) Exceeded() bool {
	return mt._budget > 0 && mt._used.Load() > mt._budget
}

// Check reports ErrMemoryExceeded when over budget.
func (mt *MemoryTracker) Check() error {
	if mt.Exceeded() {
		return util.MemoryExceeded(mt.Used(), mt._budget)
	}
	return nil
}
