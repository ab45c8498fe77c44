package util

import (
	"fmt"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// OwnerCheck pins a single-writer structure to the goroutine that
// first touches it. Release hands it over to the next goroutine.
type OwnerCheck struct {
	owner atomic.Int64
}

func (oc *OwnerCheck) Assert() {
	rid := goid.Get()
	if oc.owner.CompareAndSwap(0, rid) {
		return
	}
	if cur := oc.owner.Load(); cur != rid {
		panic(fmt.Sprintf("owned by goroutine %d, used by %d", cur, rid))
	}
}

func (oc *OwnerCheck) Release() {
	oc.owner.Store(0)
}
