package arena

import (
	"unsafe"

	"github.com/daviszhen/aggr/pkg/util"
)

// Pool is the set of arenas owned by one worker. Refs from any arena of
// the pool resolve through it. Adopt moves arenas between pools without
// copying, so Refs stay valid after a table merge. Resolving Refs only
// reads the pool and may run concurrently once allocation has stopped.
type Pool struct {
	_arenas    map[uint32]*Arena
	_cur       *Arena
	_chunkSize int
	_tracker   *MemoryTracker
}

func NewPool(chunkSize int, tracker *MemoryTracker) *Pool {
	return &Pool{
		_arenas:    make(map[uint32]*Arena),
		_chunkSize: chunkSize,
		_tracker:   tracker,
	}
}

func (pool *Pool) current(sz int) *Arena {
	if pool._cur == nil || pool._cur.Remaining() < int64(sz)+int64(pool._cur._chunkSize) {
		pool._cur = NewArena(pool._chunkSize, pool._tracker)
		pool._arenas[pool._cur._id] = pool._cur
	}
	return pool._cur
}

func (pool *Pool) Alloc(sz int) Ref {
	return pool.current(sz).Alloc(sz)
}

// CopyBytes stores data in the pool. Empty data gets the zero Ref.
func (pool *Pool) CopyBytes(data []byte) Ref {
	if len(data) == 0 {
		return 0
	}
	ref := pool.Alloc(len(data))
	copy(pool.Bytes(ref, len(data)), data)
	return ref
}

func (pool *Pool) arena(id uint32) *Arena {
	if a := pool._cur; a != nil && a._id == id {
		return a
	}
	a, ok := pool._arenas[id]
	util.AssertFunc(ok)
	return a
}

func (pool *Pool) Bytes(ref Ref, sz int) []byte {
	if sz == 0 {
		return nil
	}
	return pool.arena(ref.ArenaId()).Bytes(ref, sz)
}

func (pool *Pool) Pointer(ref Ref) unsafe.Pointer {
	return pool.arena(ref.ArenaId()).Pointer(ref)
}

func (pool *Pool) Owns(ref Ref) bool {
	_, ok := pool._arenas[ref.ArenaId()]
	return ok
}

// Adopt takes every arena of other. other is empty afterwards.
func (pool *Pool) Adopt(other *Pool) {
	if other == pool {
		return
	}
	for id, a := range other._arenas {
		a.Handover()
		pool._arenas[id] = a
	}
	clear(other._arenas)
	other._cur = nil
}

func (pool *Pool) ArenaCount() int {
	return len(pool._arenas)
}

func (pool *Pool) Reserved() int64 {
	total := int64(0)
	for _, a := range pool._arenas {
		total += a.Reserved()
	}
	return total
}

func (pool *Pool) Used() int64 {
	total := int64(0)
	for _, a := range pool._arenas {
		total += a.Used()
	}
	return total
}

func (pool *Pool) Handover() {
	for _, a := range pool._arenas {
		a.Handover()
	}
}

// Release frees every arena and returns the bytes to the tracker.
func (pool *Pool) Release() {
	for _, a := range pool._arenas {
		a.Release()
	}
	clear(pool._arenas)
	pool._cur = nil
}
