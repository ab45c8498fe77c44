// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package arena

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/daviszhen/aggr/pkg/util"
)

const (
	DefaultChunkSize = 64 * 1024
	maxArenaBytes    = math.MaxUint32
)

// DebugOwner turns on the single-owner assertion on every allocation.
var DebugOwner = false

var gArenaId atomic.Uint32

// Ref addresses bytes inside an arena: arena id in the high word,
// logical offset in the low word. The zero Ref is invalid.
type Ref uint64

func MakeRef(arenaId uint32, offset uint32) Ref {
	return Ref(uint64(arenaId)<<32 | uint64(offset))
}

func (ref Ref) ArenaId() uint32 {
	return uint32(ref >> 32)
}

func (ref Ref) Offset() uint32 {
	return uint32(ref)
}

func (ref Ref) Valid() bool {
	return ref.ArenaId() != 0
}

func (ref Ref) String() string {
	return fmt.Sprintf("%d:%d", ref.ArenaId(), ref.Offset())
}

// Arena is a bump allocator over fixed size chunks. Allocations never
// move and are released all at once. An allocation larger than a chunk
// gets its own buffer spanning several consecutive chunk slots.
type Arena struct {
	_id        uint32
	_shift     uint
	_chunkSize int
	_chunks    [][]byte
	_head      int
	_reserved  int64
	_used      int64
	_tracker   *MemoryTracker
	_owner     util.OwnerCheck
}

func NewArena(chunkSize int, tracker *MemoryTracker) *Arena {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkSize = int(util.NextPowerOfTwo(uint64(chunkSize)))
	shift := uint(0)
	for (1 << shift) < chunkSize {
		shift++
	}
	id := gArenaId.Add(1)
	if id == 0 {
		id = gArenaId.Add(1)
	}
	return &Arena{
		_id:        id,
		_shift:     shift,
		_chunkSize: chunkSize,
		_tracker:   tracker,
	}
}

func (arena *Arena) Id() uint32 {
	return arena._id
}

// Alloc returns 8-byte aligned zeroed memory of sz bytes.
func (arena *Arena) Alloc(sz int) Ref {
	if DebugOwner {
		arena._owner.Assert()
	}
	util.AssertFunc(sz > 0)
	sz = util.AlignValue8(sz)
	if sz > arena._chunkSize {
		return arena.allocLarge(sz)
	}
	inner := arena._head & (arena._chunkSize - 1)
	if len(arena._chunks) == 0 || inner == 0 || inner+sz > arena._chunkSize {
		arena.newChunk()
		inner = 0
	}
	off := arena._head
	arena._head += sz
	arena._used += int64(sz)
	return MakeRef(arena._id, uint32(off))
}

func (arena *Arena) newChunk() {
	arena.checkGrow(arena._chunkSize)
	arena._head = len(arena._chunks) << arena._shift
	arena._chunks = append(arena._chunks, make([]byte, arena._chunkSize))
	arena.reserve(int64(arena._chunkSize))
}

func (arena *Arena) allocLarge(sz int) Ref {
	slots := (sz + arena._chunkSize - 1) >> arena._shift
	total := slots << arena._shift
	arena.checkGrow(total)
	buf := make([]byte, total)
	off := len(arena._chunks) << arena._shift
	for i := 0; i < slots; i++ {
		arena._chunks = append(arena._chunks, buf[i<<arena._shift:])
	}
	// the next small allocation opens a fresh chunk
	arena._head = len(arena._chunks) << arena._shift
	arena._used += int64(sz)
	arena.reserve(int64(total))
	return MakeRef(arena._id, uint32(off))
}

func (arena *Arena) checkGrow(n int) {
	if int64(len(arena._chunks)<<arena._shift)+int64(n) > maxArenaBytes {
		panic(fmt.Sprintf("arena %d exceeds 4GB", arena._id))
	}
}

func (arena *Arena) reserve(n int64) {
	arena._reserved += n
	if arena._tracker != nil {
		arena._tracker.Consume(n)
	}
}

// Remaining is the largest allocation that still fits the address space.
func (arena *Arena) Remaining() int64 {
	return maxArenaBytes - int64(len(arena._chunks)<<arena._shift)
}

func (arena *Arena) Bytes(ref Ref, sz int) []byte {
	util.AssertFunc(ref.ArenaId() == arena._id)
	off := int(ref.Offset())
	chunk := arena._chunks[off>>arena._shift]
	inner := off & (arena._chunkSize - 1)
	return chunk[inner : inner+sz : inner+sz]
}

func (arena *Arena) Pointer(ref Ref) unsafe.Pointer {
	util.AssertFunc(ref.ArenaId() == arena._id)
	off := int(ref.Offset())
	chunk := arena._chunks[off>>arena._shift]
	return unsafe.Pointer(&chunk[off&(arena._chunkSize-1)])
}

// Reserved counts bytes held from the runtime.
func (arena *Arena) Reserved() int64 {
	return arena._reserved
}

// Used counts bytes handed out.
func (arena *Arena) Used() int64 {
	return arena._used
}

func (arena *Arena) Release() {
	if arena._tracker != nil && arena._reserved > 0 {
		arena._tracker.Release(arena._reserved)
	}
	arena._chunks = nil
	arena._head = 0
	arena._reserved = 0
	arena._used = 0
	arena._owner.Release()
}

// Handover lets another goroutine take ownership.
func (arena *Arena) Handover() {
	arena._owner.Release()
}
