package hashtable

import (
	"fmt"
	"unsafe"

	"github.com/daviszhen/aggr/pkg/arena"
	"github.com/daviszhen/aggr/pkg/util"
)

// LOAD_FACTOR is capacity over count at which the slots double.
const LOAD_FACTOR = 2

type htEntry struct {
	_salt uint16
	// 1 based index into _groups, 0 is an empty slot
	_idx uint32
}

var (
	entrySize = int64(unsafe.Sizeof(htEntry{}))
	groupSize = int64(unsafe.Sizeof(Group{}))
)

// Group is one distinct key and the Ref of its state record.
type Group struct {
	Key GroupKey
	Rec arena.Ref
}

// MergeFunc combines the record at src into the record at dst.
type MergeFunc func(dst, src unsafe.Pointer) error

// HashTable is an open addressing table with linear probing. Slots hold
// a 16 bit salt of the hash and the index of the group, so most
// mismatches never touch the key. Key bytes and records live in the
// pool and never move.
type HashTable struct {
	_method  *Method
	_pool    *arena.Pool
	_recSize int
	_entries []htEntry
	_mask    uint64
	_groups  []Group
	_nullIdx int
	_tracker *arena.MemoryTracker
	_tracked int64
}

func NewHashTable(
	method *Method,
	pool *arena.Pool,
	recSize int,
	capacity int,
	tracker *arena.MemoryTracker,
) *HashTable {
	ht := &HashTable{
		_method:  method,
		_pool:    pool,
		_recSize: recSize,
		_tracker: tracker,
	}
	capacity = int(util.NextPowerOfTwo(uint64(max(capacity, minCapacity))))
	ht.resize(capacity)
	return ht
}

func salt(hash uint64) uint16 {
	return uint16(hash >> 32)
}

func (ht *HashTable) Len() int {
	return len(ht._groups)
}

func (ht *HashTable) Capacity() int {
	return len(ht._entries)
}

func (ht *HashTable) Groups() []Group {
	return ht._groups
}

func (ht *HashTable) Pool() *arena.Pool {
	return ht._pool
}

// Pointer resolves a record Ref of this table.
func (ht *HashTable) Pointer(ref arena.Ref) unsafe.Pointer {
	return ht._pool.Pointer(ref)
}

// FindOrEmplace returns the record of key. isNew reports a fresh zeroed
// record the caller must initialize.
func (ht *HashTable) FindOrEmplace(key *GroupKey) (arena.Ref, bool) {
	if key.Null {
		if ht._nullIdx > 0 {
			return ht._groups[ht._nullIdx-1].Rec, false
		}
		g := ht.emplace(key)
		ht._nullIdx = len(ht._groups)
		return g.Rec, true
	}
	if (len(ht._groups)+1)*LOAD_FACTOR > len(ht._entries) {
		ht.resize(len(ht._entries) * 2)
	}
	s := salt(key.Hash)
	pos := key.Hash & ht._mask
	for {
		ent := &ht._entries[pos]
		if ent._idx == 0 {
			g := ht.emplace(key)
			ent._salt = s
			ent._idx = uint32(len(ht._groups))
			return g.Rec, true
		}
		if ent._salt == s {
			g := &ht._groups[ent._idx-1]
			if g.Key.Equal(key) {
				return g.Rec, false
			}
		}
		pos = (pos + 1) & ht._mask
	}
}

// Find looks key up without inserting.
func (ht *HashTable) Find(key *GroupKey) (arena.Ref, bool) {
	if g := ht.find(key); g != nil {
		return g.Rec, true
	}
	return 0, false
}

func (ht *HashTable) find(key *GroupKey) *Group {
	if key.Null {
		if ht._nullIdx > 0 {
			return &ht._groups[ht._nullIdx-1]
		}
		return nil
	}
	s := salt(key.Hash)
	pos := key.Hash & ht._mask
	for {
		ent := &ht._entries[pos]
		if ent._idx == 0 {
			return nil
		}
		if ent._salt == s {
			g := &ht._groups[ent._idx-1]
			if g.Key.Equal(key) {
				return g
			}
		}
		pos = (pos + 1) & ht._mask
	}
}

func (ht *HashTable) emplace(key *GroupKey) *Group {
	stored := *key
	if len(key.Bytes) > 0 {
		ref := ht._pool.CopyBytes(key.Bytes)
		stored.Bytes = ht._pool.Bytes(ref, len(key.Bytes))
	} else {
		stored.Bytes = nil
	}
	rec := ht._pool.Alloc(ht._recSize)
	return ht.append(Group{Key: stored, Rec: rec})
}

func (ht *HashTable) append(g Group) *Group {
	before := cap(ht._groups)
	ht._groups = append(ht._groups, g)
	if cap(ht._groups) != before {
		ht.account()
	}
	return &ht._groups[len(ht._groups)-1]
}

// Insert adds a group whose key is known to be absent. The key bytes
// and record must already live in this table's pool.
func (ht *HashTable) Insert(g Group) {
	if g.Key.Null {
		util.AssertFunc(ht._nullIdx == 0)
		ht.append(g)
		ht._nullIdx = len(ht._groups)
		return
	}
	if (len(ht._groups)+1)*LOAD_FACTOR > len(ht._entries) {
		ht.resize(len(ht._entries) * 2)
	}
	ht.append(g)
	ht.place(g.Key.Hash, uint32(len(ht._groups)))
}

func (ht *HashTable) place(hash uint64, idx uint32) {
	pos := hash & ht._mask
	for ht._entries[pos]._idx != 0 {
		pos = (pos + 1) & ht._mask
	}
	ht._entries[pos] = htEntry{_salt: salt(hash), _idx: idx}
}

func (ht *HashTable) resize(capacity int) {
	util.AssertFunc(util.IsPowerOfTwo(uint64(capacity)))
	util.AssertFunc(capacity >= len(ht._entries))
	ht._entries = make([]htEntry, capacity)
	ht._mask = uint64(capacity - 1)
	for i := range ht._groups {
		if i+1 == ht._nullIdx {
			continue
		}
		ht.place(ht._groups[i].Key.Hash, uint32(i+1))
	}
	ht.account()
}

// account reports the slot and group arrays to the tracker. Records
// and key bytes are reported by the arenas.
func (ht *HashTable) account() {
	now := int64(cap(ht._entries))*entrySize + int64(cap(ht._groups))*groupSize
	if ht._tracker != nil {
		if now > ht._tracked {
			ht._tracker.Consume(now - ht._tracked)
		} else if now < ht._tracked {
			ht._tracker.Release(ht._tracked - now)
		}
	}
	ht._tracked = now
}

// Bytes estimates the memory of the table itself, excluding the pool.
func (ht *HashTable) Bytes() int64 {
	return ht._tracked
}

// Merge folds other into ht. Both tables must resolve through ht's pool.
// Matching keys are combined with fn, the rest are moved over.
func (ht *HashTable) Merge(other *HashTable, fn MergeFunc) error {
	if other == nil || other == ht {
		return nil
	}
	for i := range other._groups {
		g := &other._groups[i]
		if dst := ht.find(&g.Key); dst != nil {
			if err := fn(ht.Pointer(dst.Rec), ht.Pointer(g.Rec)); err != nil {
				return err
			}
			continue
		}
		ht.Insert(*g)
	}
	other.Clear()
	return nil
}

// Clear drops the slots and groups, not the pool.
func (ht *HashTable) Clear() {
	ht._entries = nil
	ht._groups = nil
	ht._nullIdx = 0
	ht._mask = 0
	ht.account()
}

func (ht *HashTable) rebind(pool *arena.Pool) {
	ht._pool = pool
}

// Verify checks the slots against the groups.
func (ht *HashTable) Verify() {
	count := 0
	for _, ent := range ht._entries {
		if ent._idx == 0 {
			continue
		}
		g := &ht._groups[ent._idx-1]
		util.AssertFunc(ent._salt == salt(g.Key.Hash))
		util.AssertFunc(!g.Key.Null)
		count++
	}
	if ht._nullIdx > 0 {
		util.AssertFunc(ht._groups[ht._nullIdx-1].Key.Null)
		count++
	}
	util.AssertFunc(count == len(ht._groups))
}

func (ht *HashTable) String() string {
	return fmt.Sprintf("%v groups:%d capacity:%d", ht._method, ht.Len(), ht.Capacity())
}
