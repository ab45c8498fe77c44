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

package hashtable

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/arena"
	"github.com/daviszhen/aggr/pkg/util"
)

// ShardedTable splits keys over 1<<bits tables by the high bits of the
// hash. A key always lands in the same shard.
type ShardedTable struct {
	_bits   int
	_shards []*HashTable
}

func NewShardedTable(method *Method, pool *arena.Pool, recSize int, bits int, capacity int, tracker *arena.MemoryTracker) *ShardedTable {
	util.AssertFunc(bits > 0 && bits <= 16)
	st := &ShardedTable{
		_bits:   bits,
		_shards: make([]*HashTable, 1<<bits),
	}
	per := max(capacity>>bits, minCapacity)
	for i := range st._shards {
		st._shards[i] = NewHashTable(method, pool, recSize, per, tracker)
	}
	return st
}

func ShardOf(hash uint64, bits int) int {
	return int(hash >> (64 - bits))
}

func (st *ShardedTable) ShardCount() int {
	return len(st._shards)
}

func (st *ShardedTable) Shard(i int) *HashTable {
	return st._shards[i]
}

func (st *ShardedTable) FindOrEmplace(key *GroupKey) (arena.Ref, bool) {
	return st._shards[ShardOf(key.Hash, st._bits)].FindOrEmplace(key)
}

func (st *ShardedTable) Len() int {
	n := 0
	for _, s := range st._shards {
		n += s.Len()
	}
	return n
}

func (st *ShardedTable) Bytes() int64 {
	n := int64(0)
	for _, s := range st._shards {
		n += s.Bytes()
	}
	return n
}

type Options struct {
	RecordSize        int
	ShardBits         int
	TwoLevelThreshold int
	TwoLevelBytes     int64
	ArenaChunkSize    int
	Tracker           *arena.MemoryTracker
}

// Table is the state store of one worker. It starts single level and
// converts to a ShardedTable once, never back.
type Table struct {
	_method  *Method
	_opts    Options
	_pool    *arena.Pool
	_single  *HashTable
	_sharded *ShardedTable
	// arenas moved to another table by Absorb
	_absorbed bool
}

func NewTable(method *Method, opts Options) *Table {
	if opts.ShardBits <= 0 {
		opts.ShardBits = util.DefaultShardBits
	}
	t := &Table{
		_method: method,
		_opts:   opts,
		_pool:   arena.NewPool(opts.ArenaChunkSize, opts.Tracker),
	}
	if method.TwoLevel {
		t._sharded = NewShardedTable(method, t._pool, opts.RecordSize, opts.ShardBits, method.InitialCapacity, opts.Tracker)
	} else {
		t._single = NewHashTable(method, t._pool, opts.RecordSize, method.InitialCapacity, opts.Tracker)
	}
	return t
}

func (t *Table) Method() *Method {
	return t._method
}

func (t *Table) Pool() *arena.Pool {
	return t._pool
}

func (t *Table) RecordSize() int {
	return t._opts.RecordSize
}

func (t *Table) FindOrEmplace(key *GroupKey) (arena.Ref, bool) {
	if t._sharded != nil {
		return t._sharded.FindOrEmplace(key)
	}
	return t._single.FindOrEmplace(key)
}

func (t *Table) Pointer(ref arena.Ref) unsafe.Pointer {
	return t._pool.Pointer(ref)
}

func (t *Table) IsTwoLevel() bool {
	return t._sharded != nil
}

func (t *Table) Len() int {
	if t._sharded != nil {
		return t._sharded.Len()
	}
	return t._single.Len()
}

// Bytes is the table structure plus every arena byte of its pool.
func (t *Table) Bytes() int64 {
	n := t._pool.Reserved()
	if t._sharded != nil {
		return n + t._sharded.Bytes()
	}
	return n + t._single.Bytes()
}

func (t *Table) ShouldConvert() bool {
	if t._sharded != nil || t._method.Kind == MethodWithoutKey {
		return false
	}
	if t._opts.TwoLevelThreshold > 0 && t.Len() > t._opts.TwoLevelThreshold {
		return true
	}
	return t._opts.TwoLevelBytes > 0 && t.Bytes() > t._opts.TwoLevelBytes
}

// ConvertToTwoLevel moves every group into its shard. Records and key
// bytes stay where they are.
func (t *Table) ConvertToTwoLevel() {
	if t._sharded != nil {
		return
	}
	single := t._single
	st := NewShardedTable(t._method, t._pool, t._opts.RecordSize, t._opts.ShardBits, single.Len()*2, t._opts.Tracker)
	for _, g := range single.Groups() {
		st._shards[ShardOf(g.Key.Hash, st._bits)].Insert(g)
	}
	util.Debug("convert to two level",
		zap.Int("groups", single.Len()),
		zap.Int("shards", st.ShardCount()))
	single.Clear()
	t._single = nil
	t._sharded = st
}

func (t *Table) ShardCount() int {
	if t._sharded != nil {
		return t._sharded.ShardCount()
	}
	return 1
}

func (t *Table) Shard(i int) *HashTable {
	if t._sharded != nil {
		return t._sharded.Shard(i)
	}
	util.AssertFunc(i == 0)
	return t._single
}

// ForEach visits every group, shard by shard.
func (t *Table) ForEach(fn func(g *Group) error) error {
	for i := 0; i < t.ShardCount(); i++ {
		groups := t.Shard(i).Groups()
		for j := range groups {
			if err := fn(&groups[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Absorb prepares others to be merged into t shard by shard: all tables
// are brought to the same level and their arenas move into t's pool.
// After Absorb, MergeShard may run concurrently for distinct shards.
func (t *Table) Absorb(others []*Table) {
	twoLevel := t.IsTwoLevel()
	for _, o := range others {
		twoLevel = twoLevel || o.IsTwoLevel()
	}
	if twoLevel {
		t.ConvertToTwoLevel()
	}
	for _, o := range others {
		if o == t {
			continue
		}
		util.AssertFunc(o._method.Kind == t._method.Kind)
		util.AssertFunc(o._opts.RecordSize == t._opts.RecordSize)
		if twoLevel {
			o.ConvertToTwoLevel()
			util.AssertFunc(o.ShardCount() == t.ShardCount())
		}
		t._pool.Adopt(o._pool)
		o.rebind(t._pool)
		o._absorbed = true
	}
}

func (t *Table) rebind(pool *arena.Pool) {
	t._pool = pool
	for i := 0; i < t.ShardCount(); i++ {
		t.Shard(i).rebind(pool)
	}
}

// MergeShard folds shard i of every absorbed table into shard i of t.
func (t *Table) MergeShard(i int, others []*Table, fn MergeFunc) error {
	dst := t.Shard(i)
	for _, o := range others {
		if o == t {
			continue
		}
		if err := dst.Merge(o.Shard(i), fn); err != nil {
			return err
		}
	}
	return nil
}

// Merge folds other into t. other is empty afterwards.
func (t *Table) Merge(other *Table, fn MergeFunc) error {
	others := []*Table{other}
	t.Absorb(others)
	for i := 0; i < t.ShardCount(); i++ {
		if err := t.MergeShard(i, others, fn); err != nil {
			return err
		}
	}
	return nil
}

// Release frees the arenas and the slots. The table is unusable after.
func (t *Table) Release() {
	for i := 0; i < t.ShardCount(); i++ {
		if s := t.Shard(i); s != nil {
			s.Clear()
		}
	}
	if !t._absorbed {
		t._pool.Release()
	}
}
