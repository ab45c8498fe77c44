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

package compute

import (
	"context"
	"io"
	"unsafe"

	"github.com/axiomhq/hyperloglog"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/hashtable"
	"github.com/daviszhen/aggr/pkg/spill"
	"github.com/daviszhen/aggr/pkg/util"
)

// Finalizer merges the work of all aggregators of a query and streams
// the result. It owns their tables and chunks once it runs.
type Finalizer struct {
	_method    *hashtable.Method
	_set       function.FunctionSet
	_spill     *spill.Manager
	_partial   bool
	_parallel  int
	_threshold int
	_types     []common.LType
	// called once before the first result leaves
	_begin func() error
}

func (fin *Finalizer) bound() *function.BoundSet {
	return fin._set.Bound()
}

// Run emits every group exactly once. With no spilled chunks the
// tables are merged shard by shard in parallel, otherwise chunks and
// resident tables are merged in key order. All merging ends before the
// first result batch goes to the sink.
func (fin *Finalizer) Run(ctx context.Context, aggs []*Aggregator, sink ResultSink) (int64, error) {
	out := newOutputBuilder(fin._method, fin.bound(), fin._partial, fin._types, sink)
	out._begin = fin._begin
	spilled := false
	for _, agg := range aggs {
		spilled = spilled || len(agg.Chunks()) > 0
	}
	var err error
	if spilled {
		err = fin.mergeChunks(ctx, aggs, out)
	} else {
		err = fin.mergeTables(ctx, aggs, out)
	}
	if err != nil {
		return 0, err
	}
	if err = out.finish(); err != nil {
		return 0, err
	}
	return out._rows, nil
}

// estimate is the distinct key count over all workers.
func estimate(aggs []*Aggregator) uint64 {
	union := hyperloglog.New14()
	for _, agg := range aggs {
		if err := union.Merge(agg.Sketch()); err != nil {
			util.Warn("merge sketch", zap.Error(err))
		}
	}
	return union.Estimate()
}

func (fin *Finalizer) mergeTables(ctx context.Context, aggs []*Aggregator, out *outputBuilder) error {
	tables := make([]*hashtable.Table, 0, len(aggs))
	for _, agg := range aggs {
		tables = append(tables, agg.Table())
	}
	dst := tables[0]
	if fin._method.Kind != hashtable.MethodWithoutKey && len(tables) > 1 {
		if est := estimate(aggs); est > uint64(fin._threshold) {
			util.Debug("promote before merge", zap.Uint64("estimate", est))
			dst.ConvertToTwoLevel()
		}
	}
	others := tables[1:]
	dst.Absorb(others)

	if len(others) > 0 {
		p := pool.New().WithContext(ctx).WithMaxGoroutines(max(fin._parallel, 1)).WithFirstError()
		for i := 0; i < dst.ShardCount(); i++ {
			shard := i
			p.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return dst.MergeShard(shard, others, fin._set.Merge)
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}
	}

	if dst.Len() == 0 && fin._method.Kind == hashtable.MethodWithoutKey {
		// a global aggregate over no rows still has one result row
		tmp := make([]uint64, fin.bound().Layout().Size()/8)
		rec := unsafe.Pointer(&tmp[0])
		fin.bound().Init(rec)
		return out.add(&hashtable.GroupKey{}, rec)
	}
	// every merge is done, from here on only the sink can fail
	for i := 0; i < dst.ShardCount(); i++ {
		groups := dst.Shard(i).Groups()
		for j := range groups {
			if err := out.add(&groups[j].Key, dst.Pointer(groups[j].Rec)); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeChunks runs the k-way merge into one final run before anything is
// emitted, so a failing merge leaves the sink untouched.
func (fin *Finalizer) mergeChunks(ctx context.Context, aggs []*Aggregator, out *outputBuilder) (err error) {
	bound := fin.bound()
	sig := bound.Signature().Text
	var (
		sources []spill.Source
		readers []*spill.Reader
	)
	defer func() {
		for _, r := range readers {
			err = multierr.Append(err, r.Close())
		}
	}()
	for _, agg := range aggs {
		for _, c := range agg.Chunks() {
			r, err := fin._spill.Open(c)
			if err != nil {
				return err
			}
			readers = append(readers, r)
			if r.Signature != sig {
				return util.SpillStorageError("read", c.Path,
					errors.Errorf("chunk of %q merged into %q", r.Signature, sig))
			}
			sources = append(sources, r)
		}
		agg._chunks = nil
		if agg.Table().Len() > 0 {
			sources = append(sources, spill.NewTableSource(agg.Table(), bound))
		}
	}

	run, err := fin._spill.CreateRun(sig)
	if err != nil {
		return err
	}
	words := bound.Layout().Size() / 8
	accBuf := make([]uint64, words)
	tmpBuf := make([]uint64, words)
	acc := unsafe.Pointer(&accBuf[0])
	tmp := unsafe.Pointer(&tmpBuf[0])
	de := util.BufferDeserialize{}
	ser := util.BufferSerialize{}
	err = spill.Merge(ctx, sources, func(hash uint64, key []byte, states [][]byte) error {
		bound.Init(acc)
		for _, state := range states {
			bound.Init(tmp)
			de = util.BufferDeserialize{Buf: state}
			if err := bound.DeserializeRecord(tmp, &de); err != nil {
				return util.SpillStorageError("decode", "state", err)
			}
			if err := fin._set.Merge(acc, tmp); err != nil {
				return err
			}
		}
		ser.Buf = ser.Buf[:0]
		if err := bound.SerializeRecord(acc, &ser); err != nil {
			return err
		}
		return run.Append(hash, key, ser.Buf)
	})
	if err != nil {
		return multierr.Append(err, run.Abort())
	}
	final, err := run.Finish()
	if err != nil {
		return err
	}
	util.Debug("final run merged",
		zap.Int("sources", len(sources)),
		zap.Int64("groups", final.Rows))
	var cerr error
	for _, r := range readers {
		cerr = multierr.Append(cerr, r.Close())
	}
	readers = nil
	if cerr != nil {
		return multierr.Append(cerr, fin._spill.Remove(final))
	}

	r, err := fin._spill.Open(final)
	if err != nil {
		return multierr.Append(err, fin._spill.Remove(final))
	}
	readers = append(readers, r)
	for {
		row, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		bound.Init(acc)
		de = util.BufferDeserialize{Buf: row.State}
		if err = bound.DeserializeRecord(acc, &de); err != nil {
			return util.SpillStorageError("decode", "state", err)
		}
		gk, err := fin._method.DecodeKey(row.Hash, row.Key)
		if err != nil {
			return util.SpillStorageError("decode", "key", err)
		}
		if err = out.add(&gk, acc); err != nil {
			return err
		}
	}
}

// outputBuilder fills result batches of DefaultVectorSize rows: the
// key columns, then finalized values or serialized states.
type outputBuilder struct {
	_method  *hashtable.Method
	_bound   *function.BoundSet
	_partial bool
	_types   []common.LType
	_sink    ResultSink
	_cur     *chunk.Chunk
	_ser     util.BufferSerialize
	_rows    int64
	_begin   func() error
	_started bool
}

func newOutputBuilder(
	method *hashtable.Method,
	bound *function.BoundSet,
	partial bool,
	types []common.LType,
	sink ResultSink,
) *outputBuilder {
	return &outputBuilder{
		_method:  method,
		_bound:   bound,
		_partial: partial,
		_types:   types,
		_sink:    sink,
	}
}

func (ob *outputBuilder) start() error {
	if ob._started {
		return nil
	}
	ob._started = true
	if ob._begin != nil {
		return ob._begin()
	}
	return nil
}

func (ob *outputBuilder) add(key *hashtable.GroupKey, rec unsafe.Pointer) error {
	if err := ob.start(); err != nil {
		return err
	}
	if ob._cur == nil {
		ob._cur = chunk.NewChunk(ob._types, util.DefaultVectorSize)
	}
	row := ob._cur.Card()
	keyCnt := len(ob._method.Keys)
	ob._method.WriteKey(key, ob._cur.Data[:keyCnt], row)
	if ob._partial {
		for i := range ob._bound.Funcs() {
			ob._ser.Buf = ob._ser.Buf[:0]
			if err := ob._bound.SerializeState(rec, i, &ob._ser); err != nil {
				return err
			}
			vec := ob._cur.Data[keyCnt+i]
			vec.SetNull(row, false)
			vec.Strs[row] = string(ob._ser.Buf)
		}
	} else {
		ob._bound.Finalize(rec, ob._cur.Data[keyCnt:], row)
	}
	ob._cur.SetCard(row + 1)
	ob._rows++
	if ob._cur.Card() == util.DefaultVectorSize {
		return ob.flush()
	}
	return nil
}

func (ob *outputBuilder) flush() error {
	if ob._cur == nil || ob._cur.Card() == 0 {
		return nil
	}
	cur := ob._cur
	ob._cur = nil
	return ob._sink(cur)
}

// finish flushes the last batch. A query without groups still gets one
// empty batch carrying the result types.
func (ob *outputBuilder) finish() error {
	if err := ob.start(); err != nil {
		return err
	}
	if ob._rows == 0 {
		return ob._sink(chunk.NewChunk(ob._types, 1))
	}
	return ob.flush()
}
