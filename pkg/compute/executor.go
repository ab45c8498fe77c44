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
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/aggr/pkg/arena"
	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/hashtable"
	"github.com/daviszhen/aggr/pkg/jit"
	"github.com/daviszhen/aggr/pkg/spill"
	"github.com/daviszhen/aggr/pkg/util"
)

type Option func(*Executor)

// WithFs sets the file system of spill storage. The default is the
// OS file system.
func WithFs(fs afero.Fs) Option {
	return func(e *Executor) {
		e._fs = fs
	}
}

func WithCache(cache *jit.Cache) Option {
	return func(e *Executor) {
		e._cache = cache
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Executor) {
		e._metrics = m
	}
}

type Stats struct {
	Rows         int64
	Batches      int64
	Groups       int64
	Spills       int64
	SpilledBytes int64
	Promotions   int
	Compiled     bool
	PeakMemory   int64
	Elapsed      time.Duration
}

// Executor runs one aggregation query. It is used once.
type Executor struct {
	_id      string
	_cfg     *util.AggrConfig
	_types   []common.LType
	_funcs   []*function.Func
	_bound   *function.BoundSet
	_keys    []hashtable.KeyDesc
	_method  *hashtable.Method
	_fs      afero.Fs
	_cache   *jit.Cache
	_metrics *Metrics
	_sm      stateMachine
	_tracker *arena.MemoryTracker
	_ran     atomic.Bool
	_stats   Stats
}

// NewExecutor binds cfg against input columns of types. cfg is copied.
func NewExecutor(cfg *util.AggrConfig, types []common.LType, opts ...Option) (*Executor, error) {
	cfg = cfg.Copy()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		_id:    uuid.NewString(),
		_cfg:   cfg,
		_types: types,
		_fs:    afero.NewOsFs(),
		_cache: jit.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, fc := range cfg.Funcs {
		var argTyp common.LType
		if fc.Arg >= 0 {
			if fc.Arg >= len(types) {
				return nil, fmt.Errorf("%s: argument column %d out of range, input has %d columns",
					fc.Name, fc.Arg, len(types))
			}
			argTyp = types[fc.Arg]
		}
		f, err := function.Bind(fc.Name, fc.Arg, argTyp)
		if err != nil {
			return nil, err
		}
		e._funcs = append(e._funcs, f)
	}
	e._bound = function.NewBoundSet(e._funcs)
	for _, col := range cfg.Keys {
		if col < 0 || col >= len(types) {
			return nil, fmt.Errorf("key column %d out of range, input has %d columns", col, len(types))
		}
		e._keys = append(e._keys, hashtable.KeyDesc{Col: col, Typ: types[col], Nullable: true})
	}
	e._method = hashtable.SelectMethod(e._keys, cfg.CardinalityHint, cfg.TwoLevelThreshold)
	return e, nil
}

func (e *Executor) Id() string {
	return e._id
}

func (e *Executor) Method() *hashtable.Method {
	return e._method
}

func (e *Executor) Functions() []*function.Func {
	return e._funcs
}

// OutputTypes lists the key types, then one type per function: the
// result type, or BLOB in partial output mode.
func (e *Executor) OutputTypes() []common.LType {
	typs := e._method.KeyTypes()
	for _, f := range e._funcs {
		if e._cfg.Output == util.OutputPartial {
			typs = append(typs, common.BlobType())
		} else {
			typs = append(typs, f.RetTyp)
		}
	}
	return typs
}

// PartialInputTypes is the layout RunPartial expects: the key types,
// then one BLOB state column per function.
func (e *Executor) PartialInputTypes() []common.LType {
	typs := e._method.KeyTypes()
	for range e._funcs {
		typs = append(typs, common.BlobType())
	}
	return typs
}

func (e *Executor) State() QueryState {
	return e._sm.current()
}

func (e *Executor) Transitions() []QueryState {
	return e._sm.history()
}

func (e *Executor) Stats() Stats {
	return e._stats
}

// Run aggregates raw batches from src and streams the result to sink.
func (e *Executor) Run(ctx context.Context, src BatchSource, sink ResultSink) error {
	return e.run(ctx, src, sink, e._method, false)
}

// RunPartial aggregates batches of intermediate states written by a
// query in partial output mode.
func (e *Executor) RunPartial(ctx context.Context, src BatchSource, sink ResultSink) error {
	keys := make([]hashtable.KeyDesc, len(e._keys))
	for i, k := range e._keys {
		keys[i] = hashtable.KeyDesc{Col: i, Typ: k.Typ, Nullable: k.Nullable}
	}
	method := hashtable.SelectMethod(keys, e._cfg.CardinalityHint, e._cfg.TwoLevelThreshold)
	return e.run(ctx, src, sink, method, true)
}

func (e *Executor) run(
	ctx context.Context,
	src BatchSource,
	sink ResultSink,
	method *hashtable.Method,
	partial bool,
) (err error) {
	if !e._ran.CompareAndSwap(false, true) {
		return errors.Errorf("query %s already ran", e._id)
	}
	cfg := e._cfg
	start := time.Now()
	e._tracker = arena.NewMemoryTracker(int64(cfg.MemoryBudget.Bytes()))

	set := e._cache.FunctionSet(e._bound, cfg.Compile)
	e._stats.Compiled = set.Compiled()
	if e._metrics != nil {
		if set.Compiled() {
			e._metrics.CompileHits.Inc()
		} else {
			e._metrics.CompileMisses.Inc()
		}
	}

	var mgr *spill.Manager
	if cfg.Spill.Enable {
		codec, cerr := spill.ParseCodec(cfg.Spill.Codec)
		if cerr != nil {
			return cerr
		}
		mgr = spill.NewManager(e._fs, cfg.Spill.Dir, codec, cfg.Spill.BlockRows)
	}

	opts := hashtable.Options{
		RecordSize:        e._bound.Layout().Size(),
		ShardBits:         cfg.ShardBits,
		TwoLevelThreshold: cfg.TwoLevelThreshold,
		TwoLevelBytes:     int64(cfg.TwoLevelBytesThreshold.Bytes()),
		Tracker:           e._tracker,
	}
	aggs := make([]*Aggregator, cfg.Workers)
	for i := range aggs {
		aggs[i] = newAggregator(i, method, set, opts, mgr, &e._sm, e._metrics)
	}

	defer func() {
		for _, agg := range aggs {
			err = multierr.Append(err, agg.Release())
		}
		if mgr != nil {
			err = multierr.Append(err, mgr.Cleanup())
		}
		set.Release()
		e.finish(ctx, aggs, mgr, start, err)
	}()

	if err = e._sm.to(StateAccumulating); err != nil {
		return err
	}
	if err = e.accumulate(ctx, src, aggs, partial); err != nil {
		return e.fail(ctx, err)
	}
	if err = e._sm.to(StateMerging); err != nil {
		return e.fail(ctx, err)
	}
	fin := &Finalizer{
		_method:    method,
		_set:       set,
		_spill:     mgr,
		_partial:   cfg.Output == util.OutputPartial,
		_parallel:  cfg.Workers,
		_threshold: cfg.TwoLevelThreshold,
		_types:     e.OutputTypes(),
		_begin: func() error {
			return e._sm.to(StateFinalizing)
		},
	}
	rows, err := fin.Run(ctx, aggs, sink)
	if err != nil {
		return e.fail(ctx, err)
	}
	e._stats.Groups = rows
	if e._metrics != nil {
		e._metrics.OutputRows.Add(float64(rows))
	}
	return e._sm.to(StateDone)
}

// accumulate feeds batches from src to the workers until src ends. The
// first error stops every worker.
func (e *Executor) accumulate(ctx context.Context, src BatchSource, aggs []*Aggregator, partial bool) error {
	expect := len(e._types)
	if partial {
		expect = len(e._keys) + len(e._funcs)
	}
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *chunk.Chunk, len(aggs))
	g.Go(func() error {
		defer close(batches)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			batch, err := src.Next(gctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if batch.ColumnCount() != expect {
				return errors.Errorf("input batch has %d columns, want %d", batch.ColumnCount(), expect)
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	for _, agg := range aggs {
		agg := agg
		g.Go(func() (err error) {
			defer func() {
				if rErr := recover(); rErr != nil {
					err = multierr.Append(err, util.ConvertPanicError(rErr))
				}
			}()
			for batch := range batches {
				if err = gctx.Err(); err != nil {
					return err
				}
				if partial {
					err = agg.ConsumePartial(batch)
				} else {
					err = agg.Consume(batch)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// fail moves the query to its terminal state. A cancelled context wins
// over the error it caused.
func (e *Executor) fail(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		_ = e._sm.to(StateCancelled)
		return util.Cancelled(cerr)
	}
	_ = e._sm.to(StateFailed)
	return err
}

func (e *Executor) finish(ctx context.Context, aggs []*Aggregator, mgr *spill.Manager, start time.Time, err error) {
	for _, agg := range aggs {
		e._stats.Rows += agg._rows
		e._stats.Batches += agg._batches
		if agg._promoted {
			e._stats.Promotions++
		}
	}
	if mgr != nil {
		st := mgr.Stats()
		e._stats.Spills = st.Spills
		e._stats.SpilledBytes = st.Bytes
	}
	e._stats.PeakMemory = e._tracker.Peak()
	e._stats.Elapsed = time.Since(start)
	if err != nil && !e._sm.current().Terminal() {
		// cleanup failed after the result went out
		_ = e.fail(ctx, err)
	}
	if e._metrics != nil {
		e._metrics.PeakMemory.Set(float64(e._stats.PeakMemory))
		e._metrics.Queries.WithLabelValues(e._sm.current().String()).Inc()
	}
	fields := []zap.Field{
		zap.String("query", e._id),
		zap.String("state", e._sm.current().String()),
		zap.Int64("rows", e._stats.Rows),
		zap.Int64("groups", e._stats.Groups),
		zap.Int64("spills", e._stats.Spills),
		zap.String("peakMemory", humanize.IBytes(uint64(e._stats.PeakMemory))),
		zap.Bool("compiled", e._stats.Compiled),
		zap.Duration("elapsed", e._stats.Elapsed),
	}
	if err != nil {
		util.Error("aggregation failed", append(fields, zap.Error(err))...)
		return
	}
	util.Info("aggregation done", fields...)
}
