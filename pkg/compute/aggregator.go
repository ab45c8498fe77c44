package compute

import (
	"unsafe"

	"github.com/axiomhq/hyperloglog"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/arena"
	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/hashtable"
	"github.com/daviszhen/aggr/pkg/spill"
	"github.com/daviszhen/aggr/pkg/util"
)

// Aggregator is the private state of one worker: a table, its arena
// pool and the chunks it spilled. It is not safe for concurrent use.
type Aggregator struct {
	_id      int
	_method  *hashtable.Method
	_set     function.FunctionSet
	_opts    hashtable.Options
	_table   *hashtable.Table
	_tracker *arena.MemoryTracker
	_spill   *spill.Manager
	_state   *stateMachine
	_metrics *Metrics

	_keys    []hashtable.GroupKey
	_recs    []unsafe.Pointer
	_scratch []byte
	_tmp     []uint64
	_sketch  *hyperloglog.Sketch

	_chunks   []*spill.Chunk
	_rows     int64
	_batches  int64
	_promoted bool
}

func newAggregator(
	id int,
	method *hashtable.Method,
	set function.FunctionSet,
	opts hashtable.Options,
	mgr *spill.Manager,
	sm *stateMachine,
	metrics *Metrics,
) *Aggregator {
	agg := &Aggregator{
		_id:      id,
		_method:  method,
		_set:     set,
		_opts:    opts,
		_tracker: opts.Tracker,
		_spill:   mgr,
		_state:   sm,
		_metrics: metrics,
		_sketch:  hyperloglog.New14(),
	}
	agg._table = hashtable.NewTable(method, opts)
	return agg
}

func (agg *Aggregator) bound() *function.BoundSet {
	return agg._set.Bound()
}

func (agg *Aggregator) grow(n int) {
	if cap(agg._keys) < n {
		agg._keys = make([]hashtable.GroupKey, n)
		agg._recs = make([]unsafe.Pointer, n)
	}
	agg._keys = agg._keys[:n]
	agg._recs = agg._recs[:n]
}

// emplace resolves one record per row of batch. New records are
// initialized before they are returned.
func (agg *Aggregator) emplace(batch *chunk.Chunk) {
	n := batch.Card()
	agg.grow(n)
	agg._scratch = agg._method.Extract(batch, agg._keys, agg._scratch)
	bound := agg.bound()
	for i := 0; i < n; i++ {
		ref, fresh := agg._table.FindOrEmplace(&agg._keys[i])
		ptr := agg._table.Pointer(ref)
		if fresh {
			bound.Init(ptr)
			agg._sketch.InsertHash(agg._keys[i].Hash)
		}
		agg._recs[i] = ptr
	}
}

// Consume folds a raw input batch into the table.
func (agg *Aggregator) Consume(batch *chunk.Chunk) error {
	n := batch.Card()
	if n == 0 {
		return nil
	}
	if err := util.Inject(util.FAULTS_SCOPE_AGGR, "consume"); err != nil {
		return err
	}
	agg.emplace(batch)
	if err := agg._set.Update(agg._recs, batch); err != nil {
		return err
	}
	return agg.afterBatch(n)
}

// ConsumePartial merges a batch of intermediate states: key columns
// first, then one BLOB column per function as written by the partial
// output mode.
func (agg *Aggregator) ConsumePartial(batch *chunk.Chunk) error {
	n := batch.Card()
	if n == 0 {
		return nil
	}
	agg.emplace(batch)
	bound := agg.bound()
	keyCnt := len(agg._method.Keys)
	funcs := bound.Funcs()
	util.AssertFunc(batch.ColumnCount() == keyCnt+len(funcs))
	tmp := agg.tmpRecord()
	de := util.BufferDeserialize{}
	for row := 0; row < n; row++ {
		bound.Init(tmp)
		for i := range funcs {
			vec := batch.Data[keyCnt+i]
			if vec.IsNull(row) {
				continue
			}
			de = util.BufferDeserialize{Buf: util.UnsafeStringToBytes(vec.Strs[row])}
			if err := bound.DeserializeState(tmp, i, &de); err != nil {
				return util.AggregateFunctionError(funcs[i].String(), "bad partial state at row %d: %v", row, err)
			}
		}
		if err := agg._set.Merge(agg._recs[row], tmp); err != nil {
			return err
		}
	}
	return agg.afterBatch(n)
}

func (agg *Aggregator) tmpRecord() unsafe.Pointer {
	words := agg.bound().Layout().Size() / 8
	if len(agg._tmp) < words {
		agg._tmp = make([]uint64, words)
	}
	return unsafe.Pointer(&agg._tmp[0])
}

func (agg *Aggregator) afterBatch(n int) error {
	agg._rows += int64(n)
	agg._batches++
	if agg._metrics != nil {
		agg._metrics.Rows.Add(float64(n))
		agg._metrics.Batches.Inc()
	}
	if agg._table.ShouldConvert() {
		agg._table.ConvertToTwoLevel()
		agg._promoted = true
		if agg._metrics != nil {
			agg._metrics.Promotions.Inc()
		}
	}
	return agg.checkMemory()
}

// checkMemory runs after every batch. Over budget the table goes to
// spill storage, or the query fails when spilling is off. A table that
// is already empty is not spilled again.
func (agg *Aggregator) checkMemory() error {
	if !agg._tracker.Exceeded() {
		return nil
	}
	if agg._spill == nil {
		return agg._tracker.Check()
	}
	if agg._table.Len() == 0 {
		return nil
	}
	return agg.Spill()
}

// Spill writes the table to a chunk and starts over with an empty one.
func (agg *Aggregator) Spill() (err error) {
	if agg._table.Len() == 0 {
		return nil
	}
	if err = agg._state.beginSpill(); err != nil {
		return err
	}
	defer func() {
		if e := agg._state.endSpill(); err == nil {
			err = e
		}
	}()
	used := agg._tracker.Used()
	c, err := agg._spill.Write(agg._table, agg.bound())
	if err != nil {
		return err
	}
	agg._chunks = append(agg._chunks, c)
	agg._table.Release()
	agg._table = hashtable.NewTable(agg._method, agg._opts)
	util.Debug("worker spilled",
		zap.Int("worker", agg._id),
		zap.Int64("rows", c.Rows),
		zap.Int64("memoryBefore", used),
		zap.Int64("memoryAfter", agg._tracker.Used()))
	if agg._metrics != nil {
		agg._metrics.Spills.Inc()
		agg._metrics.SpilledBytes.Add(float64(c.Bytes))
	}
	return nil
}

func (agg *Aggregator) Table() *hashtable.Table {
	return agg._table
}

func (agg *Aggregator) Chunks() []*spill.Chunk {
	return agg._chunks
}

func (agg *Aggregator) Sketch() *hyperloglog.Sketch {
	return agg._sketch
}

func (agg *Aggregator) Rows() int64 {
	return agg._rows
}

// Release frees the table and removes chunks nobody consumed.
func (agg *Aggregator) Release() error {
	if agg._table != nil {
		agg._table.Release()
		agg._table = nil
	}
	var err error
	for _, c := range agg._chunks {
		err = multierr.Append(err, agg._spill.Remove(c))
	}
	agg._chunks = nil
	return err
}
