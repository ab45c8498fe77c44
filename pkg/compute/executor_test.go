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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/jit"
	"github.com/daviszhen/aggr/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// input columns: k VARCHAR, v BIGINT, d DOUBLE, k2 BIGINT
var testTypes = []common.LType{
	common.VarcharType(),
	common.BigintType(),
	common.DoubleType(),
	common.BigintType(),
}

type testRow struct {
	k     string
	kNull bool
	v     int64
	d     float64
	k2    int64
	k2Nul bool
}

func makeBatch(rows []testRow) *chunk.Chunk {
	c := chunk.NewChunk(testTypes, max(len(rows), 1))
	vs := chunk.GetSliceInPhyFormatFlat[int64](c.Data[1])
	ds := chunk.GetSliceInPhyFormatFlat[float64](c.Data[2])
	k2s := chunk.GetSliceInPhyFormatFlat[int64](c.Data[3])
	for i, r := range rows {
		c.Data[0].Strs[i] = r.k
		c.Data[0].SetNull(i, r.kNull)
		vs[i] = r.v
		ds[i] = r.d
		k2s[i] = r.k2
		c.Data[3].SetNull(i, r.k2Nul)
	}
	c.SetCard(len(rows))
	return c
}

func fn(name string, arg int) util.AggrFuncConfig {
	return util.AggrFuncConfig{Name: name, Arg: arg}
}

func testConfig(keys []int, funcs ...util.AggrFuncConfig) *util.AggrConfig {
	cfg := util.DefaultAggrConfig()
	cfg.Keys = keys
	cfg.Funcs = funcs
	cfg.Workers = 1
	cfg.Spill.Dir = "/spill"
	cfg.Compile.Enable = false
	return cfg
}

type result struct {
	e       *Executor
	batches []*chunk.Chunk
	rows    map[string]string
	err     error
}

func runQuery(t *testing.T, cfg *util.AggrConfig, fs afero.Fs, batches []*chunk.Chunk, opts ...Option) *result {
	opts = append([]Option{WithFs(fs)}, opts...)
	e, err := NewExecutor(cfg, testTypes, opts...)
	require.NoError(t, err)
	res := &result{e: e}
	res.err = e.Run(context.Background(), NewSliceSource(batches...), Collect(&res.batches))
	res.rows = toMap(t, len(cfg.Keys), res.batches)
	return res
}

// toMap keys every result row by its key columns. A key seen twice
// fails the test.
func toMap(t *testing.T, keyCnt int, batches []*chunk.Chunk) map[string]string {
	ret := make(map[string]string)
	for _, b := range batches {
		for i := 0; i < b.Card(); i++ {
			row := b.Row(i)
			parts := make([]string, len(row))
			for j, v := range row {
				parts[j] = v.String()
			}
			key := strings.Join(parts[:keyCnt], "|")
			_, dup := ret[key]
			require.False(t, dup, "key %q emitted twice", key)
			ret[key] = strings.Join(parts[keyCnt:], "|")
		}
	}
	return ret
}

func spillFiles(fs afero.Fs) []string {
	var files []string
	_ = afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func randomBatches(seed int64, nBatches, rowsPer, keys int) []*chunk.Chunk {
	rng := rand.New(rand.NewSource(seed))
	batches := make([]*chunk.Chunk, nBatches)
	for b := range batches {
		rows := make([]testRow, rowsPer)
		for i := range rows {
			rows[i] = testRow{
				k:     fmt.Sprintf("k%03d", rng.Intn(keys)),
				kNull: rng.Intn(50) == 0,
				v:     rng.Int63n(2001) - 1000,
				// quarters keep double sums exact in any order
				d:     float64(rng.Intn(400)) / 4,
				k2:    rng.Int63n(4),
				k2Nul: rng.Intn(30) == 0,
			}
		}
		batches[b] = makeBatch(rows)
	}
	return batches
}

func TestSumByKey(t *testing.T) {
	batch := makeBatch([]testRow{{k: "a", v: 1}, {k: "b", v: 2}, {k: "a", v: 3}})
	res := runQuery(t, testConfig([]int{0}, fn("sum", 1)), afero.NewMemMapFs(), []*chunk.Chunk{batch})
	require.NoError(t, res.err)
	assert.Equal(t, map[string]string{"a": "4", "b": "2"}, res.rows)
	assert.Equal(t, []QueryState{StateAccumulating, StateMerging, StateFinalizing, StateDone}, res.e.Transitions())
	assert.Equal(t, int64(3), res.e.Stats().Rows)
	assert.Equal(t, int64(2), res.e.Stats().Groups)
}

func TestPromotionKeepsResults(t *testing.T) {
	const keys = 10000
	var batches []*chunk.Chunk
	for b := 0; b < 5; b++ {
		rows := make([]testRow, 0, 2*keys/5)
		for i := b * keys / 5; i < (b+1)*keys/5; i++ {
			rows = append(rows, testRow{k2: int64(i), v: int64(i)}, testRow{k2: int64(i), v: 1})
		}
		batches = append(batches, makeBatch(rows))
	}
	expect := make(map[string]string, keys)
	for i := 0; i < keys; i++ {
		expect[fmt.Sprint(i)] = fmt.Sprintf("%d|2", i+1)
	}

	cfg := testConfig([]int{3}, fn("sum", 1), fn("count", -1))
	cfg.TwoLevelThreshold = 1000
	cfg.ShardBits = 4
	promoted := runQuery(t, cfg, afero.NewMemMapFs(), batches)
	require.NoError(t, promoted.err)
	assert.Equal(t, 1, promoted.e.Stats().Promotions)
	assert.Equal(t, expect, promoted.rows)

	cfg.TwoLevelThreshold = 1 << 20
	single := runQuery(t, cfg, afero.NewMemMapFs(), batches)
	require.NoError(t, single.err)
	assert.Equal(t, 0, single.e.Stats().Promotions)
	assert.Equal(t, promoted.rows, single.rows)
}

func TestSpillMatchesInMemory(t *testing.T) {
	const total = 100000
	rng := rand.New(rand.NewSource(7))
	var batches []*chunk.Chunk
	for b := 0; b < 3; b++ {
		n := total / 3
		if b == 2 {
			n = total - 2*(total/3)
		}
		rows := make([]testRow, n)
		for i := range rows {
			rows[i] = testRow{k: fmt.Sprintf("key%02d", rng.Intn(50)), v: rng.Int63n(100)}
		}
		batches = append(batches, makeBatch(rows))
	}
	cfg := testConfig([]int{0}, fn("sum", 1), fn("count", -1), fn("max", 1))
	base := runQuery(t, cfg, afero.NewMemMapFs(), batches)
	require.NoError(t, base.err)
	require.Len(t, base.rows, 50)
	assert.Zero(t, base.e.Stats().Spills)

	// any arena chunk is over this budget, so every batch spills
	cfg.MemoryBudget = 1
	fs := afero.NewMemMapFs()
	spilled := runQuery(t, cfg, fs, batches)
	require.NoError(t, spilled.err)
	assert.Equal(t, int64(3), spilled.e.Stats().Spills)
	assert.Equal(t, base.rows, spilled.rows)
	assert.Contains(t, spilled.e.Transitions(), StateSpilling)
	assert.Equal(t, StateDone, spilled.e.State())
	assert.Empty(t, spillFiles(fs))
}

func TestEmptyInput(t *testing.T) {
	res := runQuery(t, testConfig([]int{0}, fn("sum", 1)), afero.NewMemMapFs(), nil)
	require.NoError(t, res.err)
	require.Len(t, res.batches, 1)
	assert.Zero(t, res.batches[0].Card())
	assert.Equal(t, 2, res.batches[0].ColumnCount())
	assert.Equal(t, common.LTID_VARCHAR, res.batches[0].Types()[0].Id)

	global := runQuery(t, testConfig(nil, fn("count", -1), fn("sum", 1)), afero.NewMemMapFs(), nil)
	require.NoError(t, global.err)
	assert.Equal(t, map[string]string{"": "0|NULL"}, global.rows)
}

func TestNullKeyIsOneGroup(t *testing.T) {
	batches := []*chunk.Chunk{
		makeBatch([]testRow{{k: "a", v: 1}, {kNull: true, v: 2}, {k: "b", v: 3}}),
		makeBatch([]testRow{{kNull: true, v: 4}, {k: "a", v: 5}}),
	}
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.Workers = 2
	res := runQuery(t, cfg, afero.NewMemMapFs(), batches)
	require.NoError(t, res.err)
	assert.Equal(t, map[string]string{"a": "6", "b": "3", "NULL": "6"}, res.rows)
}

func TestWorkersAndSpillsMatchReference(t *testing.T) {
	batches := randomBatches(11, 30, 1000, 300)
	funcs := []util.AggrFuncConfig{
		fn("sum", 1), fn("count", -1), fn("count", 3), fn("min", 1),
		fn("max", 2), fn("avg", 2), fn("sum", 2),
	}
	ref := runQuery(t, testConfig([]int{0, 3}, funcs...), afero.NewMemMapFs(), batches)
	require.NoError(t, ref.err)
	require.NotEmpty(t, ref.rows)

	cases := []struct {
		name      string
		workers   int
		budget    int
		shardBits int
		twoLevel  int
	}{
		{"4 workers", 4, 0, 8, 10000},
		{"4 workers spilling", 4, 1, 8, 10000},
		{"2 workers promoted", 2, 0, 2, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig([]int{0, 3}, funcs...)
			cfg.Workers = tc.workers
			cfg.ShardBits = tc.shardBits
			cfg.MemoryBudget = datasize.ByteSize(tc.budget)
			cfg.TwoLevelThreshold = tc.twoLevel
			fs := afero.NewMemMapFs()
			res := runQuery(t, cfg, fs, batches)
			require.NoError(t, res.err)
			assert.Equal(t, ref.rows, res.rows)
			assert.Empty(t, spillFiles(fs))
			if tc.budget > 0 {
				assert.Positive(t, res.e.Stats().Spills)
			}
		})
	}
}

func TestCompiledMatchesInterpreted(t *testing.T) {
	batches := randomBatches(5, 8, 500, 40)
	funcs := []util.AggrFuncConfig{fn("sum", 1), fn("avg", 1), fn("min", 2), fn("count", 0)}
	interp := runQuery(t, testConfig([]int{0}, funcs...), afero.NewMemMapFs(), batches)
	require.NoError(t, interp.err)
	assert.False(t, interp.e.Stats().Compiled)

	cache := jit.NewCache(nil)
	defer cache.Purge()
	cfg := testConfig([]int{0}, funcs...)
	cfg.Compile = util.CompileConfig{Enable: true, Threshold: 0}
	compiled := runQuery(t, cfg, afero.NewMemMapFs(), batches, WithCache(cache))
	require.NoError(t, compiled.err)
	assert.True(t, compiled.e.Stats().Compiled)
	assert.Equal(t, interp.rows, compiled.rows)
	assert.Equal(t, int64(1), cache.Stats().Compiles)
}

func TestMemoryExceededWithoutSpill(t *testing.T) {
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.MemoryBudget = 1
	cfg.Spill.Enable = false
	res := runQuery(t, cfg, afero.NewMemMapFs(), randomBatches(1, 2, 100, 10))
	require.ErrorIs(t, res.err, util.ErrMemoryExceeded)
	assert.Contains(t, res.err.Error(), "enable spilling")
	assert.Empty(t, res.batches)
	assert.Equal(t, StateFailed, res.e.State())
}

func TestSpillFailureCleansUp(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_SPILL)
	defer util.Close(util.FAULTS_SCOPE_SPILL)
	util.RegisterNth(util.FAULTS_SCOPE_SPILL, "write", 2, errors.New("device full"))
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.MemoryBudget = 1
	fs := afero.NewMemMapFs()
	res := runQuery(t, cfg, fs, randomBatches(2, 4, 100, 10))
	require.ErrorIs(t, res.err, util.ErrSpillStorage)
	assert.Contains(t, res.err.Error(), "device full")
	assert.Empty(t, res.batches)
	assert.Empty(t, spillFiles(fs))
	assert.Equal(t, int64(2), util.Hits(util.FAULTS_SCOPE_SPILL, "write"))
	assert.Equal(t, StateFailed, res.e.State())
}

func TestWorkerFailureStopsQuery(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_AGGR)
	defer util.Close(util.FAULTS_SCOPE_AGGR)
	util.Register(util.FAULTS_SCOPE_AGGR, "consume", nil, func([]string) error {
		return errors.New("worker lost")
	})
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.Workers = 4
	res := runQuery(t, cfg, afero.NewMemMapFs(), randomBatches(3, 20, 100, 10))
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "worker lost")
	assert.Equal(t, StateFailed, res.e.State())
}

func TestWorkerPanicBecomesError(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_AGGR)
	defer util.Close(util.FAULTS_SCOPE_AGGR)
	util.Register(util.FAULTS_SCOPE_AGGR, "consume", nil, func([]string) error {
		panic("bad batch")
	})
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.Workers = 2
	res := runQuery(t, cfg, afero.NewMemMapFs(), randomBatches(4, 6, 100, 10))
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "panic bad batch")
	assert.Empty(t, res.batches)
	assert.Equal(t, StateFailed, res.e.State())
}

func TestSumOverflow(t *testing.T) {
	batch := makeBatch([]testRow{{k: "a", v: math.MaxInt64}, {k: "a", v: 1}})
	res := runQuery(t, testConfig([]int{0}, fn("sum", 1)), afero.NewMemMapFs(), []*chunk.Chunk{batch})
	require.ErrorIs(t, res.err, util.ErrAggregateFunction)
	assert.Empty(t, res.batches)
}

func TestMergeErrorAfterSpillsEmitsNothing(t *testing.T) {
	first := make([]testRow, 0, 5001)
	for i := 0; i < 5000; i++ {
		first = append(first, testRow{k: fmt.Sprintf("k%04d", i), v: 1})
	}
	first = append(first, testRow{k: "boom", v: math.MaxInt64})
	batches := []*chunk.Chunk{
		makeBatch(first),
		makeBatch([]testRow{{k: "boom", v: 1}, {k: "k0001", v: 1}}),
	}
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.MemoryBudget = 1
	fs := afero.NewMemMapFs()
	res := runQuery(t, cfg, fs, batches)
	require.ErrorIs(t, res.err, util.ErrAggregateFunction)
	assert.Equal(t, int64(2), res.e.Stats().Spills)
	assert.Empty(t, res.batches)
	assert.NotContains(t, res.e.Transitions(), StateFinalizing)
	assert.Equal(t, StateFailed, res.e.State())
	assert.Empty(t, spillFiles(fs))
}

func TestCancelWhileSpilling(t *testing.T) {
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.MemoryBudget = 1
	fs := afero.NewMemMapFs()
	e, err := NewExecutor(cfg, testTypes, WithFs(fs))
	require.NoError(t, err)
	ch := make(chan *chunk.Chunk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var out []*chunk.Chunk
	go func() {
		done <- e.Run(ctx, ChanSource(ch), Collect(&out))
	}()
	ch <- randomBatches(3, 1, 500, 50)[0]
	require.Eventually(t, func() bool {
		return len(spillFiles(fs)) > 0
	}, 5*time.Second, time.Millisecond)
	cancel()
	err = <-done
	require.ErrorIs(t, err, util.ErrCancelled)
	assert.Equal(t, StateCancelled, e.State())
	assert.Contains(t, e.Transitions(), StateSpilling)
	assert.Positive(t, e.Stats().Spills)
	assert.Empty(t, out)
	assert.Empty(t, spillFiles(fs))
}

func TestCancel(t *testing.T) {
	e, err := NewExecutor(testConfig([]int{0}, fn("sum", 1)), testTypes, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	ch := make(chan *chunk.Chunk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out []*chunk.Chunk
	go func() {
		done <- e.Run(ctx, ChanSource(ch), Collect(&out))
	}()
	ch <- makeBatch([]testRow{{k: "a", v: 1}})
	cancel()
	err = <-done
	require.ErrorIs(t, err, util.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, e.State())
	assert.Empty(t, out)
}

func TestTwoStagePartial(t *testing.T) {
	batches := randomBatches(9, 10, 400, 60)
	funcs := []util.AggrFuncConfig{fn("sum", 1), fn("count", -1), fn("avg", 2), fn("min", 1), fn("max", 2)}
	keys := []int{0, 3}
	whole := runQuery(t, testConfig(keys, funcs...), afero.NewMemMapFs(), batches)
	require.NoError(t, whole.err)

	var partials []*chunk.Chunk
	for _, half := range [][]*chunk.Chunk{batches[:5], batches[5:]} {
		cfg := testConfig(keys, funcs...)
		cfg.Output = util.OutputPartial
		res := runQuery(t, cfg, afero.NewMemMapFs(), half)
		require.NoError(t, res.err)
		for _, b := range res.batches {
			for i, typ := range b.Types()[len(keys):] {
				require.Equal(t, common.LTID_BLOB, typ.Id, "column %d", i)
			}
		}
		partials = append(partials, res.batches...)
	}

	final, err := NewExecutor(testConfig(keys, funcs...), testTypes, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	require.Len(t, final.PartialInputTypes(), len(keys)+len(funcs))
	var out []*chunk.Chunk
	require.NoError(t, final.RunPartial(context.Background(), NewSliceSource(partials...), Collect(&out)))
	assert.Equal(t, whole.rows, toMap(t, len(keys), out))
}

func TestRunOnce(t *testing.T) {
	e, err := NewExecutor(testConfig([]int{0}, fn("sum", 1)), testTypes, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	var out []*chunk.Chunk
	require.NoError(t, e.Run(context.Background(), NewSliceSource(), Collect(&out)))
	require.Error(t, e.Run(context.Background(), NewSliceSource(), Collect(&out)))
}

func TestBadConfig(t *testing.T) {
	_, err := NewExecutor(testConfig([]int{9}, fn("sum", 1)), testTypes)
	require.Error(t, err)
	_, err = NewExecutor(testConfig([]int{0}, fn("sum", 0)), testTypes)
	require.Error(t, err)
	_, err = NewExecutor(testConfig([]int{0}, fn("median", 1)), testTypes)
	require.Error(t, err)
	_, err = NewExecutor(testConfig(nil), testTypes)
	require.Error(t, err)
}

func TestBatchShapeChecked(t *testing.T) {
	e, err := NewExecutor(testConfig([]int{0}, fn("sum", 1)), testTypes, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	bad := chunk.NewChunk([]common.LType{common.VarcharType()}, 1)
	var out []*chunk.Chunk
	err = e.Run(context.Background(), NewSliceSource(bad), Collect(&out))
	require.Error(t, err)
	assert.Equal(t, StateFailed, e.State())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cfg := testConfig([]int{0}, fn("sum", 1))
	cfg.MemoryBudget = 1
	res := runQuery(t, cfg, afero.NewMemMapFs(), randomBatches(4, 3, 100, 10), WithMetrics(m))
	require.NoError(t, res.err)
	assert.Equal(t, float64(300), testutil.ToFloat64(m.Rows))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Batches))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Spills))
	assert.Equal(t, float64(len(res.rows)), testutil.ToFloat64(m.OutputRows))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompileMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Queries.WithLabelValues("DONE")))
}

func TestExplain(t *testing.T) {
	cfg := testConfig([]int{0}, fn("sum", 1), fn("count", -1))
	e, err := NewExecutor(cfg, testTypes)
	require.NoError(t, err)
	text := e.Explain()
	assert.Contains(t, text, "nullable_key_string(VARCHAR)")
	assert.Contains(t, text, "sum(BIGINT)")
	assert.Contains(t, text, "count(*)")
	assert.Contains(t, text, "unlimited")
}
