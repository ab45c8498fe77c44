package jit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sumBigint(t *testing.T, arg int) *function.BoundSet {
	f, err := function.Bind("sum", arg, common.BigintType())
	require.NoError(t, err)
	c, err := function.Bind("count", -1, common.LType{})
	require.NoError(t, err)
	return function.NewBoundSet([]*function.Func{f, c})
}

func TestThreshold(t *testing.T) {
	cache := NewCache(nil)
	bound := sumBigint(t, 0)
	for i := 0; i < 2; i++ {
		assert.Nil(t, cache.GetOrCompile(bound.Signature(), bound.Funcs(), 3))
	}
	h := cache.GetOrCompile(bound.Signature(), bound.Funcs(), 3)
	require.NotNil(t, h)
	assert.Equal(t, "sum(BIGINT),count(*)", h.Signature())
	h.Release()

	// later lookups hit the published entry
	h2 := cache.GetOrCompile(bound.Signature(), bound.Funcs(), 100)
	require.NotNil(t, h2)
	h2.Release()
	st := cache.Stats()
	assert.Equal(t, int64(1), st.Compiles)
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
	cache.Purge()
	assert.Equal(t, int64(0), cache.Stats().Live)
}

func TestConcurrentCompileShared(t *testing.T) {
	var calls atomic.Int64
	cache := NewCache(CompilerFunc(func(funcs []*function.Func) ([]function.Kernel, error) {
		calls.Add(1)
		return KernelCompiler{}.Compile(funcs)
	}))
	bound := sumBigint(t, 0)
	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = cache.GetOrCompile(bound.Signature(), bound.Funcs(), 0)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load())
	for _, h := range handles {
		require.NotNil(t, h)
		assert.Same(t, handles[0]._art, h._art)
	}
	cache.Purge()
	assert.Equal(t, 0, cache.Len())
	// still pinned
	assert.Equal(t, int64(1), cache.Stats().Live)
	assert.NotNil(t, handles[0].Kernels())
	for _, h := range handles {
		h.Release()
		h.Release()
	}
	assert.Equal(t, int64(0), cache.Stats().Live)
}

func TestCompileFailureFallsBack(t *testing.T) {
	var calls atomic.Int64
	cache := NewCache(CompilerFunc(func(funcs []*function.Func) ([]function.Kernel, error) {
		calls.Add(1)
		return nil, errors.New("backend unavailable")
	}))
	bound := sumBigint(t, 0)
	cfg := util.CompileConfig{Enable: true, Threshold: 0}
	for i := 0; i < 3; i++ {
		set := cache.FunctionSet(bound, cfg)
		assert.False(t, set.Compiled())
		set.Release()
	}
	// negative entry, compiled once
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), cache.Stats().Failures)
}

func TestCompileFaultInjection(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_JIT)
	defer util.Close(util.FAULTS_SCOPE_JIT)
	util.Register(util.FAULTS_SCOPE_JIT, "compile", nil, func([]string) error {
		return errors.New("injected")
	})
	cache := NewCache(nil)
	bound := sumBigint(t, 0)
	set := cache.FunctionSet(bound, util.CompileConfig{Enable: true})
	assert.False(t, set.Compiled())
}

func TestDisabled(t *testing.T) {
	cache := NewCache(nil)
	bound := sumBigint(t, 0)
	set := cache.FunctionSet(bound, util.CompileConfig{Enable: false})
	assert.False(t, set.Compiled())
	assert.Equal(t, 0, cache.Len())
}

func TestSharedAcrossArgumentColumns(t *testing.T) {
	cache := NewCache(nil)
	cfg := util.CompileConfig{Enable: true}
	first := sumBigint(t, 0)
	second := sumBigint(t, 1)
	require.Equal(t, first.Signature(), second.Signature())

	s1 := cache.FunctionSet(first, cfg)
	s2 := cache.FunctionSet(second, cfg)
	require.True(t, s1.Compiled())
	require.True(t, s2.Compiled())
	defer s1.Release()
	defer s2.Release()
	assert.Equal(t, int64(1), cache.Stats().Compiles)

	batch := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.BigintType(), []int64{1, 2, 3}),
		chunk.NewFixedVector(common.BigintType(), []int64{10, 20, 30}),
	}, Count: 3}
	results := make([]int64, 2)
	for i, set := range []function.FunctionSet{s1, s2} {
		words := make([]uint64, set.Bound().Layout().Size()/8)
		rec := unsafe.Pointer(&words[0])
		set.Bound().Init(rec)
		recs := []unsafe.Pointer{rec, rec, rec}
		require.NoError(t, set.Update(recs, batch))
		out := []*chunk.Vector{
			chunk.NewFlatVector(common.BigintType(), 1),
			chunk.NewFlatVector(common.BigintType(), 1),
		}
		set.Bound().Finalize(rec, out, 0)
		results[i] = out[0].GetValue(0).I64
		assert.Equal(t, int64(3), out[1].GetValue(0).I64)
	}
	assert.Equal(t, []int64{6, 60}, results)
}

func TestDefaultSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
