package function

import (
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

func bindAll(t *testing.T, typs []common.LType, specs ...string) []*Func {
	var funcs []*Func
	for i := 0; i < len(specs); i += 2 {
		arg := -1
		if specs[i+1] != "*" {
			arg = int(specs[i+1][0] - '0')
		}
		var typ common.LType
		if arg >= 0 {
			typ = typs[arg]
		}
		f, err := Bind(specs[i], arg, typ)
		require.NoError(t, err)
		funcs = append(funcs, f)
	}
	return funcs
}

func newRecords(layout *Layout, n int) ([]unsafe.Pointer, [][]uint64) {
	words := make([][]uint64, n)
	recs := make([]unsafe.Pointer, n)
	for i := range recs {
		words[i] = make([]uint64, layout.Size()/8)
		recs[i] = unsafe.Pointer(&words[i][0])
	}
	return recs, words
}

func finalizeAll(bound *BoundSet, recs []unsafe.Pointer) *chunk.Chunk {
	typs := make([]common.LType, 0)
	for _, f := range bound.Funcs() {
		typs = append(typs, f.RetTyp)
	}
	out := chunk.NewChunk(typs, len(recs))
	for i, rec := range recs {
		bound.Finalize(rec, out.Data, i)
	}
	out.SetCard(len(recs))
	return out
}

func TestBind(t *testing.T) {
	f, err := Bind("sum", 0, common.IntegerType())
	require.NoError(t, err)
	assert.Equal(t, common.BigintType(), f.RetTyp)
	f, err = Bind("avg", 0, common.BigintType())
	require.NoError(t, err)
	assert.Equal(t, common.DoubleType(), f.RetTyp)
	f, err = Bind("count", -1, common.LType{})
	require.NoError(t, err)
	assert.Equal(t, KindCountStar, f.Kind)
	assert.Equal(t, "count(*)", f.String())
	f, err = Bind("min", 0, common.DecimalType(10, 2))
	require.NoError(t, err)
	assert.Equal(t, common.DecimalType(10, 2), f.RetTyp)
	f, err = Bind("count", 0, common.VarcharType())
	require.NoError(t, err)
	assert.Equal(t, "count(VARCHAR)", f.String())

	_, err = Bind("sum", 0, common.VarcharType())
	assert.Error(t, err)
	_, err = Bind("median", 0, common.IntegerType())
	assert.Error(t, err)
}

func TestLayoutAligned(t *testing.T) {
	typs := []common.LType{common.IntegerType(), common.DecimalType(12, 2)}
	funcs := bindAll(t, typs, "min", "0", "sum", "1", "count", "*")
	layout := NewLayout(funcs)
	for i := range funcs {
		assert.Zero(t, layout.Offset(i)%8)
	}
	assert.GreaterOrEqual(t, layout.Size(), layout.Offset(2)+funcs[2].StateSize())
	sig := MakeSignature(funcs)
	assert.Equal(t, "min(INTEGER),sum(DECIMAL(12,2)),count(*)", sig.Text)
	assert.Equal(t, util.HashString(sig.Text), sig.Hash)
}

func randomBatch(rng *rand.Rand, n int) *chunk.Chunk {
	ints := make([]int32, n)
	bigs := make([]int64, n)
	dbls := make([]float64, n)
	decs := make([]common.Decimal, n)
	var nulls []int
	for i := 0; i < n; i++ {
		ints[i] = rng.Int31n(1000) - 500
		bigs[i] = rng.Int63n(1 << 40)
		dbls[i] = rng.Float64() * 100
		d, _ := common.NewDecimal(rng.Int63n(100000)-50000, 2)
		decs[i] = d
		if rng.Intn(7) == 0 {
			nulls = append(nulls, i)
		}
	}
	c := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.IntegerType(), ints, nulls...),
		chunk.NewFixedVector(common.BigintType(), bigs),
		chunk.NewFixedVector(common.DoubleType(), dbls, nulls...),
		chunk.NewFixedVector(common.DecimalType(12, 2), decs, nulls...),
	}}
	c.Count = n
	return c
}

func TestInterpretedMatchesSpecialized(t *testing.T) {
	typs := []common.LType{common.IntegerType(), common.BigintType(), common.DoubleType(), common.DecimalType(12, 2)}
	funcs := bindAll(t, typs,
		"count", "*", "count", "0", "sum", "0", "sum", "1", "sum", "2", "sum", "3",
		"avg", "0", "avg", "2", "avg", "3", "min", "0", "max", "2", "min", "3",
		"max", "1", "any_value", "0")
	bound := NewBoundSet(funcs)
	kernels := make([]Kernel, len(funcs))
	for i, f := range funcs {
		k, err := Specialize(f)
		require.NoError(t, err)
		kernels[i] = k
	}
	sets := []FunctionSet{NewInterpretedSet(bound), NewSpecializedSet(bound, kernels)}
	const groups = 5
	var results []string
	for _, set := range sets {
		recs, _ := newRecords(bound.Layout(), groups)
		for _, rec := range recs {
			bound.Init(rec)
		}
		// fold in two halves to exercise merge
		other, _ := newRecords(bound.Layout(), groups)
		for b := 0; b < 6; b++ {
			batch := randomBatch(rand.New(rand.NewSource(int64(b))), 300)
			targets := make([]unsafe.Pointer, batch.Card())
			for i := range targets {
				if b%2 == 0 {
					targets[i] = recs[i%groups]
				} else {
					targets[i] = other[i%groups]
				}
			}
			require.NoError(t, set.Update(targets, batch))
		}
		for g := 0; g < groups; g++ {
			require.NoError(t, set.Merge(recs[g], other[g]))
		}
		results = append(results, finalizeAll(bound, recs).String())
	}
	assert.Equal(t, results[0], results[1])
	assert.NotEmpty(t, results[0])
}

func TestNullGroup(t *testing.T) {
	typs := []common.LType{common.BigintType()}
	funcs := bindAll(t, typs, "sum", "0", "count", "0", "count", "*", "avg", "0", "min", "0")
	bound := NewBoundSet(funcs)
	set := NewInterpretedSet(bound)
	recs, _ := newRecords(bound.Layout(), 1)
	batch := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.BigintType(), []int64{1, 2}, 0, 1),
	}, Count: 2}
	require.NoError(t, set.Update([]unsafe.Pointer{recs[0], recs[0]}, batch))
	row := finalizeAll(bound, recs).Row(0)
	assert.True(t, row[0].IsNull)
	assert.Equal(t, int64(0), row[1].I64)
	assert.Equal(t, int64(2), row[2].I64)
	assert.True(t, row[3].IsNull)
	assert.True(t, row[4].IsNull)
}

func TestSumOverflow(t *testing.T) {
	typs := []common.LType{common.BigintType()}
	funcs := bindAll(t, typs, "sum", "0")
	bound := NewBoundSet(funcs)
	k, err := Specialize(funcs[0])
	require.NoError(t, err)
	batch := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.BigintType(), []int64{math.MaxInt64, 1}),
	}, Count: 2}
	for _, set := range []FunctionSet{NewInterpretedSet(bound), NewSpecializedSet(bound, []Kernel{k})} {
		recs, _ := newRecords(bound.Layout(), 1)
		err := set.Update([]unsafe.Pointer{recs[0], recs[0]}, batch)
		assert.ErrorIs(t, err, util.ErrAggregateFunction)
	}

	// merge overflows too
	a, _ := newRecords(bound.Layout(), 2)
	one := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.BigintType(), []int64{math.MaxInt64, math.MaxInt64}),
	}, Count: 2}
	set := NewInterpretedSet(bound)
	require.NoError(t, set.Update(a, one))
	assert.ErrorIs(t, set.Merge(a[0], a[1]), util.ErrAggregateFunction)
}

func TestStateSerialize(t *testing.T) {
	typs := []common.LType{common.IntegerType(), common.DecimalType(12, 2), common.DateType()}
	funcs := bindAll(t, typs, "avg", "1", "min", "0", "max", "2", "sum", "1")
	bound := NewBoundSet(funcs)
	set := NewInterpretedSet(bound)
	recs, _ := newRecords(bound.Layout(), 2)
	batch := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.IntegerType(), []int32{4, -3}),
		chunk.NewFixedVector(common.DecimalType(12, 2), []common.Decimal{
			common.MustDecimal("1.10"), common.MustDecimal("2.20"),
		}, 1),
		chunk.NewFixedVector(common.DateType(), []common.Date{10, 20}),
	}, Count: 2}
	require.NoError(t, set.Update([]unsafe.Pointer{recs[0], recs[0]}, batch))

	ser := &util.BufferSerialize{}
	require.NoError(t, bound.SerializeRecord(recs[0], ser))
	require.NoError(t, bound.DeserializeRecord(recs[1], &util.BufferDeserialize{Buf: ser.Buf}))
	out := finalizeAll(bound, recs)
	assert.Equal(t, out.Row(0)[0].String(), out.Row(1)[0].String())
	assert.Equal(t, "-3", out.Row(1)[1].String())
	assert.Equal(t, "1970-01-21", out.Row(1)[2].String())
	assert.Equal(t, "1.10", out.Row(1)[3].String())
}
