package hashtable

import (
	"fmt"
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggr/pkg/arena"
	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

func desc(typs ...common.LType) []KeyDesc {
	keys := make([]KeyDesc, len(typs))
	for i, typ := range typs {
		keys[i] = KeyDesc{Col: i, Typ: typ, Nullable: true}
	}
	return keys
}

func TestSelectMethod(t *testing.T) {
	cases := []struct {
		typs []common.LType
		kind MethodKind
	}{
		{nil, MethodWithoutKey},
		{[]common.LType{common.BigintType()}, MethodKeyU64},
		{[]common.LType{common.DecimalType(10, 2)}, MethodKeyU64},
		{[]common.LType{common.DecimalType(19, 2)}, MethodSerialized},
		{[]common.LType{common.VarcharType()}, MethodKeyString},
		{[]common.LType{common.IntegerType(), common.DateType()}, MethodKeysFixed128},
		{[]common.LType{common.BigintType(), common.IntegerType()}, MethodKeysFixed128},
		{[]common.LType{common.BigintType(), common.BigintType()}, MethodSerialized},
		{[]common.LType{common.VarcharType(), common.IntegerType()}, MethodSerialized},
	}
	for _, c := range cases {
		m := SelectMethod(desc(c.typs...), 0, 1000)
		assert.Equal(t, c.kind, m.Kind, "%v", c.typs)
		assert.False(t, m.TwoLevel)
		assert.Equal(t, minCapacity, m.InitialCapacity)
	}

	m := SelectMethod(desc(common.BigintType()), 5000, 1000)
	assert.True(t, m.TwoLevel)
	assert.Equal(t, 16384, m.InitialCapacity)
	assert.Equal(t, "nullable_key_u64(BIGINT)", m.String())

	notNull := []KeyDesc{{Col: 0, Typ: common.BigintType()}, {Col: 1, Typ: common.BigintType()}}
	assert.Equal(t, MethodKeysFixed128, SelectMethod(notNull, 0, 1000).Kind)
}

func newTestTable(method *Method, tracker *arena.MemoryTracker) *Table {
	return NewTable(method, Options{
		RecordSize:        8,
		ShardBits:         4,
		TwoLevelThreshold: 1000,
		Tracker:           tracker,
	})
}

func bigintBatch(vals []int64, nulls ...int) *chunk.Chunk {
	c := &chunk.Chunk{Data: []*chunk.Vector{chunk.NewFixedVector(common.BigintType(), vals, nulls...)}}
	c.Count = len(vals)
	return c
}

// count adds one per row into the int64 record of its key.
func count(t *testing.T, tbl *Table, batch *chunk.Chunk) {
	keys := make([]GroupKey, batch.Card())
	tbl.Method().Extract(batch, keys, nil)
	for i := range keys {
		ref, _ := tbl.FindOrEmplace(&keys[i])
		p := tbl.Pointer(ref)
		util.Store[int64](util.Load[int64](p)+1, p)
	}
}

func counts(t *testing.T, tbl *Table) map[string]int64 {
	out := chunk.NewFlatVector(tbl.Method().Keys[0].Typ, 1)
	res := make(map[string]int64)
	require.NoError(t, tbl.ForEach(func(g *Group) error {
		tbl.Method().WriteKey(&g.Key, []*chunk.Vector{out}, 0)
		res[out.GetValue(0).String()] += util.Load[int64](tbl.Pointer(g.Rec))
		return nil
	}))
	return res
}

func TestFindOrEmplaceStable(t *testing.T) {
	tracker := arena.NewMemoryTracker(0)
	method := SelectMethod(desc(common.BigintType()), 0, 1000)
	pool := arena.NewPool(0, tracker)
	ht := NewHashTable(method, pool, 16, 0, tracker)
	refs := make(map[int64]arena.Ref)
	vals := make([]int64, 20000)
	for i := range vals {
		vals[i] = int64(i * 7919)
	}
	batch := bigintBatch(vals)
	keys := make([]GroupKey, len(vals))
	method.Extract(batch, keys, nil)
	for i := range keys {
		ref, isNew := ht.FindOrEmplace(&keys[i])
		require.True(t, isNew)
		refs[vals[i]] = ref
	}
	assert.Greater(t, ht.Capacity(), 2*len(vals)-1)
	ht.Verify()
	for i := range keys {
		ref, isNew := ht.FindOrEmplace(&keys[i])
		require.False(t, isNew)
		require.Equal(t, refs[vals[i]], ref)
	}
	_, ok := ht.Find(&GroupKey{Hash: util.HashU64(3), Fixed: [2]uint64{3}})
	assert.False(t, ok)
	assert.Greater(t, tracker.Used(), int64(0))
	ht.Clear()
	pool.Release()
	assert.Equal(t, int64(0), tracker.Used())
}

func TestNullKeyIsOneGroup(t *testing.T) {
	for _, typ := range []common.LType{common.BigintType(), common.VarcharType()} {
		method := SelectMethod(desc(typ), 0, 1000)
		tbl := newTestTable(method, nil)
		var batch *chunk.Chunk
		if typ.Id == common.LTID_VARCHAR {
			batch = &chunk.Chunk{Data: []*chunk.Vector{
				chunk.NewVarcharFlatVector([]string{"a", "", "x", "a", "y"}, 2, 4),
			}, Count: 5}
		} else {
			batch = bigintBatch([]int64{1, 0, 5, 1, 7}, 2, 4)
		}
		count(t, tbl, batch)
		assert.Equal(t, 3, tbl.Len(), "%v", typ)
		res := counts(t, tbl)
		assert.Equal(t, int64(2), res["NULL"])
		tbl.Release()
	}
}

func TestKeyRoundTrip(t *testing.T) {
	dec := func(s string) common.Decimal {
		d, err := common.ParseDecimal(s, 2)
		require.NoError(t, err)
		return d
	}
	batch := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(common.IntegerType(), []int32{-1, 2, 2, 0}, 3),
		chunk.NewFixedVector(common.DoubleType(), []float64{math.Copysign(0, -1), 0, 1.5, math.NaN()}),
		chunk.NewVarcharFlatVector([]string{"a", "bb", "bb", ""}, 0),
		chunk.NewFixedVector(common.DecimalType(10, 2), []common.Decimal{dec("1.5"), dec("-3.25"), dec("-3.25"), dec("0")}),
		chunk.NewFixedVector(common.BooleanType(), []bool{true, false, false, true}),
		chunk.NewFixedVector(common.DateType(), []common.Date{1, 2, 2, 3}, 1),
	}, Count: 4}
	typs := []common.LType{
		common.IntegerType(), common.DoubleType(), common.VarcharType(),
		common.DecimalType(10, 2), common.BooleanType(), common.DateType(),
	}
	sets := [][]int{{0}, {1}, {2}, {3}, {0, 1}, {0, 4, 5}, {0, 2, 3}, {1, 3}}
	for _, cols := range sets {
		var keysDesc []KeyDesc
		for _, c := range cols {
			keysDesc = append(keysDesc, KeyDesc{Col: c, Typ: typs[c], Nullable: true})
		}
		method := SelectMethod(keysDesc, 0, 1000)
		keys := make([]GroupKey, 4)
		method.Extract(batch, keys, nil)

		outs := make([]*chunk.Vector, len(cols))
		for j, c := range cols {
			outs[j] = chunk.NewFlatVector(typs[c], 4)
		}
		for i := range keys {
			buf := method.AppendKey(nil, &keys[i])
			decoded, err := method.DecodeKey(keys[i].Hash, buf)
			require.NoError(t, err)
			require.True(t, decoded.Equal(&keys[i]), "%v row %d", method, i)
			method.WriteKey(&decoded, outs, i)
		}
		for j, c := range cols {
			for i := 0; i < 4; i++ {
				want := batch.Data[c].GetValue(i)
				got := outs[j].GetValue(i)
				if typs[c].Id == common.LTID_DOUBLE && !want.IsNull {
					if math.IsNaN(want.F64) {
						assert.True(t, math.IsNaN(got.F64))
					} else {
						assert.Equal(t, want.F64 == 0, got.F64 == 0)
						assert.Equal(t, math.Abs(want.F64), math.Abs(got.F64))
					}
					continue
				}
				assert.Equal(t, want.String(), got.String(), "%v col %d row %d", method, c, i)
			}
		}
		if len(cols) == 1 && cols[0] == 2 {
			assert.True(t, keys[1].Equal(&keys[2]))
		}
	}
	// -0 and 0 are one key
	m1 := SelectMethod([]KeyDesc{{Col: 1, Typ: typs[1], Nullable: true}}, 0, 1000)
	keys := make([]GroupKey, 4)
	m1.Extract(batch, keys, nil)
	assert.True(t, keys[0].Equal(&keys[1]))
}

func TestWideDecimalKey(t *testing.T) {
	typ := common.DecimalType(19, 2)
	dec := func(s string) common.Decimal {
		d, err := common.ParseDecimal(s, 2)
		require.NoError(t, err)
		return d
	}
	batch := &chunk.Chunk{Data: []*chunk.Vector{
		chunk.NewFixedVector(typ, []common.Decimal{
			dec("1.5"), dec("12345678901234567.89"), dec("1.50"), dec("-0.10"),
		}),
	}, Count: 4}
	method := SelectMethod(desc(typ), 0, 1000)
	require.Equal(t, MethodSerialized, method.Kind)

	keys := make([]GroupKey, 4)
	method.Extract(batch, keys, nil)
	assert.True(t, keys[0].Equal(&keys[2]))
	assert.False(t, keys[0].Equal(&keys[1]))

	out := chunk.NewFlatVector(typ, 4)
	for i := range keys {
		decoded, err := method.DecodeKey(keys[i].Hash, method.AppendKey(nil, &keys[i]))
		require.NoError(t, err)
		method.WriteKey(&decoded, []*chunk.Vector{out}, i)
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, batch.Data[0].GetValue(i).String(), out.GetValue(i).String(), "row %d", i)
	}
}

func TestConvertToTwoLevelKeepsRecords(t *testing.T) {
	method := SelectMethod(desc(common.BigintType()), 0, 1000)
	tbl := newTestTable(method, nil)
	vals := make([]int64, 3000)
	for i := range vals {
		vals[i] = int64(i % 1500)
	}
	vals[0] = 0
	batch := bigintBatch(vals, 10)
	count(t, tbl, batch)
	before := counts(t, tbl)
	refs := make(map[string]arena.Ref)
	out := chunk.NewFlatVector(common.BigintType(), 1)
	require.NoError(t, tbl.ForEach(func(g *Group) error {
		method.WriteKey(&g.Key, []*chunk.Vector{out}, 0)
		refs[out.GetValue(0).String()] = g.Rec
		return nil
	}))
	require.True(t, tbl.ShouldConvert())
	tbl.ConvertToTwoLevel()
	require.True(t, tbl.IsTwoLevel())
	assert.False(t, tbl.ShouldConvert())
	assert.Equal(t, 16, tbl.ShardCount())
	assert.Equal(t, len(before), tbl.Len())

	for i := 0; i < tbl.ShardCount(); i++ {
		shard := tbl.Shard(i)
		shard.Verify()
		for _, g := range shard.Groups() {
			assert.Equal(t, i, ShardOf(g.Key.Hash, 4))
			method.WriteKey(&g.Key, []*chunk.Vector{out}, 0)
			assert.Equal(t, refs[out.GetValue(0).String()], g.Rec)
		}
	}
	// inserts after conversion go to the shards
	count(t, tbl, batch)
	after := counts(t, tbl)
	for k, v := range before {
		assert.Equal(t, 2*v, after[k], k)
	}
	tbl.Release()
}

func sumMerge(dst, src unsafe.Pointer) error {
	util.Store[int64](util.Load[int64](dst)+util.Load[int64](src), dst)
	return nil
}

func TestTableMerge(t *testing.T) {
	tracker := arena.NewMemoryTracker(0)
	method := SelectMethod(desc(common.VarcharType()), 0, 1000)
	mk := func(prefix string, n int) *Table {
		tbl := newTestTable(method, tracker)
		vals := make([]string, n)
		for i := range vals {
			vals[i] = fmt.Sprintf("%s%d", prefix, i%50)
		}
		batch := &chunk.Chunk{Data: []*chunk.Vector{chunk.NewVarcharFlatVector(vals, 0)}, Count: n}
		count(t, tbl, batch)
		return tbl
	}
	a := mk("k", 100)
	b := mk("k", 300)
	c := mk("other", 60)

	// merging an empty table changes nothing
	empty := newTestTable(method, tracker)
	want := counts(t, a)
	require.NoError(t, a.Merge(empty, sumMerge))
	assert.Equal(t, want, counts(t, a))

	c.ConvertToTwoLevel()
	require.NoError(t, a.Merge(b, sumMerge))
	require.NoError(t, a.Merge(c, sumMerge))
	assert.True(t, a.IsTwoLevel())
	res := counts(t, a)
	assert.Equal(t, int64(2+6), res["k7"])
	assert.Equal(t, int64(3), res["NULL"])
	assert.Equal(t, int64(2), res["other7"])
	assert.Equal(t, 0, b.Len())
	b.Release()
	c.Release()
	empty.Release()
	a.Release()
	assert.Equal(t, int64(0), tracker.Used())
}
