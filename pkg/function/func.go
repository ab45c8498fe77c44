package function

import (
	"fmt"
	"unsafe"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

type Kind int

const (
	KindCountStar Kind = iota
	KindCount
	KindSum
	KindAvg
	KindMin
	KindMax
	KindAnyValue
)

var kindNames = map[Kind]string{
	KindCountStar: "count_star",
	KindCount:     "count",
	KindSum:       "sum",
	KindAvg:       "avg",
	KindMin:       "min",
	KindMax:       "max",
	KindAnyValue:  "any_value",
}

func (k Kind) String() string {
	return kindNames[k]
}

func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	switch name {
	case "count(*)":
		return KindCountStar, true
	case "any", "first":
		return KindAnyValue, true
	}
	return 0, false
}

// Func is one bound aggregate. The interpreted methods below switch on
// the kind and the argument's physical type for every row.
type Func struct {
	Kind   Kind
	Arg    int
	ArgTyp common.LType
	RetTyp common.LType
	_phy   common.PhyType
	_size  int
}

// Bind resolves name over an argument of type argTyp read from column
// arg. count(*) ignores both.
func Bind(name string, arg int, argTyp common.LType) (*Func, error) {
	kind, ok := ParseKind(name)
	if !ok {
		return nil, fmt.Errorf("unknown aggregate function %q", name)
	}
	if kind == KindCount && arg < 0 {
		kind = KindCountStar
	}
	f := &Func{Kind: kind, Arg: arg, ArgTyp: argTyp}
	if kind == KindCountStar {
		f.Arg = -1
		f.ArgTyp = common.Null()
		f.RetTyp = common.BigintType()
		f._size = StateSize[int64]()
		return f, nil
	}
	f._phy = argTyp.GetInternalType()
	switch kind {
	case KindCount:
		f.RetTyp = common.BigintType()
		f._size = StateSize[int64]()
		return f, nil
	case KindSum, KindAvg:
		switch argTyp.Id {
		case common.LTID_INTEGER, common.LTID_BIGINT:
			f._size = StateSize[int64]()
			f.RetTyp = common.BigintType()
			if kind == KindAvg {
				f.RetTyp = common.DoubleType()
			}
		case common.LTID_DOUBLE:
			f._size = StateSize[float64]()
			f.RetTyp = common.DoubleType()
		case common.LTID_DECIMAL:
			f._size = StateSize[common.Decimal]()
			f.RetTyp = common.DecimalType(common.DecimalMaxWidthInt64, argTyp.Scale)
		default:
			return nil, fmt.Errorf("%s(%v) is not supported", kind, argTyp)
		}
	case KindMin, KindMax, KindAnyValue:
		f.RetTyp = argTyp
		switch argTyp.Id {
		case common.LTID_INTEGER:
			f._size = StateSize[int32]()
		case common.LTID_DATE:
			f._size = StateSize[common.Date]()
		case common.LTID_BIGINT:
			f._size = StateSize[int64]()
		case common.LTID_DOUBLE:
			f._size = StateSize[float64]()
		case common.LTID_DECIMAL:
			f._size = StateSize[common.Decimal]()
		default:
			return nil, fmt.Errorf("%s(%v) is not supported", kind, argTyp)
		}
	}
	return f, nil
}

func (f *Func) StateSize() int {
	return f._size
}

func (f *Func) String() string {
	if f.Kind == KindCountStar {
		return "count(*)"
	}
	return fmt.Sprintf("%s(%v)", f.Kind, f.ArgTyp)
}

func (f *Func) Init(state unsafe.Pointer) {
	util.Memset(state, 0, f._size)
}

// AddRow folds row of vec into state. vec is nil for count(*).
func (f *Func) AddRow(state unsafe.Pointer, vec *chunk.Vector, row int) error {
	if f.Kind == KindCountStar {
		return CountOp[int64]{}.Operation((*State[int64])(state), nil, nil, nil)
	}
	if vec.IsNull(row) {
		return nil
	}
	if f.Kind == KindCount {
		return CountOp[int64]{}.Operation((*State[int64])(state), nil, nil, nil)
	}
	val := vec.GetValue(row)
	switch f.Kind {
	case KindSum, KindAvg:
		switch f._phy {
		case common.INT32, common.INT64:
			return sumLike[int64, int64](f.Kind, state, &val.I64, IntAdd[int64]{}, Int64Op{})
		case common.DOUBLE:
			return sumLike[float64, float64](f.Kind, state, &val.F64, SameAdd[float64]{}, Double{})
		case common.DECIMAL:
			return sumLike[common.Decimal, common.Decimal](f.Kind, state, &val.Dec, SameAdd[common.Decimal]{}, DecimalOp{})
		}
	case KindMin, KindMax, KindAnyValue:
		switch f._phy {
		case common.INT32:
			v := int32(val.I64)
			return pickLike[int32](f.Kind, state, &v, OrderedOp[int32]{})
		case common.DATE:
			v := common.Date(val.I64)
			return pickLike[common.Date](f.Kind, state, &v, OrderedOp[common.Date]{})
		case common.INT64:
			return pickLike[int64](f.Kind, state, &val.I64, Int64Op{})
		case common.DOUBLE:
			return pickLike[float64](f.Kind, state, &val.F64, Double{})
		case common.DECIMAL:
			return pickLike[common.Decimal](f.Kind, state, &val.Dec, DecimalOp{})
		}
	}
	panic(fmt.Sprintf("usp %v", f))
}

func sumLike[R any, I any](kind Kind, state unsafe.Pointer, input *I, aop AddOp[R, I], top TypeOp[R]) error {
	if kind == KindAvg {
		return AvgOp[R, I]{}.Operation((*State[R])(state), input, aop, top)
	}
	return SumOp[R, I]{}.Operation((*State[R])(state), input, aop, top)
}

func pickLike[T any](kind Kind, state unsafe.Pointer, input *T, top TypeOp[T]) error {
	s := (*State[T])(state)
	switch kind {
	case KindMin:
		return MinOp[T]{}.Operation(s, input, nil, top)
	case KindMax:
		return MaxOp[T]{}.Operation(s, input, nil, top)
	default:
		return AnyValueOp[T]{}.Operation(s, input, nil, top)
	}
}

// Merge combines src into dst.
func (f *Func) Merge(dst, src unsafe.Pointer) error {
	switch f.Kind {
	case KindCountStar, KindCount:
		return CountOp[int64]{}.Combine((*State[int64])(src), (*State[int64])(dst), nil)
	case KindSum, KindAvg:
		switch f._phy {
		case common.INT32, common.INT64:
			return SumOp[int64, int64]{}.Combine((*State[int64])(src), (*State[int64])(dst), Int64Op{})
		case common.DOUBLE:
			return SumOp[float64, float64]{}.Combine((*State[float64])(src), (*State[float64])(dst), Double{})
		case common.DECIMAL:
			return SumOp[common.Decimal, common.Decimal]{}.Combine((*State[common.Decimal])(src), (*State[common.Decimal])(dst), DecimalOp{})
		}
	case KindMin, KindMax, KindAnyValue:
		switch f._phy {
		case common.INT32:
			return combinePick[int32](f.Kind, dst, src, OrderedOp[int32]{})
		case common.DATE:
			return combinePick[common.Date](f.Kind, dst, src, OrderedOp[common.Date]{})
		case common.INT64:
			return combinePick[int64](f.Kind, dst, src, Int64Op{})
		case common.DOUBLE:
			return combinePick[float64](f.Kind, dst, src, Double{})
		case common.DECIMAL:
			return combinePick[common.Decimal](f.Kind, dst, src, DecimalOp{})
		}
	}
	panic(fmt.Sprintf("usp %v", f))
}

func combinePick[T any](kind Kind, dst, src unsafe.Pointer, top TypeOp[T]) error {
	d, s := (*State[T])(dst), (*State[T])(src)
	switch kind {
	case KindMin:
		return MinOp[T]{}.Combine(s, d, top)
	case KindMax:
		return MaxOp[T]{}.Combine(s, d, top)
	default:
		return AnyValueOp[T]{}.Combine(s, d, top)
	}
}

// Finalize writes the result of state into out at row.
func (f *Func) Finalize(state unsafe.Pointer, out *chunk.Vector, row int) {
	switch f.Kind {
	case KindCountStar, KindCount:
		CountOp[int64]{}.Finalize((*State[int64])(state), out, row)
		return
	case KindSum:
		switch f._phy {
		case common.INT32, common.INT64:
			SumOp[int64, int64]{}.Finalize((*State[int64])(state), out, row)
		case common.DOUBLE:
			SumOp[float64, float64]{}.Finalize((*State[float64])(state), out, row)
		case common.DECIMAL:
			SumOp[common.Decimal, common.Decimal]{}.Finalize((*State[common.Decimal])(state), out, row)
		}
		return
	case KindAvg:
		switch f._phy {
		case common.INT32, common.INT64:
			AvgOp[int64, int64]{}.Finalize((*State[int64])(state), out, row)
		case common.DOUBLE:
			AvgOp[float64, float64]{}.Finalize((*State[float64])(state), out, row)
		case common.DECIMAL:
			AvgOp[common.Decimal, common.Decimal]{}.Finalize((*State[common.Decimal])(state), out, row)
		}
		return
	case KindMin, KindMax, KindAnyValue:
		switch f._phy {
		case common.INT32:
			MinOp[int32]{}.Finalize((*State[int32])(state), out, row)
		case common.DATE:
			MinOp[common.Date]{}.Finalize((*State[common.Date])(state), out, row)
		case common.INT64:
			MinOp[int64]{}.Finalize((*State[int64])(state), out, row)
		case common.DOUBLE:
			MinOp[float64]{}.Finalize((*State[float64])(state), out, row)
		case common.DECIMAL:
			MinOp[common.Decimal]{}.Finalize((*State[common.Decimal])(state), out, row)
		}
		return
	}
	panic(fmt.Sprintf("usp %v", f))
}

func (f *Func) stateType() common.PhyType {
	switch f.Kind {
	case KindCountStar, KindCount:
		return common.INT64
	case KindSum, KindAvg:
		if f._phy == common.INT32 {
			return common.INT64
		}
	}
	return f._phy
}

// SerializeState writes the portable form used by spill chunks and
// partial results.
func (f *Func) SerializeState(state unsafe.Pointer, serial util.Serialize) error {
	switch f.stateType() {
	case common.INT32:
		return (*State[int32])(state).Serialize(serial)
	case common.DATE:
		return (*State[common.Date])(state).Serialize(serial)
	case common.INT64:
		return (*State[int64])(state).Serialize(serial)
	case common.DOUBLE:
		return (*State[float64])(state).Serialize(serial)
	case common.DECIMAL:
		return (*State[common.Decimal])(state).Serialize(serial)
	}
	panic(fmt.Sprintf("usp %v", f))
}

func (f *Func) DeserializeState(state unsafe.Pointer, deserial util.Deserialize) error {
	switch f.stateType() {
	case common.INT32:
		return (*State[int32])(state).Deserialize(deserial)
	case common.DATE:
		return (*State[common.Date])(state).Deserialize(deserial)
	case common.INT64:
		return (*State[int64])(state).Deserialize(deserial)
	case common.DOUBLE:
		return (*State[float64])(state).Deserialize(deserial)
	case common.DECIMAL:
		return (*State[common.Decimal])(state).Deserialize(deserial)
	}
	panic(fmt.Sprintf("usp %v", f))
}
