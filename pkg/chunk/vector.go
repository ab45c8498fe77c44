package chunk

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

// Vector is a flat column. Fixed-width values live in Data,
// VARCHAR and BLOB values in Strs.
type Vector struct {
	_Typ common.LType
	_Cap int
	Data []byte
	Strs []string
	Mask *util.Bitmap
}

func NewFlatVector(typ common.LType, cap int) *Vector {
	vec := &Vector{
		_Typ: typ,
		Mask: &util.Bitmap{},
	}
	vec.Init(cap)
	return vec
}

func (vec *Vector) Init(cap int) {
	vec._Cap = cap
	vec.Mask.Reset()
	pTyp := vec._Typ.GetInternalType()
	if pTyp.IsVarchar() {
		vec.Strs = make([]string, cap)
		vec.Data = nil
		return
	}
	sz := pTyp.Size() * cap
	// word backed for the alignment of int64 and decimals
	words := make([]uint64, (sz+7)/8)
	vec.Data = util.PointerToSlice[byte](unsafe.Pointer(unsafe.SliceData(words)), sz)
	vec.Strs = nil
}

func (vec *Vector) Typ() common.LType {
	return vec._Typ
}

func (vec *Vector) Cap() int {
	return vec._Cap
}

func GetSliceInPhyFormatFlat[T any](vec *Vector) []T {
	util.AssertFunc(vec._Typ.GetInternalType().IsConstant())
	if vec._Cap == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(vec.Data))), vec._Cap)
}

func (vec *Vector) IsNull(idx int) bool {
	return !vec.Mask.RowIsValid(idx)
}

func (vec *Vector) SetNull(idx int, null bool) {
	vec.Mask.Set(idx, !null, vec._Cap)
}

func (vec *Vector) GetValue(idx int) *Value {
	if vec.IsNull(idx) {
		return NullValue(vec._Typ)
	}
	ret := &Value{Typ: vec._Typ}
	switch vec._Typ.Id {
	case common.LTID_BOOLEAN:
		ret.Bool = GetSliceInPhyFormatFlat[bool](vec)[idx]
	case common.LTID_INTEGER:
		ret.I64 = int64(GetSliceInPhyFormatFlat[int32](vec)[idx])
	case common.LTID_DATE:
		ret.I64 = int64(GetSliceInPhyFormatFlat[common.Date](vec)[idx])
	case common.LTID_BIGINT:
		ret.I64 = GetSliceInPhyFormatFlat[int64](vec)[idx]
	case common.LTID_DOUBLE:
		ret.F64 = GetSliceInPhyFormatFlat[float64](vec)[idx]
	case common.LTID_DECIMAL:
		ret.Dec = GetSliceInPhyFormatFlat[common.Decimal](vec)[idx]
	case common.LTID_VARCHAR, common.LTID_BLOB:
		ret.Str = vec.Strs[idx]
	default:
		panic(fmt.Sprintf("usp %v", vec._Typ))
	}
	return ret
}

func (vec *Vector) SetValue(idx int, val *Value) {
	if val.IsNull {
		vec.SetNull(idx, true)
		return
	}
	vec.SetNull(idx, false)
	switch vec._Typ.Id {
	case common.LTID_BOOLEAN:
		GetSliceInPhyFormatFlat[bool](vec)[idx] = val.Bool
	case common.LTID_INTEGER:
		GetSliceInPhyFormatFlat[int32](vec)[idx] = int32(val.I64)
	case common.LTID_DATE:
		GetSliceInPhyFormatFlat[common.Date](vec)[idx] = common.Date(val.I64)
	case common.LTID_BIGINT:
		GetSliceInPhyFormatFlat[int64](vec)[idx] = val.I64
	case common.LTID_DOUBLE:
		GetSliceInPhyFormatFlat[float64](vec)[idx] = val.F64
	case common.LTID_DECIMAL:
		GetSliceInPhyFormatFlat[common.Decimal](vec)[idx] = val.Dec
	case common.LTID_VARCHAR, common.LTID_BLOB:
		vec.Strs[idx] = val.Str
	default:
		panic(fmt.Sprintf("usp %v", vec._Typ))
	}
}

func (vec *Vector) Reset() {
	vec.Mask.Reset()
}

func (vec *Vector) Print2(prefix string, rowCount int) {
	fields := make([]zap.Field, 0, rowCount)
	for j := 0; j < rowCount; j++ {
		val := vec.GetValue(j)
		fields = append(fields, zap.String("", val.String()))
	}
	util.Info(prefix, fields...)
}

func HasNull(input *Vector, count int) bool {
	if count == 0 || input.Mask.AllValid() {
		return false
	}
	return input.Mask.CountValid(count) != count
}

// NewFixedVector builds a vector over typed values. Rows listed in
// nulls are NULL.
func NewFixedVector[T any](typ common.LType, vals []T, nulls ...int) *Vector {
	vec := NewFlatVector(typ, len(vals))
	copy(GetSliceInPhyFormatFlat[T](vec), vals)
	for _, n := range nulls {
		vec.SetNull(n, true)
	}
	return vec
}

func NewVarcharFlatVector(v []string, nulls ...int) *Vector {
	vec := NewFlatVector(common.VarcharType(), len(v))
	copy(vec.Strs, v)
	for _, n := range nulls {
		vec.SetNull(n, true)
	}
	return vec
}
