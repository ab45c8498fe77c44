package hashtable

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

// GroupKey is the key of one row. Fixed methods fill Fixed, string and
// serialized methods point Bytes at the row data until the key is
// emplaced, after which Bytes lives in the arena.
type GroupKey struct {
	Hash  uint64
	Fixed [2]uint64
	Bytes []byte
	// set only by nullable single column methods
	Null bool
}

var nullHash = util.HashU64(util.SEED)

func (key *GroupKey) Equal(o *GroupKey) bool {
	return key.Hash == o.Hash &&
		key.Null == o.Null &&
		key.Fixed == o.Fixed &&
		bytes.Equal(key.Bytes, o.Bytes)
}

// KeyDesc describes one grouping column of the input batch.
type KeyDesc struct {
	Col      int
	Typ      common.LType
	Nullable bool
}

// fixedCodec maps a fixed width value to canonical bits. Equal values
// map to equal bits: -0 and 0, all NaNs, decimals of any scale.
type fixedCodec struct {
	width int
	read  func(vec *chunk.Vector, row int) uint64
	write func(vec *chunk.Vector, row int, bits uint64)
}

var pow10 = func() [common.DecimalMaxWidthInt64 + 1]int64 {
	var p [common.DecimalMaxWidthInt64 + 1]int64
	p[0] = 1
	for i := 1; i < len(p); i++ {
		p[i] = p[i-1] * 10
	}
	return p
}()

var canonicalNaN = math.Float64bits(math.NaN())

func codecFor(typ common.LType) *fixedCodec {
	width := typ.FixedKeyWidth()
	if width == 0 {
		return nil
	}
	c := &fixedCodec{width: width}
	switch typ.Id {
	case common.LTID_BOOLEAN:
		c.read = func(vec *chunk.Vector, row int) uint64 {
			if chunk.GetSliceInPhyFormatFlat[bool](vec)[row] {
				return 1
			}
			return 0
		}
		c.write = func(vec *chunk.Vector, row int, bits uint64) {
			chunk.GetSliceInPhyFormatFlat[bool](vec)[row] = bits != 0
		}
	case common.LTID_INTEGER:
		c.read = func(vec *chunk.Vector, row int) uint64 {
			return uint64(uint32(chunk.GetSliceInPhyFormatFlat[int32](vec)[row]))
		}
		c.write = func(vec *chunk.Vector, row int, bits uint64) {
			chunk.GetSliceInPhyFormatFlat[int32](vec)[row] = int32(uint32(bits))
		}
	case common.LTID_DATE:
		c.read = func(vec *chunk.Vector, row int) uint64 {
			return uint64(uint32(chunk.GetSliceInPhyFormatFlat[common.Date](vec)[row]))
		}
		c.write = func(vec *chunk.Vector, row int, bits uint64) {
			chunk.GetSliceInPhyFormatFlat[common.Date](vec)[row] = common.Date(int32(uint32(bits)))
		}
	case common.LTID_BIGINT:
		c.read = func(vec *chunk.Vector, row int) uint64 {
			return uint64(chunk.GetSliceInPhyFormatFlat[int64](vec)[row])
		}
		c.write = func(vec *chunk.Vector, row int, bits uint64) {
			chunk.GetSliceInPhyFormatFlat[int64](vec)[row] = int64(bits)
		}
	case common.LTID_DOUBLE:
		c.read = func(vec *chunk.Vector, row int) uint64 {
			v := chunk.GetSliceInPhyFormatFlat[float64](vec)[row]
			if v == 0 {
				return 0
			}
			if math.IsNaN(v) {
				return canonicalNaN
			}
			return math.Float64bits(v)
		}
		c.write = func(vec *chunk.Vector, row int, bits uint64) {
			chunk.GetSliceInPhyFormatFlat[float64](vec)[row] = math.Float64frombits(bits)
		}
	case common.LTID_DECIMAL:
		// FixedKeyWidth admits at most 18 digits, so the unscaled value
		// fits an int64
		scale := typ.Scale
		c.read = func(vec *chunk.Vector, row int) uint64 {
			dec := chunk.GetSliceInPhyFormatFlat[common.Decimal](vec)[row]
			whole, frac, ok := dec.Parts(scale)
			util.AssertFunc(ok)
			return uint64(whole*pow10[scale] + frac)
		}
		c.write = func(vec *chunk.Vector, row int, bits uint64) {
			dec, err := common.NewDecimal(int64(bits), scale)
			util.AssertFunc(err == nil)
			chunk.GetSliceInPhyFormatFlat[common.Decimal](vec)[row] = dec
		}
	default:
		return nil
	}
	return c
}

// appendVarKey appends a key component without a fixed codec: strings
// as is, decimals too wide for an int64 as trimmed text so that equal
// values of any scale give equal bytes.
func appendVarKey(buf []byte, vec *chunk.Vector, row int) []byte {
	var s string
	if vec.Typ().Id == common.LTID_DECIMAL {
		dec := chunk.GetSliceInPhyFormatFlat[common.Decimal](vec)[row]
		s = dec.Decimal.Trim(0).String()
	} else {
		s = vec.Strs[row]
	}
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// writeVarKey is the inverse of appendVarKey.
func writeVarKey(vec *chunk.Vector, row int, b []byte) {
	if typ := vec.Typ(); typ.Id == common.LTID_DECIMAL {
		dec, err := common.ParseDecimal(string(b), typ.Scale)
		util.AssertFunc(err == nil)
		chunk.GetSliceInPhyFormatFlat[common.Decimal](vec)[row] = dec
		return
	}
	vec.Strs[row] = string(b)
}
