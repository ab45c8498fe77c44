package chunk

import (
	"fmt"
	"strconv"

	"github.com/daviszhen/aggr/pkg/common"
)

type Value struct {
	Typ    common.LType
	IsNull bool
	//value
	Bool bool
	I64  int64
	F64  float64
	Str  string
	Dec  common.Decimal
}

func NullValue(typ common.LType) *Value {
	return &Value{Typ: typ, IsNull: true}
}

func (val Value) String() string {
	if val.IsNull {
		return "NULL"
	}
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return strconv.FormatInt(val.I64, 10)
	case common.LTID_BOOLEAN:
		return strconv.FormatBool(val.Bool)
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_BLOB:
		return fmt.Sprintf("\\x%x", val.Str)
	case common.LTID_DECIMAL:
		return val.Dec.String()
	case common.LTID_DATE:
		return common.Date(val.I64).String()
	case common.LTID_DOUBLE:
		return strconv.FormatFloat(val.F64, 'g', -1, 64)
	default:
		panic("usp")
	}
}

// Any converts to the natural go value, nil for NULL. DECIMAL stays
// a string to keep its scale.
func (val Value) Any() any {
	if val.IsNull {
		return nil
	}
	switch val.Typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		return val.I64
	case common.LTID_BOOLEAN:
		return val.Bool
	case common.LTID_VARCHAR:
		return val.Str
	case common.LTID_BLOB:
		return []byte(val.Str)
	case common.LTID_DOUBLE:
		return val.F64
	case common.LTID_DATE:
		return common.Date(val.I64).ToTime()
	default:
		return val.String()
	}
}
