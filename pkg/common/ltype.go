package common

import (
	"fmt"
	"strings"

	"github.com/daviszhen/aggr/pkg/util"
)

type LType struct {
	Id    LTypeId
	PTyp  PhyType
	Width int
	Scale int
}

func (lt LType) Serialize(serial util.Serialize) error {
	err := util.Write[int32](int32(lt.Id), serial)
	if err != nil {
		return err
	}
	err = util.Write[int32](int32(lt.Width), serial)
	if err != nil {
		return err
	}
	return util.Write[int32](int32(lt.Scale), serial)
}

func DeserializeLType(deserial util.Deserialize) (LType, error) {
	var id, width, scale int32
	err := util.Read[int32](&id, deserial)
	if err != nil {
		return LType{}, err
	}
	err = util.Read[int32](&width, deserial)
	if err != nil {
		return LType{}, err
	}
	err = util.Read[int32](&scale, deserial)
	if err != nil {
		return LType{}, err
	}
	ret := LType{
		Id:    LTypeId(id),
		Width: int(width),
		Scale: int(scale),
	}
	ret.PTyp = ret.GetInternalType()
	return ret, nil
}

func MakeLType(id LTypeId) LType {
	ret := LType{Id: id}
	ret.PTyp = ret.GetInternalType()
	return ret
}

func Null() LType {
	return MakeLType(LTID_NULL)
}

func DecimalType(width, scale int) LType {
	ret := MakeLType(LTID_DECIMAL)
	ret.Width = width
	ret.Scale = scale
	return ret
}

func BigintType() LType {
	return MakeLType(LTID_BIGINT)
}

func IntegerType() LType {
	return MakeLType(LTID_INTEGER)
}

func DoubleType() LType {
	return MakeLType(LTID_DOUBLE)
}

func VarcharType() LType {
	return MakeLType(LTID_VARCHAR)
}

func BlobType() LType {
	return MakeLType(LTID_BLOB)
}

func DateType() LType {
	return MakeLType(LTID_DATE)
}

func BooleanType() LType {
	return MakeLType(LTID_BOOLEAN)
}

func CopyLTypes(typs ...LType) []LType {
	ret := make([]LType, len(typs))
	copy(ret, typs)
	return ret
}

func (lt LType) IsNumeric() bool {
	switch lt.Id {
	case LTID_INTEGER, LTID_BIGINT, LTID_DOUBLE, LTID_DECIMAL:
		return true
	}
	return false
}

func (lt LType) IsIntegral() bool {
	return lt.Id == LTID_INTEGER || lt.Id == LTID_BIGINT
}

// FixedKeyWidth is the number of bytes the type takes when packed
// into a fixed-width group key. 0 means it cannot be packed.
func (lt LType) FixedKeyWidth() int {
	switch lt.Id {
	case LTID_BOOLEAN:
		return 1
	case LTID_INTEGER, LTID_DATE:
		return 4
	case LTID_BIGINT, LTID_DOUBLE:
		return 8
	case LTID_DECIMAL:
		// unscaled int64, wider decimals use serialized keys
		if lt.Width <= DecimalMaxWidthInt64 {
			return 8
		}
	}
	return 0
}

func (lt LType) Equal(o LType) bool {
	if lt.Id != o.Id {
		return false
	}
	if lt.Id == LTID_DECIMAL {
		return lt.Width == o.Width && lt.Scale == o.Scale
	}
	return true
}

func (lt LType) GetInternalType() PhyType {
	switch lt.Id {
	case LTID_BOOLEAN:
		return BOOL
	case LTID_NULL, LTID_INTEGER:
		return INT32
	case LTID_DATE:
		return DATE
	case LTID_BIGINT:
		return INT64
	case LTID_DOUBLE:
		return DOUBLE
	case LTID_DECIMAL:
		return DECIMAL
	case LTID_VARCHAR, LTID_BLOB:
		return VARCHAR
	case LTID_INVALID:
		return INVALID
	default:
		panic(fmt.Sprintf("usp logical type %d", lt.Id))
	}
}

func (lt LType) String() string {
	switch lt.Id {
	case LTID_DECIMAL:
		return fmt.Sprintf("DECIMAL(%d,%d)", lt.Width, lt.Scale)
	default:
		return strings.TrimPrefix(lt.Id.String(), "LTID_")
	}
}

// ParseLType accepts the sql names used in configs and csv headers.
func ParseLType(s string) (LType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "bool", "boolean":
		return BooleanType(), nil
	case "int", "int4", "integer":
		return IntegerType(), nil
	case "bigint", "int8", "long":
		return BigintType(), nil
	case "double", "float8", "float":
		return DoubleType(), nil
	case "date":
		return DateType(), nil
	case "varchar", "text", "string":
		return VarcharType(), nil
	case "blob", "bytea":
		return BlobType(), nil
	}
	if strings.HasPrefix(name, "decimal") {
		width, scale := DecimalMaxWidthInt64, 2
		if _, err := fmt.Sscanf(name, "decimal(%d,%d)", &width, &scale); err != nil &&
			name != "decimal" {
			return LType{}, fmt.Errorf("invalid decimal type %q", s)
		}
		if width <= 0 || width > DecimalMaxWidthInt64 || scale < 0 || scale > width {
			return LType{}, fmt.Errorf("invalid decimal type %q", s)
		}
		return DecimalType(width, scale), nil
	}
	return LType{}, fmt.Errorf("unsupported type %q", s)
}

const (
	DecimalMaxWidthInt64 = 18
)
