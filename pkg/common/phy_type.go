package common

import (
	"fmt"
	"unsafe"
)

type PhyType int

const (
	NA      PhyType = 0
	BOOL    PhyType = 1
	INT32   PhyType = 7
	INT64   PhyType = 9
	DOUBLE  PhyType = 12
	VARCHAR PhyType = 200
	DATE    PhyType = 207
	DECIMAL PhyType = 209

	INVALID PhyType = 255
)

var (
	BoolSize    = int(unsafe.Sizeof(false))
	Int32Size   = int(unsafe.Sizeof(int32(0)))
	Int64Size   = int(unsafe.Sizeof(int64(0)))
	DoubleSize  = int(unsafe.Sizeof(float64(0)))
	DateSize    = int(unsafe.Sizeof(Date(0)))
	DecimalSize = int(unsafe.Sizeof(Decimal{}))
)

var pTypeToStr = map[PhyType]string{
	NA:      "NA",
	BOOL:    "BOOL",
	INT32:   "INT32",
	INT64:   "INT64",
	DOUBLE:  "DOUBLE",
	VARCHAR: "VARCHAR",
	DATE:    "DATE",
	DECIMAL: "DECIMAL",
	INVALID: "INVALID",
}

func (pt PhyType) String() string {
	if s, has := pTypeToStr[pt]; has {
		return s
	}
	panic(fmt.Sprintf("usp %d", pt))
}

// Size is the width of one value in a flat vector. Variable-length
// types return 0.
func (pt PhyType) Size() int {
	switch pt {
	case BOOL:
		return BoolSize
	case INT32:
		return Int32Size
	case INT64:
		return Int64Size
	case DOUBLE:
		return DoubleSize
	case DATE:
		return DateSize
	case DECIMAL:
		return DecimalSize
	case VARCHAR, NA:
		return 0
	default:
		panic("usp")
	}
}

func (pt PhyType) IsConstant() bool {
	return pt == BOOL || pt == INT32 || pt == INT64 ||
		pt == DOUBLE || pt == DATE || pt == DECIMAL
}

func (pt PhyType) IsVarchar() bool {
	return pt == VARCHAR
}
