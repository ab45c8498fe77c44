package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
)

// Schema names and types the columns of a source, in file order.
type Schema struct {
	Names []string
	Types []common.LType
}

// ParseSchema reads "name type, name type, ...". Decimal types keep
// their parenthesized width and scale.
func ParseSchema(s string) (*Schema, error) {
	sch := &Schema{}
	for _, col := range splitColumns(s) {
		col = strings.TrimSpace(col)
		if col == "" {
			continue
		}
		name, typ, ok := strings.Cut(col, " ")
		if !ok {
			return nil, fmt.Errorf("column %q has no type", col)
		}
		lt, err := common.ParseLType(typ)
		if err != nil {
			return nil, err
		}
		sch.Names = append(sch.Names, strings.ToLower(strings.TrimSpace(name)))
		sch.Types = append(sch.Types, lt)
	}
	if len(sch.Names) == 0 {
		return nil, fmt.Errorf("empty schema %q", s)
	}
	return sch, nil
}

// splitColumns splits at commas outside parentheses.
func splitColumns(s string) []string {
	var cols []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				cols = append(cols, s[start:i])
				start = i + 1
			}
		}
	}
	return append(cols, s[start:])
}

// Index returns the position of column name, -1 if absent.
func (sch *Schema) Index(name string) int {
	name = strings.ToLower(name)
	for i, n := range sch.Names {
		if n == name {
			return i
		}
	}
	return -1
}

func (sch *Schema) String() string {
	parts := make([]string, len(sch.Names))
	for i := range sch.Names {
		parts[i] = sch.Names[i] + " " + sch.Types[i].String()
	}
	return strings.Join(parts, ", ")
}

// ParseField converts one text field. The caller decides what is NULL.
func ParseField(field string, typ common.LType) (*chunk.Value, error) {
	var err error
	val := &chunk.Value{Typ: typ}
	switch typ.Id {
	case common.LTID_BOOLEAN:
		val.Bool, err = strconv.ParseBool(field)
	case common.LTID_INTEGER:
		val.I64, err = strconv.ParseInt(field, 10, 32)
	case common.LTID_BIGINT:
		val.I64, err = strconv.ParseInt(field, 10, 64)
	case common.LTID_DOUBLE:
		val.F64, err = strconv.ParseFloat(field, 64)
	case common.LTID_DECIMAL:
		val.Dec, err = common.ParseDecimal(field, typ.Scale)
	case common.LTID_DATE:
		var d common.Date
		d, err = common.ParseDate(field)
		val.I64 = int64(d)
	case common.LTID_VARCHAR, common.LTID_BLOB:
		val.Str = field
	default:
		return nil, fmt.Errorf("unsupported column type %v", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %q as %v: %w", field, typ, err)
	}
	return val, nil
}
