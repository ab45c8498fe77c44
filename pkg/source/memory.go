package source

import (
	"context"
	"fmt"
	"io"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

// MemorySource replays rows held in memory, DefaultVectorSize at a time.
type MemorySource struct {
	_schema *Schema
	_rows   [][]any
	_pos    int
}

// NewMemorySource takes rows of go values: nil, bool, int, int32,
// int64, float64, string, common.Decimal or common.Date.
func NewMemorySource(schema *Schema, rows [][]any) *MemorySource {
	return &MemorySource{_schema: schema, _rows: rows}
}

func (src *MemorySource) Schema() *Schema {
	return src._schema
}

func (src *MemorySource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src._pos >= len(src._rows) {
		return nil, io.EOF
	}
	end := min(src._pos+util.DefaultVectorSize, len(src._rows))
	output := chunk.NewChunk(src._schema.Types, end-src._pos)
	for i, row := range src._rows[src._pos:end] {
		if len(row) != len(src._schema.Types) {
			return nil, fmt.Errorf("row %d has %d values, want %d", src._pos+i, len(row), len(src._schema.Types))
		}
		for j, v := range row {
			val, err := goValue(v, src._schema.Types[j])
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", src._pos+i, j, err)
			}
			output.Data[j].SetValue(i, val)
		}
	}
	output.SetCard(end - src._pos)
	src._pos = end
	return output, nil
}

func (src *MemorySource) Close() error {
	return nil
}

func goValue(v any, typ common.LType) (*chunk.Value, error) {
	if v == nil {
		return chunk.NullValue(typ), nil
	}
	val := &chunk.Value{Typ: typ}
	switch x := v.(type) {
	case bool:
		val.Bool = x
	case int:
		val.I64 = int64(x)
	case int32:
		val.I64 = int64(x)
	case int64:
		val.I64 = x
	case float64:
		val.F64 = x
	case string:
		if typ.Id != common.LTID_VARCHAR && typ.Id != common.LTID_BLOB {
			return ParseField(x, typ)
		}
		val.Str = x
	case common.Decimal:
		val.Dec = x
	case common.Date:
		val.I64 = int64(x)
	default:
		return nil, fmt.Errorf("unsupported value %v of %T", v, v)
	}
	return val, nil
}
