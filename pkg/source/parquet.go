// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	pqReader "github.com/xitongsys/parquet-go/reader"
	pqSource "github.com/xitongsys/parquet-go/source"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

// ParquetSource reads flat parquet files column by column.
type ParquetSource struct {
	_schema *Schema
	_file   pqSource.ParquetFile
	_reader *pqReader.ParquetReader
	_left   int64
}

// NewParquetSource opens path on the local file system. A nil schema
// is inferred from the file footer.
func NewParquetSource(path string, schema *Schema) (*ParquetSource, error) {
	file, err := pqLocal.NewLocalFileReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open parquet %s", path)
	}
	reader, err := pqReader.NewParquetColumnReader(file, 1)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "read parquet footer %s", path)
	}
	inferred, err := inferSchema(reader)
	if err != nil {
		reader.ReadStop()
		_ = file.Close()
		return nil, errors.Wrap(err, path)
	}
	if schema == nil {
		schema = inferred
	} else if len(schema.Types) > len(inferred.Types) {
		reader.ReadStop()
		_ = file.Close()
		return nil, errors.Errorf("%s has %d columns, schema wants %d", path, len(inferred.Types), len(schema.Types))
	}
	return &ParquetSource{
		_schema: schema,
		_file:   file,
		_reader: reader,
		_left:   reader.GetNumRows(),
	}, nil
}

func inferSchema(reader *pqReader.ParquetReader) (*Schema, error) {
	sh := reader.SchemaHandler
	sch := &Schema{}
	for _, path := range sh.ValueColumns {
		se := sh.SchemaElements[sh.MapIndex[path]]
		typ, err := parquetType(se)
		if err != nil {
			return nil, err
		}
		sch.Names = append(sch.Names, strings.ToLower(se.GetName()))
		sch.Types = append(sch.Types, typ)
	}
	return sch, nil
}

func parquetType(se *parquet.SchemaElement) (common.LType, error) {
	if se.IsSetConvertedType() {
		switch se.GetConvertedType() {
		case parquet.ConvertedType_UTF8:
			return common.VarcharType(), nil
		case parquet.ConvertedType_DATE:
			return common.DateType(), nil
		case parquet.ConvertedType_DECIMAL:
			if se.GetType() == parquet.Type_INT32 || se.GetType() == parquet.Type_INT64 {
				return common.DecimalType(int(se.GetPrecision()), int(se.GetScale())), nil
			}
		}
	}
	switch se.GetType() {
	case parquet.Type_BOOLEAN:
		return common.BooleanType(), nil
	case parquet.Type_INT32:
		return common.IntegerType(), nil
	case parquet.Type_INT64:
		return common.BigintType(), nil
	case parquet.Type_DOUBLE:
		return common.DoubleType(), nil
	case parquet.Type_BYTE_ARRAY:
		return common.BlobType(), nil
	}
	return common.LType{}, fmt.Errorf("unsupported parquet column %s of %v", se.GetName(), se.GetType())
}

func (src *ParquetSource) Schema() *Schema {
	return src._schema
}

func (src *ParquetSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src._left <= 0 {
		return nil, io.EOF
	}
	maxCnt := min(src._left, int64(util.DefaultVectorSize))
	output := chunk.NewChunk(src._schema.Types, int(maxCnt))
	rowCont := -1
	for j := range src._schema.Types {
		values, _, _, err := src._reader.ReadColumnByIndex(int64(j), maxCnt)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(err, "read parquet column %s", src._schema.Names[j])
		}
		if rowCont < 0 {
			rowCont = len(values)
		} else if len(values) != rowCont {
			return nil, fmt.Errorf("column %d has different count of values %d with previous columns %d", j, len(values), rowCont)
		}
		vec := output.Data[j]
		for i, field := range values {
			val, err := parquetColToValue(field, vec.Typ())
			if err != nil {
				return nil, err
			}
			vec.SetValue(i, val)
		}
	}
	if rowCont <= 0 {
		src._left = 0
		return nil, io.EOF
	}
	src._left -= int64(rowCont)
	output.SetCard(rowCont)
	return output, nil
}

func parquetColToValue(field any, lTyp common.LType) (*chunk.Value, error) {
	if field == nil {
		return chunk.NullValue(lTyp), nil
	}
	val := &chunk.Value{Typ: lTyp}
	switch lTyp.Id {
	case common.LTID_BOOLEAN:
		b, ok := field.(bool)
		if !ok {
			return nil, badField(field, lTyp)
		}
		val.Bool = b
	case common.LTID_INTEGER, common.LTID_BIGINT, common.LTID_DATE:
		switch fVal := field.(type) {
		case int32:
			val.I64 = int64(fVal)
		case int64:
			val.I64 = fVal
		default:
			return nil, badField(field, lTyp)
		}
	case common.LTID_DOUBLE:
		switch fVal := field.(type) {
		case float32:
			val.F64 = float64(fVal)
		case float64:
			val.F64 = fVal
		default:
			return nil, badField(field, lTyp)
		}
	case common.LTID_VARCHAR, common.LTID_BLOB:
		s, ok := field.(string)
		if !ok {
			return nil, badField(field, lTyp)
		}
		val.Str = s
	case common.LTID_DECIMAL:
		var unscaled int64
		switch v := field.(type) {
		case int32:
			unscaled = int64(v)
		case int64:
			unscaled = v
		default:
			return nil, badField(field, lTyp)
		}
		dec, err := common.NewDecimal(unscaled, lTyp.Scale)
		if err != nil {
			return nil, err
		}
		val.Dec = dec
	default:
		return nil, badField(field, lTyp)
	}
	return val, nil
}

func badField(field any, typ common.LType) error {
	return fmt.Errorf("parquet value %v of %T does not fit %v", field, field, typ)
}

func (src *ParquetSource) Close() error {
	src._reader.ReadStop()
	return src._file.Close()
}
