package source

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/util"
)

type CSVOptions struct {
	Delimiter rune
	Header    bool
	// a field equal to Null is NULL. Empty fields of non text
	// columns are always NULL.
	Null string
}

// CSVSource reads a delimited text file in batches of
// DefaultVectorSize rows.
type CSVSource struct {
	_schema *Schema
	_file   afero.File
	_reader *csv.Reader
	_opts   CSVOptions
	_line   int
}

func NewCSVSource(fs afero.Fs, path string, schema *Schema, opts CSVOptions) (*CSVSource, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open csv %s", path)
	}
	reader := csv.NewReader(file)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	src := &CSVSource{
		_schema: schema,
		_file:   file,
		_reader: reader,
		_opts:   opts,
	}
	if opts.Header {
		if _, err = reader.Read(); err != nil && err != io.EOF {
			_ = file.Close()
			return nil, errors.Wrapf(err, "read csv header %s", path)
		}
		src._line++
	}
	return src, nil
}

func (src *CSVSource) Schema() *Schema {
	return src._schema
}

func (src *CSVSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	typs := src._schema.Types
	output := chunk.NewChunk(typs, util.DefaultVectorSize)
	rowCont := 0
	for rowCont < util.DefaultVectorSize {
		line, err := src._reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read csv")
		}
		src._line++
		if len(line) < len(typs) {
			return nil, errors.Errorf("line %d has %d fields, want %d", src._line, len(line), len(typs))
		}
		for j, typ := range typs {
			field := line[j]
			vec := output.Data[j]
			if field == src._opts.Null || (field == "" && !typ.GetInternalType().IsVarchar()) {
				vec.SetNull(rowCont, true)
				continue
			}
			val, err := ParseField(field, typ)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d column %s", src._line, src._schema.Names[j])
			}
			vec.SetValue(rowCont, val)
		}
		rowCont++
	}
	if rowCont == 0 {
		return nil, io.EOF
	}
	output.SetCard(rowCont)
	return output, nil
}

func (src *CSVSource) Close() error {
	return src._file.Close()
}
