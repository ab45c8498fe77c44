package source

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/daviszhen/aggr/pkg/chunk"
)

// Source is a closable batch reader with a known schema. io.EOF ends
// Next.
type Source interface {
	Schema() *Schema
	Next(ctx context.Context) (*chunk.Chunk, error)
	Close() error
}

// Open picks the reader by format, or by file extension when format is
// empty. Parquet files are read from the local file system.
func Open(fs afero.Fs, path, format string, schema *Schema, opts CSVOptions) (Source, error) {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	switch strings.ToLower(format) {
	case "parquet":
		return NewParquetSource(path, schema)
	case "csv", "tsv", "txt":
		if schema == nil {
			return nil, errors.Errorf("csv %s needs a schema", path)
		}
		if strings.EqualFold(format, "tsv") && opts.Delimiter == 0 {
			opts.Delimiter = '\t'
		}
		return NewCSVSource(fs, path, schema, opts)
	}
	return nil, errors.Errorf("unknown format %q of %s", format, path)
}
