package source

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/util"
)

const (
	partialMagic   = "AGGRPART"
	partialVersion = uint32(1)
)

// PartialWriter saves the result batches of a query in partial output
// mode, so another process can finish the aggregation. The header
// keeps the query text and the schema it was bound against. Batches go
// to a temporary file next to path which only Commit moves into place.
type PartialWriter struct {
	_fs   afero.Fs
	_path string
	_tmp  string
	_ser  *util.FileSerialize
	_rows int64
	_done bool
}

func CreatePartial(fs afero.Fs, path, sql string, input *Schema) (*PartialWriter, error) {
	tmp := path + ".tmp"
	ser, err := util.NewFileSerialize(fs, tmp)
	if err != nil {
		return nil, errors.Wrapf(err, "create partial file %s", path)
	}
	w := &PartialWriter{_fs: fs, _path: path, _tmp: tmp, _ser: ser}
	magic := []byte(partialMagic)
	err = ser.WriteData(magic, len(magic))
	if err == nil {
		err = util.Write[uint32](partialVersion, ser)
	}
	if err == nil {
		err = util.WriteString(sql, ser)
	}
	if err == nil {
		err = util.WriteString(input.String(), ser)
	}
	if err != nil {
		_ = w.Abort()
		return nil, errors.Wrapf(err, "write partial header %s", path)
	}
	return w, nil
}

func (w *PartialWriter) Write(c *chunk.Chunk) error {
	w._rows += int64(c.Card())
	return c.Serialize(w._ser)
}

func (w *PartialWriter) Rows() int64 {
	return w._rows
}

// Commit closes the file and renames it to its final path.
func (w *PartialWriter) Commit() error {
	if w._done {
		return errors.Errorf("partial file %s already closed", w._path)
	}
	w._done = true
	if err := w._ser.Close(); err != nil {
		_ = w._fs.Remove(w._tmp)
		return errors.Wrapf(err, "close partial file %s", w._path)
	}
	if err := w._fs.Rename(w._tmp, w._path); err != nil {
		_ = w._fs.Remove(w._tmp)
		return errors.Wrapf(err, "commit partial file %s", w._path)
	}
	return nil
}

// Abort drops everything written. It is a no-op after Commit.
func (w *PartialWriter) Abort() error {
	if w._done {
		return nil
	}
	w._done = true
	err := w._ser.Close()
	if rerr := w._fs.Remove(w._tmp); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// PartialSource reads the batches of one or more partial files in turn.
// Every file must come from the same query over the same schema.
type PartialSource struct {
	_fs    afero.Fs
	_paths []string
	_next  int
	_cur   *util.FileDeserialize
	_sql   string
	_input *Schema
}

func OpenPartial(fs afero.Fs, paths ...string) (*PartialSource, error) {
	if len(paths) == 0 {
		return nil, errors.New("no partial files")
	}
	ps := &PartialSource{_fs: fs, _paths: paths}
	if err := ps.open(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PartialSource) open() error {
	path := ps._paths[ps._next]
	de, err := util.NewFileDeserialize(ps._fs, path)
	if err != nil {
		return errors.Wrapf(err, "open partial file %s", path)
	}
	sql, schema, err := readPartialHeader(de)
	if err != nil {
		_ = de.Close()
		return errors.Wrapf(err, "read partial header %s", path)
	}
	if ps._next == 0 {
		ps._sql = sql
		if ps._input, err = ParseSchema(schema); err != nil {
			_ = de.Close()
			return err
		}
	} else if sql != ps._sql || schema != ps._input.String() {
		_ = de.Close()
		return errors.Errorf("partial file %s comes from another query", path)
	}
	ps._next++
	ps._cur = de
	return nil
}

// SQL is the query that wrote the files.
func (ps *PartialSource) SQL() string {
	return ps._sql
}

// Input is the schema the query was bound against, not the layout of
// the batches Next returns.
func (ps *PartialSource) Input() *Schema {
	return ps._input
}

func readPartialHeader(de util.Deserialize) (string, string, error) {
	magic := make([]byte, len(partialMagic))
	if err := de.ReadData(magic, len(magic)); err != nil {
		return "", "", err
	}
	if string(magic) != partialMagic {
		return "", "", errors.Errorf("bad magic %q", magic)
	}
	var version uint32
	if err := util.Read[uint32](&version, de); err != nil {
		return "", "", err
	}
	if version != partialVersion {
		return "", "", errors.Errorf("unsupported version %d", version)
	}
	sql, err := util.ReadString(de)
	if err != nil {
		return "", "", err
	}
	schema, err := util.ReadString(de)
	return sql, schema, err
}

func (ps *PartialSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ps._cur == nil {
			if ps._next >= len(ps._paths) {
				return nil, io.EOF
			}
			if err := ps.open(); err != nil {
				return nil, err
			}
		}
		c := &chunk.Chunk{}
		err := c.Deserialize(ps._cur)
		if err == io.EOF {
			err = ps._cur.Close()
			ps._cur = nil
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read partial file %s", ps._paths[ps._next-1])
		}
		return c, nil
	}
}

func (ps *PartialSource) Close() error {
	if ps._cur == nil {
		return nil
	}
	err := ps._cur.Close()
	ps._cur = nil
	return err
}
