package spill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/hashtable"
	"github.com/daviszhen/aggr/pkg/util"
)

// Row is one (hash, key, state) triple of a sorted source. Key and
// State stay valid after the source advances.
type Row struct {
	Hash  uint64
	Key   []byte
	State []byte
}

// Source yields rows ascending by hash, then key bytes. io.EOF ends it.
type Source interface {
	Next() (Row, error)
}

type Reader struct {
	_m     *Manager
	_chunk *Chunk
	_de    *util.FileDeserialize
	_codec Codec
	_left  uint64
	_block []byte
	_pos   int

	Signature string
	Rows      uint64
}

// Open starts reading c. Close removes the file.
func (m *Manager) Open(c *Chunk) (*Reader, error) {
	de, err := util.NewFileDeserialize(m._fs, c.Path)
	if err != nil {
		return nil, util.SpillStorageError("open", c.Path, err)
	}
	r := &Reader{_m: m, _chunk: c, _de: de}
	if err = r.readHeader(); err != nil {
		_ = de.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	path := r._chunk.Path
	magic := make([]byte, len(Magic))
	if err := r._de.ReadData(magic, len(magic)); err != nil {
		return util.SpillStorageError("read", path, err)
	}
	if string(magic) != Magic {
		return util.SpillStorageError("read", path, fmt.Errorf("bad magic %q", magic))
	}
	var version uint32
	if err := util.Read[uint32](&version, r._de); err != nil {
		return util.SpillStorageError("read", path, err)
	}
	if version != Version {
		return util.SpillStorageError("read", path, fmt.Errorf("unsupported version %d", version))
	}
	var codec uint8
	if err := util.Read[uint8](&codec, r._de); err != nil {
		return util.SpillStorageError("read", path, err)
	}
	r._codec = Codec(codec)
	sig, err := util.ReadString(r._de)
	if err != nil {
		return util.SpillStorageError("read", path, err)
	}
	r.Signature = sig
	if err = util.Read[uint64](&r.Rows, r._de); err != nil {
		return util.SpillStorageError("read", path, err)
	}
	r._left = r.Rows
	return nil
}

func (r *Reader) loadBlock() error {
	var rawLen, compLen uint32
	if err := util.Read[uint32](&rawLen, r._de); err != nil {
		return err
	}
	if err := util.Read[uint32](&compLen, r._de); err != nil {
		return err
	}
	payload := make([]byte, compLen)
	if err := r._de.ReadData(payload, int(compLen)); err != nil {
		return err
	}
	raw, err := r._m._codecs.decompress(r._codec, payload, int(rawLen))
	if err != nil {
		return err
	}
	// a fresh buffer per block keeps earlier rows valid
	r._block = raw
	r._pos = 0
	return nil
}

func (r *Reader) Next() (Row, error) {
	if r._left == 0 {
		return Row{}, io.EOF
	}
	if r._pos >= len(r._block) {
		if err := r.loadBlock(); err != nil {
			return Row{}, util.SpillStorageError("read", r._chunk.Path, err)
		}
	}
	row, n, err := decodeRow(r._block[r._pos:])
	if err != nil {
		return Row{}, util.SpillStorageError("read", r._chunk.Path, err)
	}
	r._pos += n
	r._left--
	return row, nil
}

func decodeRow(b []byte) (Row, int, error) {
	if len(b) < 8 {
		return Row{}, 0, io.ErrUnexpectedEOF
	}
	row := Row{Hash: binary.LittleEndian.Uint64(b)}
	pos := 8
	field := func() ([]byte, error) {
		l, n := binary.Uvarint(b[pos:])
		if n <= 0 || uint64(len(b)-pos-n) < l {
			return nil, io.ErrUnexpectedEOF
		}
		pos += n
		v := b[pos : pos+int(l) : pos+int(l)]
		pos += int(l)
		return v, nil
	}
	var err error
	if row.Key, err = field(); err != nil {
		return Row{}, 0, err
	}
	if row.State, err = field(); err != nil {
		return Row{}, 0, err
	}
	return row, pos, nil
}

// Close releases the file and removes the chunk.
func (r *Reader) Close() error {
	err := r._de.Close()
	if rerr := r._m.Remove(r._chunk); err == nil {
		err = rerr
	}
	return err
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist)
}

// TableSource reads a resident table in chunk order, so it can take
// part in the same merge as spilled chunks.
type TableSource struct {
	_table   *hashtable.Table
	_bound   *function.BoundSet
	_entries []sortEntry
	_i       int
}

func NewTableSource(table *hashtable.Table, bound *function.BoundSet) *TableSource {
	return &TableSource{
		_table:   table,
		_bound:   bound,
		_entries: sortGroups(table),
	}
}

func (ts *TableSource) Next() (Row, error) {
	if ts._i >= len(ts._entries) {
		return Row{}, io.EOF
	}
	ent := &ts._entries[ts._i]
	ts._i++
	state := util.BufferSerialize{}
	if err := ts._bound.SerializeRecord(ts._table.Pointer(ent.rec), &state); err != nil {
		return Row{}, err
	}
	return Row{Hash: ent.hash, Key: ent.key, State: state.Buf}, nil
}
