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

package spill

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daviszhen/aggr/pkg/arena"
	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/hashtable"
	"github.com/daviszhen/aggr/pkg/util"
)

const (
	Magic   = "AGSPILL1"
	Version = uint32(1)
)

// Chunk is one spilled table. It is read once, then removed.
type Chunk struct {
	Path      string
	Rows      int64
	Bytes     int64
	Signature string
}

type Stats struct {
	Spills int64
	Rows   int64
	Bytes  int64
}

// Manager owns the spill directory of one query.
type Manager struct {
	_fs        afero.Fs
	_dir       string
	_codec     Codec
	_blockRows int
	_codecs    codecs

	_mu      sync.Mutex
	_created bool
	_live    map[string]struct{}
	_seq     atomic.Int64

	_spills atomic.Int64
	_rows   atomic.Int64
	_bytes  atomic.Int64
}

// NewManager places the query directory aggr-<uuid> under baseDir.
// Nothing touches the file system before the first spill.
func NewManager(fs afero.Fs, baseDir string, codec Codec, blockRows int) *Manager {
	if blockRows <= 0 {
		blockRows = util.DefaultSpillBlockRows
	}
	return &Manager{
		_fs:        fs,
		_dir:       filepath.Join(baseDir, "aggr-"+uuid.NewString()),
		_codec:     codec,
		_blockRows: blockRows,
		_live:      make(map[string]struct{}),
	}
}

func (m *Manager) Dir() string {
	return m._dir
}

func (m *Manager) Codec() Codec {
	return m._codec
}

func (m *Manager) Stats() Stats {
	return Stats{
		Spills: m._spills.Load(),
		Rows:   m._rows.Load(),
		Bytes:  m._bytes.Load(),
	}
}

// Live lists the chunk files written and not yet consumed.
func (m *Manager) Live() []string {
	m._mu.Lock()
	defer m._mu.Unlock()
	ret := make([]string, 0, len(m._live))
	for p := range m._live {
		ret = append(ret, p)
	}
	slices.Sort(ret)
	return ret
}

func (m *Manager) ensureDir() error {
	m._mu.Lock()
	defer m._mu.Unlock()
	if m._created {
		return nil
	}
	if err := m._fs.MkdirAll(m._dir, 0o755); err != nil {
		return util.SpillStorageError("mkdir", m._dir, err)
	}
	m._created = true
	return nil
}

func (m *Manager) track(path string, live bool) {
	m._mu.Lock()
	defer m._mu.Unlock()
	if live {
		m._live[path] = struct{}{}
	} else {
		delete(m._live, path)
	}
}

type sortEntry struct {
	hash uint64
	key  []byte
	rec  arena.Ref
}

// sortGroups orders the groups of table by hash, then key bytes.
func sortGroups(table *hashtable.Table) []sortEntry {
	method := table.Method()
	entries := make([]sortEntry, 0, table.Len())
	offsets := make([]int, 0, table.Len()+1)
	var keys []byte
	_ = table.ForEach(func(g *hashtable.Group) error {
		offsets = append(offsets, len(keys))
		keys = method.AppendKey(keys, &g.Key)
		entries = append(entries, sortEntry{hash: g.Key.Hash, rec: g.Rec})
		return nil
	})
	offsets = append(offsets, len(keys))
	for i := range entries {
		entries[i].key = keys[offsets[i]:offsets[i+1]:offsets[i+1]]
	}
	slices.SortFunc(entries, func(a, b sortEntry) int {
		if a.hash != b.hash {
			if a.hash < b.hash {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.key, b.key)
	})
	return entries
}

// Write spills every group of table into a new chunk. The table is left
// untouched, the caller releases it.
func (m *Manager) Write(table *hashtable.Table, bound *function.BoundSet) (*Chunk, error) {
	entries := sortGroups(table)
	w, err := m.create(bound.Signature().Text, uint64(len(entries)))
	if err != nil {
		return nil, err
	}
	var state util.BufferSerialize
	for i := range entries {
		ent := &entries[i]
		state.Buf = state.Buf[:0]
		if err = bound.SerializeRecord(table.Pointer(ent.rec), &state); err == nil {
			err = w.Append(ent.hash, ent.key, state.Buf)
		}
		if err != nil {
			return nil, multierr.Append(err, w.Abort())
		}
	}
	c, err := w.Finish()
	if err != nil {
		return nil, err
	}
	m._spills.Add(1)
	m._rows.Add(c.Rows)
	m._bytes.Add(c.Bytes)
	util.Info("spill chunk written",
		zap.String("path", c.Path),
		zap.Int64("rows", c.Rows),
		zap.String("size", humanize.IBytes(uint64(c.Bytes))),
		zap.Stringer("codec", m._codec))
	return c, nil
}

// CreateRun starts a chunk filled row by row by the caller, who must
// append in chunk order. The row count is settled by Finish. Runs are
// not counted as spills.
func (m *Manager) CreateRun(sig string) (*Writer, error) {
	return m.create(sig, 0)
}

func (m *Manager) create(sig string, rows uint64) (*Writer, error) {
	if err := m.ensureDir(); err != nil {
		return nil, err
	}
	path := filepath.Join(m._dir, fmt.Sprintf("chunk-%06d.spill", m._seq.Add(1)))
	ser, err := util.NewFileSerialize(m._fs, path)
	if err != nil {
		return nil, util.SpillStorageError("create", path, err)
	}
	w := &Writer{
		_m:        m,
		_ser:      ser,
		_declared: rows,
		_chunk:    &Chunk{Path: path, Signature: sig},
	}
	if err = writeHeader(ser, m._codec, sig); err == nil {
		w._rowsAt = ser.Written
		err = util.Write[uint64](rows, ser)
	}
	if err == nil {
		err = util.Inject(util.FAULTS_SCOPE_SPILL, "write")
	}
	if err != nil {
		return nil, multierr.Append(util.SpillStorageError("write", path, err), w.Abort())
	}
	return w, nil
}

// Writer appends (hash, key, state) rows to a chunk file in blocks of
// the manager's block size.
type Writer struct {
	_m        *Manager
	_ser      *util.FileSerialize
	_chunk    *Chunk
	_declared uint64
	_rowsAt   int64
	_raw      []byte
	_comp     []byte
	_block    int
	_closed   bool
}

func (w *Writer) Append(hash uint64, key, state []byte) error {
	w._raw = binary.LittleEndian.AppendUint64(w._raw, hash)
	w._raw = binary.AppendUvarint(w._raw, uint64(len(key)))
	w._raw = append(w._raw, key...)
	w._raw = binary.AppendUvarint(w._raw, uint64(len(state)))
	w._raw = append(w._raw, state...)
	w._block++
	w._chunk.Rows++
	if w._block < w._m._blockRows {
		return nil
	}
	if err := w.flush(); err != nil {
		return util.SpillStorageError("write", w._chunk.Path, err)
	}
	return nil
}

func (w *Writer) flush() error {
	if w._block == 0 {
		return nil
	}
	payload, err := w._m._codecs.compress(w._m._codec, w._raw, w._comp)
	if err != nil {
		return err
	}
	if len(payload) != len(w._raw) {
		w._comp = payload
	}
	if err = util.Write[uint32](uint32(len(w._raw)), w._ser); err != nil {
		return err
	}
	if err = util.Write[uint32](uint32(len(payload)), w._ser); err != nil {
		return err
	}
	if err = w._ser.WriteData(payload, len(payload)); err != nil {
		return err
	}
	w._raw = w._raw[:0]
	w._block = 0
	return nil
}

// Finish writes the last block, settles the header row count and
// closes the file. The chunk is live until it is read or removed.
func (w *Writer) Finish() (*Chunk, error) {
	path := w._chunk.Path
	err := w.flush()
	if err == nil && uint64(w._chunk.Rows) != w._declared {
		cnt := util.BufferSerialize{}
		if err = util.Write[uint64](uint64(w._chunk.Rows), &cnt); err == nil {
			err = w._ser.WriteAt(cnt.Buf, w._rowsAt)
		}
	}
	if err != nil {
		return nil, multierr.Append(util.SpillStorageError("write", path, err), w.Abort())
	}
	w._closed = true
	if err = w._ser.Close(); err != nil {
		err = util.SpillStorageError("close", path, err)
		return nil, multierr.Append(err, w.removeFile())
	}
	w._chunk.Bytes = w._ser.Written
	w._m.track(path, true)
	return w._chunk, nil
}

// Abort closes and removes a chunk that will not be finished.
func (w *Writer) Abort() error {
	var err error
	if !w._closed {
		w._closed = true
		if cerr := w._ser.Close(); cerr != nil {
			err = util.SpillStorageError("close", w._chunk.Path, cerr)
		}
	}
	return multierr.Append(err, w.removeFile())
}

func (w *Writer) removeFile() error {
	if err := w._m._fs.Remove(w._chunk.Path); err != nil && !isNotExist(err) {
		return util.SpillStorageError("remove", w._chunk.Path, err)
	}
	return nil
}

func writeHeader(ser util.Serialize, codec Codec, sig string) error {
	magic := []byte(Magic)
	if err := ser.WriteData(magic, len(magic)); err != nil {
		return err
	}
	if err := util.Write[uint32](Version, ser); err != nil {
		return err
	}
	if err := util.Write[uint8](uint8(codec), ser); err != nil {
		return err
	}
	return util.WriteString(sig, ser)
}

// Remove deletes a chunk that will not be read.
func (m *Manager) Remove(c *Chunk) error {
	m.track(c.Path, false)
	if err := m._fs.Remove(c.Path); err != nil && !isNotExist(err) {
		return util.SpillStorageError("remove", c.Path, err)
	}
	return nil
}

// Cleanup removes the query directory with every chunk left in it.
func (m *Manager) Cleanup() error {
	m._mu.Lock()
	created := m._created
	clear(m._live)
	m._created = false
	m._mu.Unlock()

	var err error
	if created {
		if rerr := m._fs.RemoveAll(m._dir); rerr != nil {
			err = multierr.Append(err, util.SpillStorageError("cleanup", m._dir, rerr))
		}
	}
	m._codecs.close()
	return err
}
