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

package hashtable

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

type MethodKind int

const (
	MethodWithoutKey MethodKind = iota
	MethodKeyU64
	MethodKeysFixed128
	MethodKeyString
	MethodSerialized
)

var methodNames = []string{
	MethodWithoutKey:   "without_key",
	MethodKeyU64:       "key_u64",
	MethodKeysFixed128: "keys_fixed128",
	MethodKeyString:    "key_string",
	MethodSerialized:   "serialized",
}

func (kind MethodKind) String() string {
	return methodNames[kind]
}

const (
	minCapacity = 256
	maxCapacity = 1 << 26
	// byte 15 of a fixed128 key holds the null bits
	fixedNullByte = 15
)

// Method is the key representation picked for one query.
type Method struct {
	Kind MethodKind
	// null keys live outside the slots, single column methods only
	Nullable bool
	Keys     []KeyDesc

	InitialCapacity int
	TwoLevel        bool

	_codecs   []*fixedCodec
	_offsets  []int
	_nullBits bool
}

// SelectMethod picks the representation for keys. hint is the expected
// number of distinct keys, 0 when unknown. A hint above
// twoLevelThreshold starts the table sharded.
func SelectMethod(keys []KeyDesc, hint int, twoLevelThreshold int) *Method {
	m := &Method{Keys: keys, InitialCapacity: minCapacity}
	m._codecs = make([]*fixedCodec, len(keys))
	allFixed := true
	width := 0
	anyNullable := false
	for i, k := range keys {
		m._codecs[i] = codecFor(k.Typ)
		if m._codecs[i] == nil {
			allFixed = false
		} else {
			width += m._codecs[i].width
		}
		anyNullable = anyNullable || k.Nullable
	}
	switch {
	case len(keys) == 0:
		m.Kind = MethodWithoutKey
	case len(keys) == 1 && allFixed:
		m.Kind = MethodKeyU64
		m.Nullable = keys[0].Nullable
	case len(keys) == 1 && keys[0].Typ.GetInternalType().IsVarchar():
		m.Kind = MethodKeyString
		m.Nullable = keys[0].Nullable
	case allFixed && len(keys) <= 8 && fitsFixed128(width, anyNullable):
		m.Kind = MethodKeysFixed128
		m._nullBits = anyNullable
		m._offsets = make([]int, len(keys))
		off := 0
		for i := range keys {
			m._offsets[i] = off
			off += m._codecs[i].width
		}
	default:
		m.Kind = MethodSerialized
	}
	if hint > 0 {
		m.InitialCapacity = int(util.NextPowerOfTwo(uint64(hint) * 2))
		m.InitialCapacity = min(max(m.InitialCapacity, minCapacity), maxCapacity)
		m.TwoLevel = m.Kind != MethodWithoutKey && hint > twoLevelThreshold
	}
	return m
}

func fitsFixed128(width int, nullable bool) bool {
	if nullable {
		return width <= fixedNullByte
	}
	return width <= 16
}

func (m *Method) String() string {
	sb := strings.Builder{}
	if m.Nullable {
		sb.WriteString("nullable_")
	}
	sb.WriteString(m.Kind.String())
	typs := make([]string, len(m.Keys))
	for i, k := range m.Keys {
		typs[i] = k.Typ.String()
	}
	fmt.Fprintf(&sb, "(%s)", strings.Join(typs, ","))
	return sb.String()
}

func (m *Method) KeyTypes() []common.LType {
	typs := make([]common.LType, len(m.Keys))
	for i, k := range m.Keys {
		typs[i] = k.Typ
	}
	return typs
}

// Extract fills keys[:batch.Card()]. Serialized keys are built in
// scratch, which is returned for reuse by the next batch.
func (m *Method) Extract(batch *chunk.Chunk, keys []GroupKey, scratch []byte) []byte {
	count := batch.Card()
	util.AssertFunc(len(keys) >= count)
	switch m.Kind {
	case MethodWithoutKey:
		for i := 0; i < count; i++ {
			keys[i] = GroupKey{}
		}
	case MethodKeyU64:
		vec := batch.Data[m.Keys[0].Col]
		codec := m._codecs[0]
		for i := 0; i < count; i++ {
			if vec.IsNull(i) {
				keys[i] = GroupKey{Hash: nullHash, Null: true}
				continue
			}
			bits := codec.read(vec, i)
			keys[i] = GroupKey{Hash: util.HashU64(bits), Fixed: [2]uint64{bits}}
		}
	case MethodKeysFixed128:
		for i := 0; i < count; i++ {
			keys[i] = m.fixed128(batch, i)
		}
	case MethodKeyString:
		vec := batch.Data[m.Keys[0].Col]
		for i := 0; i < count; i++ {
			if vec.IsNull(i) {
				keys[i] = GroupKey{Hash: nullHash, Null: true}
				continue
			}
			b := util.UnsafeStringToBytes(vec.Strs[i])
			keys[i] = GroupKey{Hash: util.HashBytes(b), Bytes: b}
		}
	case MethodSerialized:
		scratch = scratch[:0]
		starts := make([]int, count+1)
		for i := 0; i < count; i++ {
			starts[i] = len(scratch)
			scratch = m.serializeRow(batch, i, scratch)
		}
		starts[count] = len(scratch)
		// slice after the last append so every key shares one buffer
		for i := 0; i < count; i++ {
			b := scratch[starts[i]:starts[i+1]:starts[i+1]]
			keys[i] = GroupKey{Hash: util.HashBytes(b), Bytes: b}
		}
	}
	return scratch
}

func (m *Method) fixed128(batch *chunk.Chunk, row int) GroupKey {
	var buf [16]byte
	for j, k := range m.Keys {
		vec := batch.Data[k.Col]
		if vec.IsNull(row) {
			util.AssertFunc(m._nullBits)
			buf[fixedNullByte] |= 1 << j
			continue
		}
		bits := m._codecs[j].read(vec, row)
		off := m._offsets[j]
		for b := 0; b < m._codecs[j].width; b++ {
			buf[off+b] = byte(bits >> (8 * b))
		}
	}
	lo := binary.LittleEndian.Uint64(buf[:8])
	hi := binary.LittleEndian.Uint64(buf[8:])
	return GroupKey{Hash: util.Hash128(lo, hi), Fixed: [2]uint64{lo, hi}}
}

func (m *Method) serializeRow(batch *chunk.Chunk, row int, buf []byte) []byte {
	for j, k := range m.Keys {
		vec := batch.Data[k.Col]
		if vec.IsNull(row) {
			buf = append(buf, 1)
			continue
		}
		buf = append(buf, 0)
		if codec := m._codecs[j]; codec != nil {
			buf = binary.LittleEndian.AppendUint64(buf, codec.read(vec, row))
		} else {
			buf = appendVarKey(buf, vec, row)
		}
	}
	return buf
}

// WriteKey writes the key columns of key into outs at row.
func (m *Method) WriteKey(key *GroupKey, outs []*chunk.Vector, row int) {
	switch m.Kind {
	case MethodWithoutKey:
	case MethodKeyU64:
		if key.Null {
			outs[0].SetNull(row, true)
			return
		}
		outs[0].SetNull(row, false)
		m._codecs[0].write(outs[0], row, key.Fixed[0])
	case MethodKeysFixed128:
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], key.Fixed[0])
		binary.LittleEndian.PutUint64(buf[8:], key.Fixed[1])
		for j := range m.Keys {
			if m._nullBits && buf[fixedNullByte]&(1<<j) != 0 {
				outs[j].SetNull(row, true)
				continue
			}
			outs[j].SetNull(row, false)
			bits := uint64(0)
			off := m._offsets[j]
			for b := 0; b < m._codecs[j].width; b++ {
				bits |= uint64(buf[off+b]) << (8 * b)
			}
			m._codecs[j].write(outs[j], row, bits)
		}
	case MethodKeyString:
		if key.Null {
			outs[0].SetNull(row, true)
			return
		}
		outs[0].SetNull(row, false)
		outs[0].Strs[row] = string(key.Bytes)
	case MethodSerialized:
		b := key.Bytes
		for j := range m.Keys {
			null := b[0]
			b = b[1:]
			if null != 0 {
				outs[j].SetNull(row, true)
				continue
			}
			outs[j].SetNull(row, false)
			if codec := m._codecs[j]; codec != nil {
				codec.write(outs[j], row, binary.LittleEndian.Uint64(b))
				b = b[8:]
			} else {
				l, n := binary.Uvarint(b)
				b = b[n:]
				writeVarKey(outs[j], row, b[:l])
				b = b[l:]
			}
		}
	}
}

// AppendKey appends the portable form of key used by spill chunks and
// partial results. Equal keys give equal bytes.
func (m *Method) AppendKey(buf []byte, key *GroupKey) []byte {
	switch m.Kind {
	case MethodKeyU64:
		if key.Null {
			return append(buf, 1)
		}
		buf = append(buf, 0)
		return binary.LittleEndian.AppendUint64(buf, key.Fixed[0])
	case MethodKeysFixed128:
		buf = binary.LittleEndian.AppendUint64(buf, key.Fixed[0])
		return binary.LittleEndian.AppendUint64(buf, key.Fixed[1])
	case MethodKeyString:
		if key.Null {
			return append(buf, 1)
		}
		buf = append(buf, 0)
		return append(buf, key.Bytes...)
	case MethodSerialized:
		return append(buf, key.Bytes...)
	}
	return buf
}

// DecodeKey is the inverse of AppendKey. Bytes of the result alias b.
func (m *Method) DecodeKey(hash uint64, b []byte) (GroupKey, error) {
	key := GroupKey{Hash: hash}
	switch m.Kind {
	case MethodKeyU64:
		if len(b) == 1 && b[0] == 1 {
			key.Null = true
			return key, nil
		}
		if len(b) != 9 {
			return key, fmt.Errorf("bad %v key of %d bytes", m.Kind, len(b))
		}
		key.Fixed[0] = binary.LittleEndian.Uint64(b[1:])
	case MethodKeysFixed128:
		if len(b) != 16 {
			return key, fmt.Errorf("bad %v key of %d bytes", m.Kind, len(b))
		}
		key.Fixed[0] = binary.LittleEndian.Uint64(b[:8])
		key.Fixed[1] = binary.LittleEndian.Uint64(b[8:])
	case MethodKeyString:
		if len(b) == 0 {
			return key, fmt.Errorf("bad %v key of 0 bytes", m.Kind)
		}
		if b[0] == 1 {
			key.Null = true
			return key, nil
		}
		key.Bytes = b[1:]
	case MethodSerialized:
		key.Bytes = b
	}
	return key, nil
}
