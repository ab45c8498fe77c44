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

package util

import (
	"bufio"
	"io"
	"unsafe"

	"github.com/spf13/afero"
)

type Serialize interface {
	WriteData(buffer []byte, len int) error
	Close() error
}

type Deserialize interface {
	ReadData(buffer []byte, len int) error
	Close() error
}

// Write copies the in-memory bytes of value. T must be a fixed-size
// value without pointers.
func Write[T any](value T, serial Serialize) error {
	cnt := int(unsafe.Sizeof(value))
	buf := PointerToSlice[byte](unsafe.Pointer(&value), cnt)
	return serial.WriteData(buf, cnt)
}

func WriteString(s string, serial Serialize) error {
	err := Write[uint32](uint32(len(s)), serial)
	if err != nil {
		return err
	}
	if len(s) > 0 {
		return serial.WriteData(UnsafeStringToBytes(s), len(s))
	}
	return nil
}

func WriteBytes(data []byte, serial Serialize) error {
	err := Write[uint32](uint32(len(data)), serial)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return serial.WriteData(data, len(data))
	}
	return nil
}

func Read[T any](value *T, deserial Deserialize) error {
	cnt := int(unsafe.Sizeof(*value))
	buf := PointerToSlice[byte](unsafe.Pointer(value), cnt)
	return deserial.ReadData(buf, cnt)
}

func ReadString(deserial Deserialize) (string, error) {
	buf, err := ReadBytes(deserial, nil)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBytes reuses buf when it is large enough.
func ReadBytes(deserial Deserialize, buf []byte) ([]byte, error) {
	var l uint32
	err := Read[uint32](&l, deserial)
	if err != nil {
		return nil, err
	}
	if cap(buf) < int(l) {
		buf = make([]byte, l)
	}
	buf = buf[:l]
	if l > 0 {
		err = deserial.ReadData(buf, int(l))
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

var _ Serialize = new(BufferSerialize)

// BufferSerialize appends into a growing byte slice.
type BufferSerialize struct {
	Buf []byte
}

func (serial *BufferSerialize) WriteData(buffer []byte, len int) error {
	serial.Buf = append(serial.Buf, buffer[:len]...)
	return nil
}

func (serial *BufferSerialize) Close() error {
	return nil
}

var _ Deserialize = new(BufferDeserialize)

type BufferDeserialize struct {
	Buf []byte
	pos int
}

func (deserial *BufferDeserialize) ReadData(buffer []byte, len int) error {
	if deserial.pos+len > deserial.Len() {
		return io.ErrUnexpectedEOF
	}
	copy(buffer[:len], deserial.Buf[deserial.pos:])
	deserial.pos += len
	return nil
}

func (deserial *BufferDeserialize) Len() int {
	return len(deserial.Buf)
}

func (deserial *BufferDeserialize) Remaining() int {
	return len(deserial.Buf) - deserial.pos
}

func (deserial *BufferDeserialize) Close() error {
	return nil
}

var _ Serialize = new(FileSerialize)

type FileSerialize struct {
	file afero.File
	w    *bufio.Writer
	// bytes written so far
	Written int64
}

func NewFileSerialize(fs afero.Fs, name string) (*FileSerialize, error) {
	file, err := fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &FileSerialize{
		file: file,
		w:    bufio.NewWriterSize(file, 64*1024),
	}, nil
}

func (serial *FileSerialize) Name() string {
	return serial.file.Name()
}

func (serial *FileSerialize) WriteData(buffer []byte, len int) error {
	n, err := serial.w.Write(buffer[:len])
	serial.Written += int64(n)
	return err
}

// WriteAt flushes buffered data, then overwrites len(p) bytes at off.
// Written is not changed.
func (serial *FileSerialize) WriteAt(p []byte, off int64) error {
	if err := serial.w.Flush(); err != nil {
		return err
	}
	_, err := serial.file.WriteAt(p, off)
	return err
}

// Close flushes and syncs. The file is closed even on flush error.
func (serial *FileSerialize) Close() error {
	err := serial.w.Flush()
	if err == nil {
		err = serial.file.Sync()
	}
	if cerr := serial.file.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Deserialize = new(FileDeserialize)

type FileDeserialize struct {
	file afero.File
	r    *bufio.Reader
}

func NewFileDeserialize(fs afero.Fs, name string) (*FileDeserialize, error) {
	file, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &FileDeserialize{
		file: file,
		r:    bufio.NewReaderSize(file, 64*1024),
	}, nil
}

func (deserial *FileDeserialize) ReadData(buffer []byte, len int) error {
	_, err := io.ReadFull(deserial.r, buffer[:len])
	return err
}

func (deserial *FileDeserialize) Close() error {
	return deserial.file.Close()
}
