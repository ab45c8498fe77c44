package spill

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
	CodecSnappy
)

var codecNames = []string{
	CodecNone:   "none",
	CodecLZ4:    "lz4",
	CodecZstd:   "zstd",
	CodecSnappy: "snappy",
}

func (c Codec) String() string {
	if int(c) < len(codecNames) {
		return codecNames[c]
	}
	return fmt.Sprintf("codec(%d)", c)
}

func ParseCodec(name string) (Codec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return CodecLZ4, nil
	}
	for i, n := range codecNames {
		if n == name {
			return Codec(i), nil
		}
	}
	return 0, fmt.Errorf("unknown spill codec %q", name)
}

// codecs holds the stateful coders of one manager. zstd coders are
// safe for concurrent EncodeAll/DecodeAll.
type codecs struct {
	_once sync.Once
	_enc  *zstd.Encoder
	_dec  *zstd.Decoder
	_err  error
}

func (cs *codecs) zstd() (*zstd.Encoder, *zstd.Decoder, error) {
	cs._once.Do(func() {
		cs._enc, cs._err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if cs._err != nil {
			return
		}
		cs._dec, cs._err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return cs._enc, cs._dec, cs._err
}

func (cs *codecs) close() {
	if cs._enc != nil {
		_ = cs._enc.Close()
	}
	if cs._dec != nil {
		cs._dec.Close()
	}
}

// compress returns the payload of a block. A payload as long as src
// means the block is stored raw.
func (cs *codecs) compress(codec Codec, src, dst []byte) ([]byte, error) {
	var out []byte
	switch codec {
	case CodecNone:
		return src, nil
	case CodecLZ4:
		dst = growTo(dst, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, dst)
		if err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		if n == 0 {
			return src, nil
		}
		out = dst[:n]
	case CodecZstd:
		enc, _, err := cs.zstd()
		if err != nil {
			return nil, err
		}
		out = enc.EncodeAll(src, dst[:0])
	case CodecSnappy:
		out = snappy.Encode(dst[:cap(dst)], src)
	default:
		return nil, fmt.Errorf("unknown spill codec %v", codec)
	}
	if len(out) >= len(src) {
		return src, nil
	}
	return out, nil
}

func (cs *codecs) decompress(codec Codec, payload []byte, rawLen int) ([]byte, error) {
	if len(payload) == rawLen {
		return payload, nil
	}
	raw := make([]byte, rawLen)
	switch codec {
	case CodecLZ4:
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, errors.Wrap(err, "lz4")
		}
		raw = raw[:n]
	case CodecZstd:
		_, dec, err := cs.zstd()
		if err != nil {
			return nil, err
		}
		raw, err = dec.DecodeAll(payload, raw[:0])
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
	case CodecSnappy:
		var err error
		raw, err = snappy.Decode(raw, payload)
		if err != nil {
			return nil, errors.Wrap(err, "snappy")
		}
	default:
		return nil, fmt.Errorf("block of codec %v is compressed", codec)
	}
	if len(raw) != rawLen {
		return nil, fmt.Errorf("block decoded to %d bytes, want %d", len(raw), rawLen)
	}
	return raw, nil
}

func growTo(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
