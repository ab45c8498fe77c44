package compute

import (
	"context"
	"io"

	"github.com/daviszhen/aggr/pkg/chunk"
)

// BatchSource feeds input batches. Next returns io.EOF after the last
// batch. A batch handed out is owned by the engine.
type BatchSource interface {
	Next(ctx context.Context) (*chunk.Chunk, error)
}

// ResultSink receives result batches: key columns, then one column per
// function. The batch is not touched after the call returns.
type ResultSink func(result *chunk.Chunk) error

type sliceSource struct {
	_batches []*chunk.Chunk
	_i       int
}

func NewSliceSource(batches ...*chunk.Chunk) BatchSource {
	return &sliceSource{_batches: batches}
}

func (src *sliceSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src._i >= len(src._batches) {
		return nil, io.EOF
	}
	src._i++
	return src._batches[src._i-1], nil
}

// ChanSource reads batches pushed by another goroutine until the
// channel is closed.
type ChanSource <-chan *chunk.Chunk

func (src ChanSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-src:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

// Collect is a sink that keeps every result batch.
func Collect(out *[]*chunk.Chunk) ResultSink {
	return func(result *chunk.Chunk) error {
		*out = append(*out, result)
		return nil
	}
}
