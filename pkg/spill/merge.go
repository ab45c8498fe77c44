package spill

import (
	"bytes"
	"context"
	"io"

	"github.com/tidwall/btree"
)

type cursor struct {
	row Row
	src int
}

func cursorLess(a, b *cursor) bool {
	if a.row.Hash != b.row.Hash {
		return a.row.Hash < b.row.Hash
	}
	if c := bytes.Compare(a.row.Key, b.row.Key); c != 0 {
		return c < 0
	}
	return a.src < b.src
}

// GroupFunc receives one distinct key and the states of every source
// holding it. states is reused by the next call.
type GroupFunc func(hash uint64, key []byte, states [][]byte) error

// Merge walks sources in key order and calls fn once per distinct key.
// Only the head row of each source is held in memory.
func Merge(ctx context.Context, sources []Source, fn GroupFunc) error {
	frontier := btree.NewBTreeGOptions[*cursor](cursorLess, btree.Options{NoLocks: true})
	advance := func(src int) error {
		row, err := sources[src].Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		frontier.Set(&cursor{row: row, src: src})
		return nil
	}
	for i := range sources {
		if err := advance(i); err != nil {
			return err
		}
	}

	states := make([][]byte, 0, len(sources))
	groups := 0
	for frontier.Len() > 0 {
		head, _ := frontier.PopMin()
		states = append(states[:0], head.row.State)
		if err := advance(head.src); err != nil {
			return err
		}
		for {
			next, ok := frontier.Min()
			if !ok || next.row.Hash != head.row.Hash || !bytes.Equal(next.row.Key, head.row.Key) {
				break
			}
			frontier.PopMin()
			states = append(states, next.row.State)
			if err := advance(next.src); err != nil {
				return err
			}
		}
		if err := fn(head.row.Hash, head.row.Key, states); err != nil {
			return err
		}
		groups++
		if groups%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}
