package function

import (
	"strings"
	"unsafe"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/util"
)

// Layout places the states of all functions in one record.
type Layout struct {
	_offsets []int
	_size    int
}

func NewLayout(funcs []*Func) *Layout {
	l := &Layout{_offsets: make([]int, len(funcs))}
	off := 0
	for i, f := range funcs {
		l._offsets[i] = off
		off += util.AlignValue8(f.StateSize())
	}
	l._size = max(off, 8)
	return l
}

func (l *Layout) Offset(i int) int {
	return l._offsets[i]
}

func (l *Layout) Size() int {
	return l._size
}

type Signature struct {
	Text string
	Hash uint64
}

func MakeSignature(funcs []*Func) Signature {
	parts := make([]string, len(funcs))
	for i, f := range funcs {
		parts[i] = f.String()
	}
	text := strings.Join(parts, ",")
	return Signature{Text: text, Hash: util.HashString(text)}
}

// BoundSet carries everything that does not depend on how rows are
// added: layout, init, finalize and state serialization.
type BoundSet struct {
	_funcs  []*Func
	_layout *Layout
	_sig    Signature
}

func NewBoundSet(funcs []*Func) *BoundSet {
	return &BoundSet{
		_funcs:  funcs,
		_layout: NewLayout(funcs),
		_sig:    MakeSignature(funcs),
	}
}

func (bs *BoundSet) Funcs() []*Func {
	return bs._funcs
}

func (bs *BoundSet) Layout() *Layout {
	return bs._layout
}

func (bs *BoundSet) Signature() Signature {
	return bs._sig
}

func (bs *BoundSet) Init(record unsafe.Pointer) {
	util.Memset(record, 0, bs._layout._size)
}

func (bs *BoundSet) state(record unsafe.Pointer, i int) unsafe.Pointer {
	return util.PointerAdd(record, bs._layout._offsets[i])
}

// Finalize writes one value per function into outs at row.
func (bs *BoundSet) Finalize(record unsafe.Pointer, outs []*chunk.Vector, row int) {
	for i, f := range bs._funcs {
		f.Finalize(bs.state(record, i), outs[i], row)
	}
}

func (bs *BoundSet) SerializeState(record unsafe.Pointer, i int, serial util.Serialize) error {
	return bs._funcs[i].SerializeState(bs.state(record, i), serial)
}

func (bs *BoundSet) DeserializeState(record unsafe.Pointer, i int, deserial util.Deserialize) error {
	return bs._funcs[i].DeserializeState(bs.state(record, i), deserial)
}

// SerializeRecord writes all states of record.
func (bs *BoundSet) SerializeRecord(record unsafe.Pointer, serial util.Serialize) error {
	for i := range bs._funcs {
		if err := bs.SerializeState(record, i, serial); err != nil {
			return err
		}
	}
	return nil
}

func (bs *BoundSet) DeserializeRecord(record unsafe.Pointer, deserial util.Deserialize) error {
	for i := range bs._funcs {
		if err := bs.DeserializeState(record, i, deserial); err != nil {
			return err
		}
	}
	return nil
}

// FunctionSet is the single indirection point the aggregator calls
// through. Interpreted and compiled sets must agree on every result.
type FunctionSet interface {
	Bound() *BoundSet
	// Update folds the rows of batch into records[row].
	Update(records []unsafe.Pointer, batch *chunk.Chunk) error
	Merge(dst, src unsafe.Pointer) error
	Compiled() bool
	Release()
}

type InterpretedSet struct {
	*BoundSet
}

func NewInterpretedSet(bound *BoundSet) *InterpretedSet {
	return &InterpretedSet{BoundSet: bound}
}

func (set *InterpretedSet) Bound() *BoundSet {
	return set.BoundSet
}

func (set *InterpretedSet) Update(records []unsafe.Pointer, batch *chunk.Chunk) error {
	count := batch.Card()
	for row := 0; row < count; row++ {
		for i, f := range set._funcs {
			var vec *chunk.Vector
			if f.Arg >= 0 {
				vec = batch.Data[f.Arg]
			}
			if err := f.AddRow(set.state(records[row], i), vec, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (set *InterpretedSet) Merge(dst, src unsafe.Pointer) error {
	for i, f := range set._funcs {
		if err := f.Merge(set.state(dst, i), set.state(src, i)); err != nil {
			return err
		}
	}
	return nil
}

func (set *InterpretedSet) Compiled() bool {
	return false
}

func (set *InterpretedSet) Release() {}

// SpecializedSet runs prebuilt kernels, one call per function and batch.
type SpecializedSet struct {
	*BoundSet
	_kernels []Kernel
}

func NewSpecializedSet(bound *BoundSet, kernels []Kernel) *SpecializedSet {
	util.AssertFunc(len(kernels) == len(bound._funcs))
	return &SpecializedSet{BoundSet: bound, _kernels: kernels}
}

func (set *SpecializedSet) Bound() *BoundSet {
	return set.BoundSet
}

func (set *SpecializedSet) Update(records []unsafe.Pointer, batch *chunk.Chunk) error {
	count := batch.Card()
	for i, f := range set._funcs {
		var vec *chunk.Vector
		if f.Arg >= 0 {
			vec = batch.Data[f.Arg]
		}
		if err := set._kernels[i].Update(records, set._layout._offsets[i], vec, count); err != nil {
			return err
		}
	}
	return nil
}

func (set *SpecializedSet) Merge(dst, src unsafe.Pointer) error {
	for i := range set._funcs {
		if err := set._kernels[i].Merge(set.state(dst, i), set.state(src, i)); err != nil {
			return err
		}
	}
	return nil
}

func (set *SpecializedSet) Compiled() bool {
	return true
}

func (set *SpecializedSet) Release() {}
