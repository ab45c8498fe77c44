package function

import (
	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
)

// AggrOp is the per-function behaviour shared by the interpreted and
// the specialized paths.
type AggrOp[ResultT any, InputT any] interface {
	Init(*State[ResultT])
	Combine(src *State[ResultT], target *State[ResultT], top TypeOp[ResultT]) error
	Operation(*State[ResultT], *InputT, AddOp[ResultT, InputT], TypeOp[ResultT]) error
	Finalize(*State[ResultT], *chunk.Vector, int)
}

func writeResult[T any](out *chunk.Vector, row int, val T) {
	out.SetNull(row, false)
	chunk.GetSliceInPhyFormatFlat[T](out)[row] = val
}

type SumOp[ResultT any, InputT any] struct{}

func (SumOp[ResultT, InputT]) Init(s *State[ResultT]) {
	s.Init()
}

func (SumOp[ResultT, InputT]) Combine(src, target *State[ResultT], top TypeOp[ResultT]) error {
	if !src._isset {
		return nil
	}
	if !target._isset {
		*target = *src
		return nil
	}
	target._count += src._count
	return top.Add(&target._value, &src._value)
}

func (SumOp[ResultT, InputT]) Operation(s *State[ResultT], input *InputT, aop AddOp[ResultT, InputT], top TypeOp[ResultT]) error {
	s._count++
	if !s._isset {
		s._isset = true
		aop.Assign(s, input)
		return nil
	}
	return aop.AddNumber(s, input, top)
}

func (SumOp[ResultT, InputT]) Finalize(s *State[ResultT], out *chunk.Vector, row int) {
	if !s._isset {
		out.SetNull(row, true)
		return
	}
	writeResult(out, row, s._value)
}

type AvgOp[ResultT any, InputT any] struct{}

func (AvgOp[ResultT, InputT]) Init(s *State[ResultT]) {
	s.Init()
}

func (AvgOp[ResultT, InputT]) Combine(src, target *State[ResultT], top TypeOp[ResultT]) error {
	return SumOp[ResultT, InputT]{}.Combine(src, target, top)
}

func (AvgOp[ResultT, InputT]) Operation(s *State[ResultT], input *InputT, aop AddOp[ResultT, InputT], top TypeOp[ResultT]) error {
	return SumOp[ResultT, InputT]{}.Operation(s, input, aop, top)
}

func (AvgOp[ResultT, InputT]) Finalize(s *State[ResultT], out *chunk.Vector, row int) {
	if s._count == 0 {
		out.SetNull(row, true)
		return
	}
	switch v := any(s._value).(type) {
	case int64:
		writeResult(out, row, float64(v)/float64(s._count))
	case float64:
		writeResult(out, row, v/float64(s._count))
	case common.Decimal:
		c, err := common.NewDecimal(s._count, 0)
		if err != nil {
			panic(err)
		}
		var quo common.Decimal
		if err = quo.Quo(&v, &c); err != nil {
			panic(err)
		}
		writeResult(out, row, quo)
	default:
		panic("unmatched cast")
	}
}

// CountOp ignores the input value. NULLs are filtered by the caller.
type CountOp[InputT any] struct{}

func (CountOp[InputT]) Init(s *State[int64]) {
	s.Init()
}

func (CountOp[InputT]) Combine(src, target *State[int64], _ TypeOp[int64]) error {
	target._count += src._count
	return nil
}

func (CountOp[InputT]) Operation(s *State[int64], _ *InputT, _ AddOp[int64, InputT], _ TypeOp[int64]) error {
	s._count++
	return nil
}

func (CountOp[InputT]) Finalize(s *State[int64], out *chunk.Vector, row int) {
	writeResult(out, row, s._count)
}

type MinOp[T any] struct{}

func (MinOp[T]) Init(s *State[T]) {
	s.Init()
}

func (MinOp[T]) Combine(src, target *State[T], top TypeOp[T]) error {
	if !src._isset {
		return nil
	}
	if !target._isset || top.Less(&src._value, &target._value) {
		target._isset = true
		target._value = src._value
	}
	return nil
}

func (MinOp[T]) Operation(s *State[T], input *T, _ AddOp[T, T], top TypeOp[T]) error {
	if !s._isset || top.Less(input, &s._value) {
		s._isset = true
		s._value = *input
	}
	return nil
}

func (MinOp[T]) Finalize(s *State[T], out *chunk.Vector, row int) {
	if !s._isset {
		out.SetNull(row, true)
		return
	}
	writeResult(out, row, s._value)
}

type MaxOp[T any] struct{}

func (MaxOp[T]) Init(s *State[T]) {
	s.Init()
}

func (MaxOp[T]) Combine(src, target *State[T], top TypeOp[T]) error {
	if !src._isset {
		return nil
	}
	if !target._isset || top.Less(&target._value, &src._value) {
		target._isset = true
		target._value = src._value
	}
	return nil
}

func (MaxOp[T]) Operation(s *State[T], input *T, _ AddOp[T, T], top TypeOp[T]) error {
	if !s._isset || top.Less(&s._value, input) {
		s._isset = true
		s._value = *input
	}
	return nil
}

func (MaxOp[T]) Finalize(s *State[T], out *chunk.Vector, row int) {
	MinOp[T]{}.Finalize(s, out, row)
}

// AnyValueOp keeps the first non-null value it sees. Across threads the
// winner depends on merge order.
type AnyValueOp[T any] struct{}

func (AnyValueOp[T]) Init(s *State[T]) {
	s.Init()
}

func (AnyValueOp[T]) Combine(src, target *State[T], _ TypeOp[T]) error {
	if src._isset && !target._isset {
		*target = *src
	}
	return nil
}

func (AnyValueOp[T]) Operation(s *State[T], input *T, _ AddOp[T, T], _ TypeOp[T]) error {
	if !s._isset {
		s._isset = true
		s._value = *input
	}
	return nil
}

func (AnyValueOp[T]) Finalize(s *State[T], out *chunk.Vector, row int) {
	MinOp[T]{}.Finalize(s, out, row)
}

var _ AggrOp[int64, int32] = SumOp[int64, int32]{}
var _ AggrOp[float64, float64] = AvgOp[float64, float64]{}
var _ AggrOp[int64, string] = CountOp[string]{}
var _ AggrOp[common.Decimal, common.Decimal] = MinOp[common.Decimal]{}
