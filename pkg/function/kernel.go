package function

import (
	"fmt"
	"unsafe"

	"github.com/daviszhen/aggr/pkg/chunk"
	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

// Kernel is the type specialized form of one function. Update folds
// count rows of vec into the states found at records[i]+offset.
type Kernel struct {
	Update func(records []unsafe.Pointer, offset int, vec *chunk.Vector, count int) error
	Merge  func(dst, src unsafe.Pointer) error
}

func unaryKernel[R any, I any](op AggrOp[R, I], aop AddOp[R, I], top TypeOp[R]) Kernel {
	return Kernel{
		Update: func(records []unsafe.Pointer, offset int, vec *chunk.Vector, count int) error {
			data := chunk.GetSliceInPhyFormatFlat[I](vec)
			if vec.Mask.AllValid() {
				for i := 0; i < count; i++ {
					state := (*State[R])(util.PointerAdd(records[i], offset))
					if err := op.Operation(state, &data[i], aop, top); err != nil {
						return err
					}
				}
				return nil
			}
			for i := 0; i < count; i++ {
				if !vec.Mask.RowIsValid(i) {
					continue
				}
				state := (*State[R])(util.PointerAdd(records[i], offset))
				if err := op.Operation(state, &data[i], aop, top); err != nil {
					return err
				}
			}
			return nil
		},
		Merge: func(dst, src unsafe.Pointer) error {
			return op.Combine((*State[R])(src), (*State[R])(dst), top)
		},
	}
}

func countKernel(star bool) Kernel {
	return Kernel{
		Update: func(records []unsafe.Pointer, offset int, vec *chunk.Vector, count int) error {
			if star || vec.Mask.AllValid() {
				for i := 0; i < count; i++ {
					(*State[int64])(util.PointerAdd(records[i], offset))._count++
				}
				return nil
			}
			for i := 0; i < count; i++ {
				if vec.Mask.RowIsValid(i) {
					(*State[int64])(util.PointerAdd(records[i], offset))._count++
				}
			}
			return nil
		},
		Merge: func(dst, src unsafe.Pointer) error {
			(*State[int64])(dst)._count += (*State[int64])(src)._count
			return nil
		},
	}
}

func pickKernel[T any](kind Kind, top TypeOp[T]) Kernel {
	switch kind {
	case KindMin:
		return unaryKernel[T, T](MinOp[T]{}, SameAdd[T]{}, top)
	case KindMax:
		return unaryKernel[T, T](MaxOp[T]{}, SameAdd[T]{}, top)
	default:
		return unaryKernel[T, T](AnyValueOp[T]{}, SameAdd[T]{}, top)
	}
}

// Specialize instantiates the kernel of f for its argument type.
func Specialize(f *Func) (Kernel, error) {
	switch f.Kind {
	case KindCountStar:
		return countKernel(true), nil
	case KindCount:
		return countKernel(false), nil
	case KindSum:
		switch f._phy {
		case common.INT32:
			return unaryKernel[int64, int32](SumOp[int64, int32]{}, IntAdd[int32]{}, Int64Op{}), nil
		case common.INT64:
			return unaryKernel[int64, int64](SumOp[int64, int64]{}, IntAdd[int64]{}, Int64Op{}), nil
		case common.DOUBLE:
			return unaryKernel[float64, float64](SumOp[float64, float64]{}, SameAdd[float64]{}, Double{}), nil
		case common.DECIMAL:
			return unaryKernel[common.Decimal, common.Decimal](SumOp[common.Decimal, common.Decimal]{}, SameAdd[common.Decimal]{}, DecimalOp{}), nil
		}
	case KindAvg:
		switch f._phy {
		case common.INT32:
			return unaryKernel[int64, int32](AvgOp[int64, int32]{}, IntAdd[int32]{}, Int64Op{}), nil
		case common.INT64:
			return unaryKernel[int64, int64](AvgOp[int64, int64]{}, IntAdd[int64]{}, Int64Op{}), nil
		case common.DOUBLE:
			return unaryKernel[float64, float64](AvgOp[float64, float64]{}, SameAdd[float64]{}, Double{}), nil
		case common.DECIMAL:
			return unaryKernel[common.Decimal, common.Decimal](AvgOp[common.Decimal, common.Decimal]{}, SameAdd[common.Decimal]{}, DecimalOp{}), nil
		}
	case KindMin, KindMax, KindAnyValue:
		switch f._phy {
		case common.INT32:
			return pickKernel[int32](f.Kind, OrderedOp[int32]{}), nil
		case common.DATE:
			return pickKernel[common.Date](f.Kind, OrderedOp[common.Date]{}), nil
		case common.INT64:
			return pickKernel[int64](f.Kind, Int64Op{}), nil
		case common.DOUBLE:
			return pickKernel[float64](f.Kind, Double{}), nil
		case common.DECIMAL:
			return pickKernel[common.Decimal](f.Kind, DecimalOp{}), nil
		}
	}
	return Kernel{}, fmt.Errorf("no kernel for %v", f)
}
