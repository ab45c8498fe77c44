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

package function

import (
	"math"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/daviszhen/aggr/pkg/common"
	"github.com/daviszhen/aggr/pkg/util"
)

// State is the in-arena intermediate state of one function. It holds
// no go pointers.
type State[T any] struct {
	_isset bool
	_count int64
	_value T
}

func StateSize[T any]() int {
	var val State[T]
	return int(unsafe.Sizeof(val))
}

func (state *State[T]) Init() {
	var val T
	state._isset = false
	state._count = 0
	state._value = val
}

func (state *State[T]) SetIsset(b bool) {
	state._isset = b
}

func (state *State[T]) SetValue(val T) {
	state._value = val
}

func (state *State[T]) GetIsset() bool {
	return state._isset
}

func (state *State[T]) GetValue() T {
	return state._value
}

func (state *State[T]) GetCount() int64 {
	return state._count
}

// Serialize writes the state in a layout independent form.
func (state *State[T]) Serialize(serial util.Serialize) error {
	err := util.Write[bool](state._isset, serial)
	if err != nil {
		return err
	}
	err = util.Write[int64](state._count, serial)
	if err != nil {
		return err
	}
	if d, ok := any(&state._value).(*common.Decimal); ok {
		s := ""
		if state._isset || state._count > 0 {
			s = d.String()
		}
		return util.WriteString(s, serial)
	}
	return util.Write[T](state._value, serial)
}

func (state *State[T]) Deserialize(deserial util.Deserialize) error {
	err := util.Read[bool](&state._isset, deserial)
	if err != nil {
		return err
	}
	err = util.Read[int64](&state._count, deserial)
	if err != nil {
		return err
	}
	if d, ok := any(&state._value).(*common.Decimal); ok {
		s, err := util.ReadString(deserial)
		if err != nil {
			return err
		}
		if s == "" {
			*d = common.Decimal{}
			return nil
		}
		*d, err = common.ParseDecimalString(s)
		return err
	}
	return util.Read[T](&state._value, deserial)
}

type TypeOp[T any] interface {
	// Add sets lhs to lhs + rhs.
	Add(lhs *T, rhs *T) error
	Less(lhs, rhs *T) bool
}

type AddOp[ResultT any, InputT any] interface {
	AddNumber(*State[ResultT], *InputT, TypeOp[ResultT]) error
	Assign(*State[ResultT], *InputT)
}

type Int64Op struct{}

func (Int64Op) Add(lhs, rhs *int64) error {
	a, b := *lhs, *rhs
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return util.AggregateFunctionError("add", "BIGINT overflow adding %d to %d", b, a)
	}
	*lhs = a + b
	return nil
}

func (Int64Op) Less(lhs, rhs *int64) bool {
	return *lhs < *rhs
}

// OrderedOp serves types that are only compared.
type OrderedOp[T constraints.Integer] struct{}

func (OrderedOp[T]) Add(lhs, rhs *T) error {
	panic("usp")
}

func (OrderedOp[T]) Less(lhs, rhs *T) bool {
	return *lhs < *rhs
}

type Double struct{}

func (Double) Add(lhs, rhs *float64) error {
	*lhs += *rhs
	return nil
}

// Less orders NaN above every number.
func (Double) Less(lhs, rhs *float64) bool {
	return util.GreaterFloat(*rhs, *lhs)
}

type DecimalOp struct{}

func (DecimalOp) Add(lhs, rhs *common.Decimal) error {
	err := lhs.Add(lhs, rhs)
	if err != nil {
		return util.AggregateFunctionError("add", "DECIMAL overflow: %v", err)
	}
	return nil
}

func (DecimalOp) Less(lhs, rhs *common.Decimal) bool {
	return lhs.Less(lhs, rhs)
}

// IntAdd widens integer input into an int64 state.
type IntAdd[I int32 | int64] struct{}

func (IntAdd[I]) AddNumber(state *State[int64], input *I, top TypeOp[int64]) error {
	v := int64(*input)
	return top.Add(&state._value, &v)
}

func (IntAdd[I]) Assign(state *State[int64], input *I) {
	state._value = int64(*input)
}

// SameAdd serves states of the input type.
type SameAdd[T any] struct{}

func (SameAdd[T]) AddNumber(state *State[T], input *T, top TypeOp[T]) error {
	return top.Add(&state._value, input)
}

func (SameAdd[T]) Assign(state *State[T], input *T) {
	state._value = *input
}
