package util

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

var (
	// ErrMemoryExceeded is returned when accumulated state outgrows the
	// query memory budget and spilling is not allowed.
	ErrMemoryExceeded = errors.New("aggregation memory limit exceeded")
	// ErrSpillStorage reports a failure of the temporary spill storage.
	ErrSpillStorage = errors.New("spill storage error")
	// ErrAggregateFunction is raised by an aggregate function, e.g. on overflow.
	ErrAggregateFunction = errors.New("aggregate function error")
	// ErrCancelled marks a query stopped by its context.
	ErrCancelled = errors.New("aggregation cancelled")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return nil
}

func MemoryExceeded(used, budget int64) error {
	return errors.WithStack(&kindError{
		kind: ErrMemoryExceeded,
		msg: fmt.Sprintf("used %s of budget %s; enable spilling or raise the memory budget",
			humanize.IBytes(uint64(used)), humanize.IBytes(uint64(budget))),
	})
}

// spillError keeps the filesystem error reachable through errors.As.
type spillError struct {
	op   string
	path string
	err  error
}

func (e *spillError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrSpillStorage.Error(), e.op, e.path, e.err)
}

func (e *spillError) Is(target error) bool {
	return target == ErrSpillStorage
}

func (e *spillError) Unwrap() error {
	return e.err
}

func SpillStorageError(op, path string, err error) error {
	return errors.WithStack(&spillError{op: op, path: path, err: err})
}

func AggregateFunctionError(fn string, format string, args ...any) error {
	return errors.WithStack(&kindError{
		kind: ErrAggregateFunction,
		msg:  fn + ": " + fmt.Sprintf(format, args...),
	})
}

type cancelError struct {
	cause error
}

func (e *cancelError) Error() string {
	return ErrCancelled.Error() + ": " + e.cause.Error()
}

func (e *cancelError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *cancelError) Unwrap() error {
	return e.cause
}

// Cancelled keeps the context error reachable, so both ErrCancelled
// and context.Canceled match.
func Cancelled(cause error) error {
	return errors.WithStack(&cancelError{cause: cause})
}
