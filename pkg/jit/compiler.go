package jit

import (
	"github.com/pkg/errors"

	"github.com/daviszhen/aggr/pkg/function"
	"github.com/daviszhen/aggr/pkg/util"
)

// Compiler turns an ordered function list into kernels. The kernels
// must not capture argument column positions.
type Compiler interface {
	Compile(funcs []*function.Func) ([]function.Kernel, error)
}

// KernelCompiler instantiates the generic kernels of every function.
type KernelCompiler struct{}

func (KernelCompiler) Compile(funcs []*function.Func) ([]function.Kernel, error) {
	if err := util.Inject(util.FAULTS_SCOPE_JIT, "compile"); err != nil {
		return nil, err
	}
	kernels := make([]function.Kernel, len(funcs))
	for i, f := range funcs {
		k, err := function.Specialize(f)
		if err != nil {
			return nil, errors.Wrapf(err, "compile %d", i)
		}
		kernels[i] = k
	}
	return kernels, nil
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(funcs []*function.Func) ([]function.Kernel, error)

func (fn CompilerFunc) Compile(funcs []*function.Func) ([]function.Kernel, error) {
	return fn(funcs)
}
