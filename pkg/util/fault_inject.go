package util

import (
	"sync"
	"sync/atomic"
)

// Fault points. Each scope is switched on by tests only.
const (
	FAULTS_COUNT       int = 16
	FAULTS_SCOPE_SPILL int = 0
	FAULTS_SCOPE_JIT   int = 1
	FAULTS_SCOPE_AGGR  int = 2
)

var faultsSwitch [FAULTS_COUNT]Faults

type Faults struct {
	_enable atomic.Bool
	_faults sync.Map
}

// FaultAction runs every time its point is reached. Hits counts the
// visits, including the current one.
type FaultAction struct {
	Args   []string
	Action func([]string) error
	Hits   atomic.Int64
}

func validScope(scope int) bool {
	return scope >= 0 && scope < FAULTS_COUNT
}

func Open(scope int) {
	if !validScope(scope) {
		return
	}
	faultsSwitch[scope]._enable.Store(true)
}

// Close switches the scope off and forgets its faults.
func Close(scope int) {
	if !validScope(scope) {
		return
	}
	faultsSwitch[scope]._enable.Store(false)
	faultsSwitch[scope]._faults.Clear()
}

func Check(scope int, faultName string) *FaultAction {
	if !validScope(scope) || !faultsSwitch[scope]._enable.Load() {
		return nil
	}
	val, ok := faultsSwitch[scope]._faults.Load(faultName)
	if !ok || val == nil {
		return nil
	}
	return val.(*FaultAction)
}

func Register(scope int, faultName string, args []string, action func([]string) error) {
	if !validScope(scope) || !faultsSwitch[scope]._enable.Load() {
		return
	}
	faultsSwitch[scope]._faults.Store(faultName, &FaultAction{Args: args, Action: action})
}

// RegisterNth fails the nth visit of the point with err and lets the
// others pass.
func RegisterNth(scope int, faultName string, n int64, err error) {
	if !validScope(scope) || !faultsSwitch[scope]._enable.Load() {
		return
	}
	fa := &FaultAction{}
	fa.Action = func([]string) error {
		if fa.Hits.Load() == n {
			return err
		}
		return nil
	}
	faultsSwitch[scope]._faults.Store(faultName, fa)
}

// Inject runs the registered action of the fault point, if any.
func Inject(scope int, faultName string) error {
	fa := Check(scope, faultName)
	if fa == nil {
		return nil
	}
	fa.Hits.Add(1)
	if fa.Action == nil {
		return nil
	}
	return fa.Action(fa.Args)
}

// Hits reports how often a registered point was reached.
func Hits(scope int, faultName string) int64 {
	if fa := Check(scope, faultName); fa != nil {
		return fa.Hits.Load()
	}
	return 0
}
