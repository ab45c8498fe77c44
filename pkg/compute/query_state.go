package compute

import (
	"fmt"
	"sync"
)

type QueryState int32

const (
	StateInit QueryState = iota
	StateAccumulating
	StateSpilling
	StateMerging
	StateFinalizing
	StateDone
	StateFailed
	StateCancelled
)

var stateNames = []string{
	StateInit:         "INIT",
	StateAccumulating: "ACCUMULATING",
	StateSpilling:     "SPILLING",
	StateMerging:      "MERGING",
	StateFinalizing:   "FINALIZING",
	StateDone:         "DONE",
	StateFailed:       "FAILED",
	StateCancelled:    "CANCELLED",
}

func (s QueryState) String() string {
	return stateNames[s]
}

func (s QueryState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

var validTransitions = map[QueryState][]QueryState{
	StateInit:         {StateAccumulating, StateFailed, StateCancelled},
	StateAccumulating: {StateSpilling, StateMerging, StateFailed, StateCancelled},
	StateSpilling:     {StateAccumulating, StateFailed, StateCancelled},
	StateMerging:      {StateFinalizing, StateFailed, StateCancelled},
	StateFinalizing:   {StateDone, StateFailed, StateCancelled},
}

// stateMachine tracks the query state. Workers spill independently, so
// SPILLING is held while at least one of them is writing.
type stateMachine struct {
	_mu       sync.Mutex
	_cur      QueryState
	_spilling int
	_history  []QueryState
}

func (sm *stateMachine) to(next QueryState) error {
	sm._mu.Lock()
	defer sm._mu.Unlock()
	return sm.toLocked(next)
}

func (sm *stateMachine) toLocked(next QueryState) error {
	if sm._cur == next {
		return nil
	}
	for _, s := range validTransitions[sm._cur] {
		if s == next {
			sm._cur = next
			sm._history = append(sm._history, next)
			return nil
		}
	}
	return fmt.Errorf("invalid state transition %v -> %v", sm._cur, next)
}

func (sm *stateMachine) beginSpill() error {
	sm._mu.Lock()
	defer sm._mu.Unlock()
	if sm._spilling == 0 {
		if err := sm.toLocked(StateSpilling); err != nil {
			return err
		}
	}
	sm._spilling++
	return nil
}

func (sm *stateMachine) endSpill() error {
	sm._mu.Lock()
	defer sm._mu.Unlock()
	sm._spilling--
	if sm._spilling == 0 && sm._cur == StateSpilling {
		return sm.toLocked(StateAccumulating)
	}
	return nil
}

func (sm *stateMachine) current() QueryState {
	sm._mu.Lock()
	defer sm._mu.Unlock()
	return sm._cur
}

func (sm *stateMachine) history() []QueryState {
	sm._mu.Lock()
	defer sm._mu.Unlock()
	return append([]QueryState(nil), sm._history...)
}
