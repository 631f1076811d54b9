// Package mutation runs optimistic writes: apply locally, commit remotely,
// then keep the local change or put the snapshot back.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRolledBack wraps every commit failure returned by Run.
var ErrRolledBack = errors.New("mutation rolled back")

type State int

const (
	Idle State = iota
	Pending
	Committing
	RollingBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committing:
		return "committing"
	case RollingBack:
		return "rolling_back"
	default:
		return "idle"
	}
}

// Op describes one optimistic write over local state S with remote result R.
//
// Snapshot captures the state to restore, Apply derives the optimistic state,
// Store writes a state back to the caches and Commit performs the remote call.
// OnSuccess and OnError are optional.
//
// Lock, when set, is held across Snapshot, Apply and Store, and again across
// the rollback Store, so writes sharing it cannot interleave their local
// updates. It is never held during Commit.
type Op[S, R any] struct {
	Name      string
	Lock      sync.Locker
	Snapshot  func() S
	Apply     func(S) S
	Store     func(S)
	Commit    func(ctx context.Context) (R, error)
	OnSuccess func(result R, applied S)
	OnError   func(err error, snapshot S)
}

// Runner tracks the state of the writes it runs. A zero Runner is ready.
type Runner struct {
	mu       sync.Mutex
	state    State
	inflight int
	observe  func(name string, from, to State)
}

// Observe registers fn to see every transition. Used by tests and logging.
func (r *Runner) Observe(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = fn
}

// State is the phase of the most recent write, or Idle when none is running.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) move(name string, to State) {
	r.mu.Lock()
	from := r.state
	switch {
	case to == Pending:
		r.inflight++
	case to == Idle && r.inflight > 0:
		r.inflight--
		if r.inflight > 0 {
			to = Pending
		}
	}
	r.state = to
	observe := r.observe
	r.mu.Unlock()
	if observe != nil && from != to {
		observe(name, from, to)
	}
}

// Run executes op on r. A nil Runner runs without tracking.
func Run[S, R any](ctx context.Context, r *Runner, op Op[S, R]) (R, error) {
	if r == nil {
		r = &Runner{}
	}
	var snapshot, applied S
	op.locked(func() {
		snapshot = op.Snapshot()
		applied = op.Apply(snapshot)
		op.Store(applied)
	})
	r.move(op.Name, Pending)

	result, err := op.Commit(ctx)
	if err != nil {
		r.move(op.Name, RollingBack)
		op.locked(func() { op.Store(snapshot) })
		if op.OnError != nil {
			op.OnError(err, snapshot)
		}
		r.move(op.Name, Idle)
		var zero R
		return zero, fmt.Errorf("%w: %w", ErrRolledBack, err)
	}

	r.move(op.Name, Committing)
	if op.OnSuccess != nil {
		op.OnSuccess(result, applied)
	}
	r.move(op.Name, Idle)
	return result, nil
}

func (op Op[S, R]) locked(fn func()) {
	if op.Lock == nil {
		fn()
		return
	}
	op.Lock.Lock()
	defer op.Lock.Unlock()
	fn()
}
