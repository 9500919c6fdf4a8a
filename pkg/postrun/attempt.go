package postrun

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// State is the lifecycle state of one run attempt.
type State string

const (
	StateReady     State = "READY"
	StateExecuting State = "EXECUTING"
	StateFailed    State = "FAILED"
	StateExecuted  State = "EXECUTED"
	StateMerging   State = "MERGING"
	StateNotifying State = "NOTIFYING"
	StateDone      State = "DONE"
)

// ErrIllegalTransition is returned when an attempt is moved to a state it
// cannot reach from its current one.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateReady:     {StateExecuting},
	StateExecuting: {StateExecuted, StateFailed},
	// Executed goes straight to Done when the run processed nothing.
	StateExecuted:  {StateMerging, StateDone},
	StateMerging:   {StateNotifying, StateFailed},
	StateNotifying: {StateDone},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Attempt tracks one run of an alert over a window. It is safe for
// concurrent use.
type Attempt struct {
	ID     string
	Bounds detection.TaskBounds

	mu      sync.Mutex
	state   State
	err     error
	history []Transition
	now     func() time.Time
}

// NewAttempt creates an attempt in StateReady.
func NewAttempt(bounds detection.TaskBounds) *Attempt {
	return &Attempt{
		ID:     uuid.NewString(),
		Bounds: bounds,
		state:  StateReady,
		now:    time.Now,
	}
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the error recorded by Fail.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Transition moves the attempt to state to.
func (a *Attempt) Transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(to)
}

func (a *Attempt) transitionLocked(to State) error {
	for _, allowed := range transitions[a.state] {
		if allowed == to {
			a.history = append(a.history, Transition{From: a.state, To: to, At: a.now()})
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.state, to)
}

// Fail moves the attempt to StateFailed and records cause.
func (a *Attempt) Fail(cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transitionLocked(StateFailed); err != nil {
		return err
	}
	a.err = cause
	return nil
}

// History returns the recorded transitions in order.
func (a *Attempt) History() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Transition(nil), a.history...)
}
