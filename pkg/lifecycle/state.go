package lifecycle

import "fmt"

// State is a run state.
type State string

const (
	Idle          State = "Idle"
	PolicyChecked State = "PolicyChecked"
	Bound         State = "Bound"
	Invoking      State = "Invoking"
	Validated     State = "Validated"
	Recorded      State = "Recorded"
	Finalized     State = "Finalized"
	Aborted       State = "Aborted"
)

// transitions is the forward graph. Aborted is reachable from every
// non-terminal state through Recorder.Abort.
var transitions = map[State][]State{
	Idle:          {PolicyChecked},
	PolicyChecked: {Bound},
	Bound:         {Invoking},
	Invoking:      {Validated},
	Validated:     {Recorded},
	Recorded:      {Invoking, Finalized},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Finalized || s == Aborted
}

// CanTransition reports whether from → to is a legal forward step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition %s -> %s", e.From, e.To)
}
