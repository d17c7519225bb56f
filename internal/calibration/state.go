package calibration

import (
	"encoding/json"
	"fmt"

	"github.com/copyleftdev/hpacal/internal/optimization"
)

// State is the position of a Driver in its lifecycle. A driver moves
// Idle -> Running -> {Converged, IterationLimitReached, Failed} -> Idle once
// per repetition and ends in Done.
type State int

const (
	Idle State = iota
	Running
	Converged
	IterationLimitReached
	Failed
	Done
)

var stateNames = [...]string{
	Idle:                  "idle",
	Running:               "running",
	Converged:             "converged",
	IterationLimitReached: "iteration_limit",
	Failed:                "failed",
	Done:                  "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends a repetition.
func (s State) Terminal() bool {
	return s == Converged || s == IterationLimitReached || s == Failed
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

func stateOf(s optimization.Status) State {
	if s == optimization.Converged {
		return Converged
	}
	return IterationLimitReached
}

// allowed lists the legal transitions.
var allowed = map[State][]State{
	Idle:                  {Running, Done},
	Running:               {Converged, IterationLimitReached, Failed},
	Converged:             {Idle},
	IterationLimitReached: {Idle},
	Failed:                {Idle},
	Done:                  {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
