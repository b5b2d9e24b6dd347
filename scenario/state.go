package scenario

// State of the execution of a scenario
type State int

const (
	StateInit State = iota
	StateSniffStarted
	StateChainsRunning
	StateTeardown
	StateSniffStopped
	StateVerified
	StateFailed
)

var stateNames = []string{"INIT", "SNIFF_STARTED", "CHAINS_RUNNING", "TEARDOWN", "SNIFF_STOPPED", "VERIFIED", "FAILED"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal returns true for the states which end an execution
func (s State) Terminal() bool {
	return s == StateVerified || s == StateFailed
}

// nextState lists the regular successor of every non terminal state, any of them can also
// move to StateFailed
var nextState = map[State]State{
	StateInit:          StateSniffStarted,
	StateSniffStarted:  StateChainsRunning,
	StateChainsRunning: StateTeardown,
	StateTeardown:      StateSniffStopped,
	StateSniffStopped:  StateVerified,
}

// canTransition returns true if the scenario is allowed to move between the states
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := nextState[from]
	return ok && next == to
}
