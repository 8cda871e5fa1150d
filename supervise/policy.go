package supervise

// Decision is what the supervisor does after the child died.
type Decision int

const (
	// DecisionRestart restarts the child after the restart delay.
	DecisionRestart Decision = iota
	// DecisionExit exits with status 0; the supervisor was asked to stop.
	DecisionExit
	// DecisionAbandon exits with status 1; the child died during its grace
	// period without being signaled.
	DecisionAbandon
)

func (d Decision) String() string {
	switch d {
	case DecisionRestart:
		return "restart"
	case DecisionExit:
		return "exit"
	case DecisionAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// ExitStatus returns the supervisor's exit status for the decision. It returns
// -1 for DecisionRestart.
func (d Decision) ExitStatus() int {
	switch d {
	case DecisionExit:
		return 0
	case DecisionAbandon:
		return 1
	default:
		return -1
	}
}

// Decide returns the decision for a child that died while in state st. The
// exit status of the child plays no part.
func Decide(st State) Decision {
	switch {
	case st.IsStopping():
		return DecisionExit
	case st == StateStarting:
		return DecisionAbandon
	default:
		return DecisionRestart
	}
}
