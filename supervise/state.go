package supervise

// State is the state of the supervised child.
type State int

const (
	// StateAbsent means there is no live child.
	StateAbsent State = iota
	// StateStarting means the child is live and still inside its grace
	// period, and the supervisor has not signaled it.
	StateStarting
	// StateRunning means the child is live and past its grace period.
	StateRunning
	// StateStopping means the child was sent a graceful termination signal.
	StateStopping
	// StateForceStopping means the child was sent SIGKILL.
	StateForceStopping
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateForceStopping:
		return "force-stopping"
	default:
		return "unknown"
	}
}

// IsLive returns true if a child process exists in this state.
func (s State) IsLive() bool {
	return s != StateAbsent
}

// IsStopping returns true if the supervisor has asked the child to terminate.
func (s State) IsStopping() bool {
	return s == StateStopping || s == StateForceStopping
}
