package supervise

import "fmt"

// eventType describes an event type.
type eventType = string

const (
	eventStarting      eventType = "starting"
	eventSpawned       eventType = "process spawned"
	eventSpawnError    eventType = "process spawn error"
	eventExecFailed    eventType = "process exec failed"
	eventExited        eventType = "process exited"
	eventTerminated    eventType = "process terminated"
	eventUnknownExit   eventType = "process unknown exit"
	eventAbandoned     eventType = "process abandoned"
	eventSignaled      eventType = "process signaled"
	eventSignalError   eventType = "process signal error"
	eventReloadRequest eventType = "reload requested"
	eventWarning       eventType = "warning"
	eventExiting       eventType = "exiting"
)

// Severity is the importance of an event. It maps onto syslog priorities.
type Severity int

const (
	SeverityNotice Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNotice:
		return "notice"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Event is an interface describing known events.
type Event interface {
	Type() string
	Severity() Severity
	// Message formats the event as a single line for humans and syslog.
	Message() string
	event()
}

// NewEvent creates a new event from the given event type. It is used primarily
// for decoding events from its type. Nil is returned if the event type is
// unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventStarting:
		return &EventStarting{}
	case eventSpawned:
		return &EventSpawned{}
	case eventSpawnError:
		return &EventSpawnError{}
	case eventExecFailed:
		return &EventExecFailed{}
	case eventExited:
		return &EventExited{}
	case eventTerminated:
		return &EventTerminated{}
	case eventUnknownExit:
		return &EventUnknownExit{}
	case eventAbandoned:
		return &EventAbandoned{}
	case eventSignaled:
		return &EventSignaled{}
	case eventSignalError:
		return &EventSignalError{}
	case eventReloadRequest:
		return &EventReloadRequested{}
	case eventWarning:
		return &EventWarning{}
	case eventExiting:
		return &EventExiting{}
	default:
		return nil
	}
}

// EventStarting is emitted once when the supervisor starts.
type EventStarting struct {
	Service string   `json:"service"`
	Argv    []string `json:"argv"`
}

func (ev *EventStarting) Type() string       { return eventStarting }
func (ev *EventStarting) Severity() Severity { return SeverityNotice }
func (ev *EventStarting) Message() string    { return "starting" }
func (ev *EventStarting) event()             {}

// EventSpawned is emitted when a child has been started. Restart is true for
// every child but the first.
type EventSpawned struct {
	Program string `json:"program"`
	PID     int    `json:"pid"`
	Restart bool   `json:"restart,omitempty"`
}

func (ev *EventSpawned) Type() string       { return eventSpawned }
func (ev *EventSpawned) Severity() Severity { return SeverityNotice }
func (ev *EventSpawned) event()             {}

func (ev *EventSpawned) Message() string {
	if ev.Restart {
		return fmt.Sprintf("%s[%d] restarted", ev.Program, ev.PID)
	}
	return fmt.Sprintf("%s[%d] started", ev.Program, ev.PID)
}

// EventSpawnError is emitted when a child could not be created at all, for
// example because the process table is full. The spawn is retried.
type EventSpawnError struct {
	Program string `json:"program"`
	Reason  string `json:"reason"`
}

func (ev *EventSpawnError) Type() string       { return eventSpawnError }
func (ev *EventSpawnError) Severity() Severity { return SeverityError }
func (ev *EventSpawnError) event()             {}

func (ev *EventSpawnError) Message() string {
	return fmt.Sprintf("%s: spawn failed: %s", ev.Program, ev.Reason)
}

// EventExecFailed is emitted when the command could not be executed. The
// supervisor gives up afterwards.
type EventExecFailed struct {
	Program string `json:"program"`
	Reason  string `json:"reason"`
}

func (ev *EventExecFailed) Type() string       { return eventExecFailed }
func (ev *EventExecFailed) Severity() Severity { return SeverityCritical }
func (ev *EventExecFailed) event()             {}

func (ev *EventExecFailed) Message() string {
	return fmt.Sprintf("Exec failed: %s", ev.Reason)
}

// EventExited is emitted when the child exited on its own with a status code.
type EventExited struct {
	Program  string `json:"program"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
}

func (ev *EventExited) Type() string       { return eventExited }
func (ev *EventExited) Severity() Severity { return SeverityError }
func (ev *EventExited) event()             {}

func (ev *EventExited) Message() string {
	return fmt.Sprintf("%s[%d] exited status %d", ev.Program, ev.PID, ev.ExitCode)
}

// EventTerminated is emitted when the child was killed by a signal. ByMonitor
// is true if the supervisor was stopping the child at the time.
type EventTerminated struct {
	Program   string `json:"program"`
	PID       int    `json:"pid"`
	Signal    string `json:"signal"`
	ByMonitor bool   `json:"by_monitor,omitempty"`
}

func (ev *EventTerminated) Type() string { return eventTerminated }
func (ev *EventTerminated) event()       {}

func (ev *EventTerminated) Severity() Severity {
	if ev.ByMonitor {
		return SeverityNotice
	}
	return SeverityError
}

func (ev *EventTerminated) Message() string {
	if ev.ByMonitor {
		return fmt.Sprintf("%s[%d] terminated by monitor %s", ev.Program, ev.PID, ev.Signal)
	}
	return fmt.Sprintf("%s[%d] terminated by %s", ev.Program, ev.PID, ev.Signal)
}

// EventUnknownExit is emitted when the child's wait status could not be
// classified.
type EventUnknownExit struct {
	Program string `json:"program"`
	PID     int    `json:"pid"`
	Reason  string `json:"reason"`
}

func (ev *EventUnknownExit) Type() string       { return eventUnknownExit }
func (ev *EventUnknownExit) Severity() Severity { return SeverityError }
func (ev *EventUnknownExit) event()             {}

func (ev *EventUnknownExit) Message() string {
	return fmt.Sprintf("%s[%d] exited: %s", ev.Program, ev.PID, ev.Reason)
}

// EventAbandoned is emitted when the child died during its grace period
// without being signaled. The supervisor exits afterwards. PID is 0 if the
// command could not be executed at all.
type EventAbandoned struct {
	Program string `json:"program"`
	PID     int    `json:"pid,omitempty"`
}

func (ev *EventAbandoned) Type() string       { return eventAbandoned }
func (ev *EventAbandoned) Severity() Severity { return SeverityCritical }
func (ev *EventAbandoned) event()             {}

func (ev *EventAbandoned) Message() string {
	if ev.PID == 0 {
		return ev.Program + " died in startup, abandoning"
	}
	return fmt.Sprintf("%s[%d] died in startup, abandoning", ev.Program, ev.PID)
}

// EventSignaled is emitted when the supervisor sent the child a signal.
type EventSignaled struct {
	Program string `json:"program"`
	PID     int    `json:"pid"`
	Signal  string `json:"signal"`
}

func (ev *EventSignaled) Type() string       { return eventSignaled }
func (ev *EventSignaled) Severity() Severity { return SeverityNotice }
func (ev *EventSignaled) event()             {}

func (ev *EventSignaled) Message() string {
	return fmt.Sprintf("sending %s to %s[%d]", ev.Signal, ev.Program, ev.PID)
}

// EventSignalError is emitted when a signal could not be delivered to a child
// that still exists. The supervisor exits afterwards.
type EventSignalError struct {
	Program string `json:"program"`
	PID     int    `json:"pid"`
	Signal  string `json:"signal"`
	Error   string `json:"error"`
}

func (ev *EventSignalError) Type() string       { return eventSignalError }
func (ev *EventSignalError) Severity() Severity { return SeverityError }
func (ev *EventSignalError) event()             {}

func (ev *EventSignalError) Message() string {
	return fmt.Sprintf("kill %s[%d] with %s: %s", ev.Program, ev.PID, ev.Signal, ev.Error)
}

// EventReloadRequested is emitted when a reload is requested by something
// other than SIGHUP, such as a watched file changing.
type EventReloadRequested struct {
	Source string `json:"source"`
}

func (ev *EventReloadRequested) Type() string       { return eventReloadRequest }
func (ev *EventReloadRequested) Severity() Severity { return SeverityNotice }
func (ev *EventReloadRequested) event()             {}

func (ev *EventReloadRequested) Message() string {
	return fmt.Sprintf("reload requested by %s", ev.Source)
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string       { return eventWarning }
func (ev *EventWarning) Severity() Severity { return SeverityWarning }
func (ev *EventWarning) event()             {}

func (ev *EventWarning) Message() string {
	return fmt.Sprintf("%s: %s", ev.Component, ev.Error)
}

// EventExiting is the last event written by the supervisor.
type EventExiting struct {
	Status int `json:"status"`
}

func (ev *EventExiting) Type() string       { return eventExiting }
func (ev *EventExiting) Severity() Severity { return SeverityNotice }
func (ev *EventExiting) event()             {}

func (ev *EventExiting) Message() string {
	return fmt.Sprintf("exiting status %d", ev.Status)
}
