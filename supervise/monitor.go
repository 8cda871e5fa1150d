package supervise

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"git.unix.lgbt/diamondburned/supervise/supervise/internal/exec"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Monitor supervises a single command. All of its state is owned by the
// goroutine calling Run.
type Monitor struct {
	// Clock drives the grace and restart timers.
	Clock clockwork.Clock
	// Metrics is optional.
	Metrics *Metrics
	// Reloads optionally delivers reload requests, usually from a Watcher.
	// The received string names the source of the request.
	Reloads <-chan string

	cfg    Config
	j      Journaler
	status *StatusFile

	startProc func() (exec.Process, error)
	// exited receives children that have exited but are not reaped yet.
	exited chan exec.Process

	// states
	state   State
	child   exec.Process
	lastPID int
	grace   clockwork.Timer
	restart clockwork.Timer
	ctxDone <-chan struct{}
	done    bool
	code    int
}

// NewMonitor creates a monitor for the command in cfg. Nothing is started
// until Run is called.
func NewMonitor(cfg Config, j Journaler) *Monitor {
	argv := cfg.Argv
	opts := exec.Options{RedirectStderr: cfg.RedirectStderr}

	return &Monitor{
		Clock: clockwork.NewRealClock(),

		cfg:    cfg,
		j:      j,
		status: NewStatusFile(cfg.StatusPath(os.Getpid()), cfg.Service),
		exited: make(chan exec.Process, 1),

		startProc: func() (exec.Process, error) {
			return exec.StartProcess(argv, opts)
		},
	}
}

// StatusPath returns the path of the advisory status file.
func (m *Monitor) StatusPath() string {
	return m.status.Path()
}

// Run starts the child and supervises it until the supervisor is asked to
// stop or gives up on the child. It returns the status the process should exit
// with. Canceling ctx is the same as receiving SIGTERM.
func (m *Monitor) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT, unix.SIGHUP)
	defer signal.Stop(sigCh)

	return m.run(ctx, sigCh)
}

func (m *Monitor) run(ctx context.Context, sigs <-chan os.Signal) (code int) {
	m.j.Write(&EventStarting{
		Service: m.cfg.Service,
		Argv:    m.cfg.Argv,
	})

	// Every way out of the loop ends up here, including exits decided in the
	// middle of a handler.
	defer func() {
		m.stopTimers()
		m.retractStatus()
		m.j.Write(&EventExiting{Status: code})
	}()

	m.ctxDone = ctx.Done()
	m.spawn()

	for !m.done {
		m.step(sigs)
	}

	return m.code
}

// step waits for a single event and handles it to completion.
func (m *Monitor) step(sigs <-chan os.Signal) {
	// A dead child is reaped before any pending signal is forwarded to it.
	select {
	case p := <-m.exited:
		m.handleExit(p)
		return
	default:
	}

	select {
	case <-m.ctxDone:
		m.ctxDone = nil
		m.terminate()

	case sig := <-sigs:
		switch sig {
		case unix.SIGTERM, unix.SIGINT:
			m.terminate()
		case unix.SIGHUP:
			m.reload()
		}

	case p := <-m.exited:
		m.handleExit(p)

	case <-timerC(m.grace):
		m.grace = nil
		m.endGracePeriod()

	case <-timerC(m.restart):
		m.restart = nil
		m.spawn()

	case source := <-m.Reloads:
		m.j.Write(&EventReloadRequested{Source: source})
		m.reload()
	}
}

// spawn starts a new child.
func (m *Monitor) spawn() {
	p, err := m.startProc()
	if err != nil {
		var execErr *exec.ExecError
		if errors.As(err, &execErr) {
			m.j.Write(&EventExecFailed{
				Program: m.cfg.Program,
				Reason:  err.Error(),
			})
			// The command never ran, which counts as dying in startup.
			m.j.Write(&EventAbandoned{Program: m.cfg.Program})
			m.exit(DecisionAbandon.ExitStatus())
			return
		}

		// Not being able to fork is not the command's fault. Try again
		// later rather than giving up on supervising it.
		m.j.Write(&EventSpawnError{
			Program: m.cfg.Program,
			Reason:  err.Error(),
		})
		m.restart = m.Clock.NewTimer(m.cfg.RestartDelay)
		return
	}

	m.child = p
	m.setState(StateStarting)
	m.Metrics.spawned()

	m.j.Write(&EventSpawned{
		Program: m.cfg.Program,
		PID:     p.PID(),
		Restart: m.lastPID != 0,
	})

	if err := m.status.Publish(); err != nil {
		m.j.Write(&EventWarning{
			Component: "status",
			Error:     err.Error(),
		})
	}

	if m.grace != nil {
		m.grace.Stop()
	}
	m.grace = m.Clock.NewTimer(m.cfg.GracePeriod)

	go func() {
		// Errors surface again when the child is reaped.
		p.Wait()
		m.exited <- p
	}()
}

// reap records the death of the current child and returns the state it was
// in when it died.
func (m *Monitor) reap(status exec.ExitStatus) State {
	prev := m.state

	m.lastPID = status.PID
	m.child = nil
	m.setState(StateAbsent)

	switch status.Cause() {
	case exec.ExitNormal:
		m.Metrics.exited("exited")
		m.j.Write(&EventExited{
			Program:  m.cfg.Program,
			PID:      status.PID,
			ExitCode: status.Code(),
		})

	case exec.ExitSignaled:
		m.Metrics.exited("signaled")
		m.j.Write(&EventTerminated{
			Program:   m.cfg.Program,
			PID:       status.PID,
			Signal:    signalName(status.Signal()),
			ByMonitor: prev.IsStopping(),
		})

	default:
		reason := fmt.Sprintf("unknown wait status %#x", uint32(status.Status))
		if status.Error != nil {
			reason = status.Error.Error()
		}

		m.Metrics.exited("unknown")
		m.j.Write(&EventUnknownExit{
			Program: m.cfg.Program,
			PID:     status.PID,
			Reason:  reason,
		})
	}

	return prev
}

// handleExit reaps the child and applies the restart policy.
func (m *Monitor) handleExit(p exec.Process) {
	prev := m.reap(p.Reap())

	switch d := Decide(prev); d {
	case DecisionRestart:
		m.restart = m.Clock.NewTimer(m.cfg.RestartDelay)

	case DecisionAbandon:
		m.j.Write(&EventAbandoned{
			Program: m.cfg.Program,
			PID:     m.lastPID,
		})
		m.exit(d.ExitStatus())

	default:
		m.exit(d.ExitStatus())
	}
}

// terminate asks the child to stop, escalating to SIGKILL if it was already
// asked to.
func (m *Monitor) terminate() {
	sig := unix.SIGTERM
	if m.state.IsStopping() {
		sig = unix.SIGKILL
	}

	m.signalChild(sig)
}

// reload forwards SIGHUP to the child. A reload never leaves the supervisor
// stopping the child, even if a stop was in progress.
func (m *Monitor) reload() {
	m.signalChild(unix.SIGHUP)

	if !m.done && m.state.IsLive() {
		m.setState(StateRunning)
	}
}

// signalChild ends the grace period and sends sig to the child. If there is no
// child, the supervisor exits with status 0.
func (m *Monitor) signalChild(sig unix.Signal) {
	m.endGracePeriod()

	if m.child == nil {
		m.exit(0)
		return
	}

	pid := m.child.PID()
	name := signalName(sig)

	if err := m.child.Signal(sig); err != nil && !errors.Is(err, unix.ESRCH) {
		m.j.Write(&EventSignalError{
			Program: m.cfg.Program,
			PID:     pid,
			Signal:  name,
			Error:   err.Error(),
		})
		m.exit(1)
		return
	}

	m.Metrics.signaled(name)
	m.j.Write(&EventSignaled{
		Program: m.cfg.Program,
		PID:     pid,
		Signal:  name,
	})

	switch sig {
	case unix.SIGHUP:
	case unix.SIGKILL:
		m.setState(StateForceStopping)
	default:
		m.setState(StateStopping)
	}
}

// endGracePeriod disarms the grace timer and removes the status file.
func (m *Monitor) endGracePeriod() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}

	if m.state == StateStarting {
		m.setState(StateRunning)
	}

	m.retractStatus()
}

func (m *Monitor) retractStatus() {
	if err := m.status.Retract(); err != nil {
		m.j.Write(&EventWarning{
			Component: "status",
			Error:     err.Error(),
		})
	}
}

func (m *Monitor) stopTimers() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
}

func (m *Monitor) setState(st State) {
	m.state = st
	m.Metrics.setState(st)
}

func (m *Monitor) exit(code int) {
	m.done = true
	m.code = code
}

func timerC(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func signalName(sig unix.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
