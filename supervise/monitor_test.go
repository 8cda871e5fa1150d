package supervise

import (
	"context"
	"os"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/supervise/supervise/internal/exec"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const program = "daemon"

type testMonitor struct {
	*Monitor
	t     *testing.T
	clock clockwork.FakeClock
	j     *mockJournal
	sigs  chan os.Signal

	// startErrs are returned by the next spawns, in order, before any
	// process is started.
	startErrs []error
	procs     []*exec.FakeProcess
	spawned   chan *exec.FakeProcess
}

func newTestMonitor(t *testing.T) *testMonitor {
	cfg := NewConfig([]string{"/usr/sbin/" + program, "-f"})
	cfg.StatusDir = t.TempDir()

	tm := &testMonitor{
		t:       t,
		clock:   clockwork.NewFakeClock(),
		j:       &mockJournal{},
		sigs:    make(chan os.Signal, 4),
		spawned: make(chan *exec.FakeProcess, 16),
	}

	tm.Monitor = NewMonitor(cfg, tm.j)
	tm.Monitor.Clock = tm.clock
	tm.Monitor.startProc = func() (exec.Process, error) {
		if len(tm.startErrs) > 0 {
			err := tm.startErrs[0]
			tm.startErrs = tm.startErrs[1:]
			return nil, err
		}

		p := exec.NewFakeProcess(100 + len(tm.procs))
		tm.procs = append(tm.procs, p)
		tm.spawned <- p
		return p, nil
	}

	return tm
}

// child returns the most recently spawned process.
func (tm *testMonitor) child() *exec.FakeProcess {
	tm.t.Helper()
	require.NotEmpty(tm.t, tm.procs, "no process spawned")
	return tm.procs[len(tm.procs)-1]
}

// step handles exactly one event, failing the test if none arrives.
func (tm *testMonitor) step() {
	tm.t.Helper()

	done := make(chan struct{})
	go func() {
		tm.Monitor.step(tm.sigs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		tm.t.Fatal("monitor did not handle an event")
	}
}

func (tm *testMonitor) signal(sig os.Signal) {
	tm.t.Helper()
	tm.sigs <- sig
	tm.step()
}

func (tm *testMonitor) exitChild(status unix.WaitStatus) {
	tm.t.Helper()
	tm.child().Exit(status)
	tm.step()
}

// advance moves the fake clock and handles the timer that fires.
func (tm *testMonitor) advance(d time.Duration) {
	tm.t.Helper()
	tm.clock.Advance(d)
	tm.step()
}

func (tm *testMonitor) statusExists() bool {
	_, err := os.Stat(tm.StatusPath())
	return err == nil
}

// restartPending reports whether the restart timer is armed but has not fired.
func (tm *testMonitor) restartPending() bool {
	return tm.restart != nil && len(tm.restart.Chan()) == 0
}

func TestMonitorRestartsAfterGrace(t *testing.T) {
	tm := newTestMonitor(t)
	tm.spawn()
	tm.advance(DefaultGracePeriod)

	const exits = 4

	for i := 0; i < exits; i++ {
		tm.clock.Advance(time.Hour)
		tm.exitChild(exec.ExitedStatus(1))

		assert.Equal(t, StateAbsent, tm.state)
		assert.False(t, tm.done, "supervisor exited after a late death")
		assert.True(t, tm.restartPending())

		tm.advance(DefaultRestartDelay)
		require.Equal(t, StateStarting, tm.state)

		tm.advance(DefaultGracePeriod)
		require.Equal(t, StateRunning, tm.state)
	}

	assert.Len(t, tm.procs, exits+1)

	expect := []Event{&EventSpawned{Program: program, PID: 100}}
	for i := 0; i < exits; i++ {
		expect = append(expect,
			&EventExited{Program: program, PID: 100 + i, ExitCode: 1},
			&EventSpawned{Program: program, PID: 101 + i, Restart: true},
		)
	}

	tm.j.Verify(t, true, expect)
}

func TestMonitorInfantDeath(t *testing.T) {
	tests := []struct {
		name   string
		status unix.WaitStatus
		event  Event
	}{
		{
			name:   "exit 0",
			status: exec.ExitedStatus(0),
			event:  &EventExited{Program: program, PID: 100, ExitCode: 0},
		},
		{
			name:   "exit 3",
			status: exec.ExitedStatus(3),
			event:  &EventExited{Program: program, PID: 100, ExitCode: 3},
		},
		{
			name:   "segfault",
			status: exec.SignaledStatus(unix.SIGSEGV),
			event:  &EventTerminated{Program: program, PID: 100, Signal: "SIGSEGV"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tm := newTestMonitor(t)
			tm.spawn()

			tm.clock.Advance(DefaultGracePeriod - time.Second)
			tm.exitChild(test.status)

			assert.True(t, tm.done)
			assert.Equal(t, 1, tm.code)
			assert.Nil(t, tm.restart, "restart scheduled after infant death")
			assert.Len(t, tm.procs, 1)

			tm.j.Verify(t, true, []Event{
				&EventSpawned{Program: program, PID: 100},
				test.event,
				&EventAbandoned{Program: program, PID: 100},
			})
		})
	}
}

func TestMonitorTerminate(t *testing.T) {
	for _, sig := range []os.Signal{unix.SIGTERM, unix.SIGINT} {
		t.Run(unix.SignalName(sig.(unix.Signal)), func(t *testing.T) {
			tm := newTestMonitor(t)
			tm.spawn()
			p := tm.child()

			tm.signal(sig)
			assert.Equal(t, []unix.Signal{unix.SIGTERM}, p.Signals())
			assert.Equal(t, StateStopping, tm.state)
			assert.False(t, tm.done)

			tm.signal(sig)
			assert.Equal(t, []unix.Signal{unix.SIGTERM, unix.SIGKILL}, p.Signals())
			assert.Equal(t, StateForceStopping, tm.state)

			// Escalation never regresses.
			tm.signal(sig)
			assert.Equal(t, []unix.Signal{unix.SIGTERM, unix.SIGKILL, unix.SIGKILL}, p.Signals())

			tm.exitChild(exec.SignaledStatus(unix.SIGKILL))
			assert.True(t, tm.done)
			assert.Equal(t, 0, tm.code)
			assert.Len(t, tm.procs, 1)

			tm.j.Verify(t, true, []Event{
				&EventSpawned{Program: program, PID: 100},
				&EventSignaled{Program: program, PID: 100, Signal: "SIGTERM"},
				&EventSignaled{Program: program, PID: 100, Signal: "SIGKILL"},
				&EventSignaled{Program: program, PID: 100, Signal: "SIGKILL"},
				&EventTerminated{Program: program, PID: 100, Signal: "SIGKILL", ByMonitor: true},
			})
		})
	}
}

func TestMonitorTerminateNoChild(t *testing.T) {
	tm := newTestMonitor(t)
	tm.spawn()
	tm.advance(DefaultGracePeriod)
	p := tm.child()

	// The child dies on its own; a terminate during the restart delay has
	// nothing to wait for.
	tm.exitChild(exec.ExitedStatus(2))
	require.True(t, tm.restartPending())

	tm.signal(unix.SIGTERM)
	assert.True(t, tm.done)
	assert.Equal(t, 0, tm.code)
	assert.Empty(t, p.Signals(), "signal sent to a reaped child")
	assert.Len(t, tm.procs, 1)
}

func TestMonitorTerminateGoneChild(t *testing.T) {
	tm := newTestMonitor(t)
	tm.spawn()
	p := tm.child()
	p.FailSignals(unix.ESRCH)

	tm.signal(unix.SIGTERM)
	assert.False(t, tm.done, "ESRCH must be treated as success")
	assert.Equal(t, StateStopping, tm.state)

	tm.exitChild(exec.ExitedStatus(0))
	assert.True(t, tm.done)
	assert.Equal(t, 0, tm.code)
}

func TestMonitorSignalAfterExit(t *testing.T) {
	for _, sig := range []os.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGHUP} {
		t.Run(unix.SignalName(sig.(unix.Signal)), func(t *testing.T) {
			tm := newTestMonitor(t)
			tm.spawn()
			tm.advance(DefaultGracePeriod)
			p := tm.child()

			// The exit and the signal are both pending when the loop wakes.
			p.Exit(exec.ExitedStatus(1))
			require.Eventually(t, func() bool { return len(tm.exited) == 1 },
				5*time.Second, time.Millisecond)
			tm.sigs <- sig

			tm.step()
			assert.True(t, p.Reaped())
			assert.Equal(t, StateAbsent, tm.state)
			assert.False(t, tm.done)

			tm.step()
			assert.True(t, tm.done)
			assert.Equal(t, 0, tm.code)
			assert.Empty(t, p.Signals(), "signal sent to a reaped child")
			assert.Zero(t, tm.j.Count(&EventSignaled{}))
		})
	}
}

func TestMonitorSignalError(t *testing.T) {
	tm := newTestMonitor(t)
	tm.spawn()
	tm.child().FailSignals(unix.EPERM)

	tm.signal(unix.SIGTERM)
	assert.True(t, tm.done)
	assert.Equal(t, 1, tm.code)

	tm.j.Verify(t, true, []Event{
		&EventSpawned{Program: program, PID: 100},
		&EventSignalError{
			Program: program,
			PID:     100,
			Signal:  "SIGTERM",
			Error:   unix.EPERM.Error(),
		},
	})
}

func TestMonitorReload(t *testing.T) {
	t.Run("restart after death", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.spawn()
		tm.advance(DefaultGracePeriod)
		p := tm.child()

		tm.signal(unix.SIGHUP)
		assert.Equal(t, []unix.Signal{unix.SIGHUP}, p.Signals())
		assert.Equal(t, StateRunning, tm.state)

		// An unprepared child dies from SIGHUP and simply gets restarted.
		tm.exitChild(exec.SignaledStatus(unix.SIGHUP))
		assert.False(t, tm.done)
		assert.True(t, tm.restartPending())

		tm.advance(DefaultRestartDelay)
		assert.Len(t, tm.procs, 2)

		tm.j.Verify(t, true, []Event{
			&EventSpawned{Program: program, PID: 100},
			&EventSignaled{Program: program, PID: 100, Signal: "SIGHUP"},
			&EventTerminated{Program: program, PID: 100, Signal: "SIGHUP"},
			&EventSpawned{Program: program, PID: 101, Restart: true},
		})
	})

	t.Run("ends grace period", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.spawn()
		require.True(t, tm.statusExists())

		tm.signal(unix.SIGHUP)
		assert.Equal(t, StateRunning, tm.state)
		assert.False(t, tm.statusExists())
		assert.Nil(t, tm.grace)

		// Dying right after a reload is not an infant death.
		tm.exitChild(exec.SignaledStatus(unix.SIGHUP))
		assert.False(t, tm.done)
		assert.True(t, tm.restartPending())
	})

	t.Run("cancels stopping", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.spawn()
		p := tm.child()

		tm.signal(unix.SIGTERM)
		require.Equal(t, StateStopping, tm.state)

		// Reload is never escalated and clears the stop.
		tm.signal(unix.SIGHUP)
		assert.Equal(t, StateRunning, tm.state)

		tm.signal(unix.SIGTERM)
		assert.Equal(t, []unix.Signal{unix.SIGTERM, unix.SIGHUP, unix.SIGTERM}, p.Signals())
	})

	t.Run("no child", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.spawn()
		tm.advance(DefaultGracePeriod)
		tm.exitChild(exec.ExitedStatus(1))

		tm.signal(unix.SIGHUP)
		assert.True(t, tm.done)
		assert.Equal(t, 0, tm.code)
	})

	t.Run("watcher", func(t *testing.T) {
		reloads := make(chan string, 1)

		tm := newTestMonitor(t)
		tm.Reloads = reloads
		tm.spawn()
		p := tm.child()

		reloads <- "/etc/daemon.conf"
		tm.step()

		assert.Equal(t, []unix.Signal{unix.SIGHUP}, p.Signals())
		assert.Equal(t, StateRunning, tm.state)

		tm.j.Verify(t, true, []Event{
			&EventSpawned{Program: program, PID: 100},
			&EventReloadRequested{Source: "/etc/daemon.conf"},
			&EventSignaled{Program: program, PID: 100, Signal: "SIGHUP"},
		})
	})
}

func TestMonitorStatusFile(t *testing.T) {
	t.Run("grace timer", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.spawn()

		b, err := os.ReadFile(tm.StatusPath())
		require.NoError(t, err)
		assert.Equal(t, "CAUTION: daemon uptime < 1 minute.\n", string(b))

		tm.clock.Advance(DefaultGracePeriod - time.Millisecond)
		assert.True(t, tm.statusExists())
		assert.Equal(t, StateStarting, tm.state)

		tm.advance(time.Millisecond)
		assert.False(t, tm.statusExists())
		assert.Equal(t, StateRunning, tm.state)

		tm.clock.Advance(time.Hour)
		assert.False(t, tm.statusExists())
	})

	t.Run("early terminate", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.spawn()
		require.True(t, tm.statusExists())

		tm.signal(unix.SIGTERM)
		assert.False(t, tm.statusExists())
		assert.Nil(t, tm.grace)

		tm.clock.Advance(DefaultGracePeriod)
		assert.False(t, tm.statusExists())
	})

	t.Run("write failure", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.status = NewStatusFile("/nonexistent/dir/daemon.1.status", program)
		tm.spawn()

		assert.Equal(t, StateStarting, tm.state, "status failure must not be fatal")
		assert.Equal(t, 1, tm.j.Count(&EventWarning{}))
	})
}

func TestMonitorSpawnError(t *testing.T) {
	t.Run("fork", func(t *testing.T) {
		tm := newTestMonitor(t)
		tm.startErrs = []error{errors.Wrap(unix.EAGAIN, "failed to fork")}

		tm.spawn()
		assert.False(t, tm.done)
		assert.Equal(t, StateAbsent, tm.state)
		assert.True(t, tm.restartPending())

		tm.advance(DefaultRestartDelay)
		assert.Equal(t, StateStarting, tm.state)

		tm.j.Verify(t, true, []Event{
			&EventSpawnError{Program: program, Reason: "failed to fork: resource temporarily unavailable"},
			&EventSpawned{Program: program, PID: 100},
		})
	})

	t.Run("exec", func(t *testing.T) {
		tm := newTestMonitor(t)
		execErr := &exec.ExecError{Path: "/usr/sbin/daemon", Err: unix.ENOENT}
		tm.startErrs = []error{execErr}

		tm.spawn()
		assert.True(t, tm.done)
		assert.Equal(t, 1, tm.code)

		tm.j.Verify(t, true, []Event{
			&EventExecFailed{Program: program, Reason: execErr.Error()},
			&EventAbandoned{Program: program},
		})
	})
}

// Spawn at t=0, no signals, the child exits with status 3 at t=90s.
func TestMonitorLateExitScenario(t *testing.T) {
	tm := newTestMonitor(t)
	tm.spawn()
	require.True(t, tm.statusExists())

	tm.advance(60 * time.Second)
	require.False(t, tm.statusExists())

	tm.clock.Advance(30 * time.Second)
	tm.exitChild(exec.ExitedStatus(3))
	assert.Equal(t, 1, tm.j.Count(&EventExited{}))

	tm.clock.Advance(2*time.Second - time.Millisecond)
	assert.True(t, tm.restartPending(), "restarted before the restart delay")
	assert.Len(t, tm.procs, 1)

	tm.advance(time.Millisecond)
	assert.Len(t, tm.procs, 2)
	assert.True(t, tm.statusExists())

	remaining := tm.j.Verify(t, false, []Event{
		&EventSpawned{Program: program, PID: 100},
		&EventExited{Program: program, PID: 100, ExitCode: 3},
		&EventSpawned{Program: program, PID: 101, Restart: true},
	})
	assert.Empty(t, remaining)

	ev := &EventExited{Program: program, PID: 100, ExitCode: 3}
	assert.Equal(t, SeverityError, ev.Severity())
	assert.Equal(t, "daemon[100] exited status 3", ev.Message())
}

// Spawn at t=0, terminate at t=5s, the child dies from it at t=6s.
func TestMonitorTerminateScenario(t *testing.T) {
	tm := newTestMonitor(t)

	code := make(chan int, 1)
	go func() { code <- tm.run(context.Background(), tm.sigs) }()

	var p *exec.FakeProcess
	select {
	case p = <-tm.spawned:
	case <-time.After(5 * time.Second):
		t.Fatal("child not spawned")
	}

	tm.clock.BlockUntil(1) // grace timer
	tm.clock.Advance(5 * time.Second)
	tm.sigs <- unix.SIGTERM

	require.Eventually(t, func() bool { return len(p.Signals()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []unix.Signal{unix.SIGTERM}, p.Signals())

	tm.clock.Advance(time.Second)
	p.Exit(exec.SignaledStatus(unix.SIGTERM))

	select {
	case c := <-code:
		assert.Equal(t, 0, c)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit")
	}

	assert.Empty(t, tm.spawned, "child restarted after terminate")
	assert.False(t, tm.statusExists())

	tm.j.Verify(t, true, []Event{
		&EventStarting{Service: program, Argv: []string{"/usr/sbin/daemon", "-f"}},
		&EventSpawned{Program: program, PID: 100},
		&EventSignaled{Program: program, PID: 100, Signal: "SIGTERM"},
		&EventTerminated{Program: program, PID: 100, Signal: "SIGTERM", ByMonitor: true},
		&EventExiting{Status: 0},
	})
}

func TestMonitorContextCancel(t *testing.T) {
	tm := newTestMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())

	code := make(chan int, 1)
	go func() { code <- tm.run(ctx, nil) }()

	p := <-tm.spawned
	cancel()

	require.Eventually(t, func() bool { return len(p.Signals()) == 1 }, 5*time.Second, time.Millisecond)
	p.Exit(exec.SignaledStatus(unix.SIGTERM))

	select {
	case c := <-code:
		assert.Equal(t, 0, c)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit")
	}
}

func TestMonitorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg, program)
	require.NoError(t, err)

	tm := newTestMonitor(t)
	tm.Metrics = metrics

	tm.spawn()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.spawns))
	assert.Equal(t, float64(StateStarting), testutil.ToFloat64(metrics.state))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.up))

	tm.advance(DefaultGracePeriod)
	tm.exitChild(exec.ExitedStatus(1))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.exits.WithLabelValues("exited")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.up))

	tm.advance(DefaultRestartDelay)
	tm.signal(unix.SIGTERM)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.spawns))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.signals.WithLabelValues("SIGTERM")))
	assert.Equal(t, float64(StateStopping), testutil.ToFloat64(metrics.state))

	// Registering twice into the same registry fails.
	_, err = NewMetrics(reg, program)
	assert.Error(t, err)
}
