package exec

import (
	"sync"

	"golang.org/x/sys/unix"
)

// FakeProcess is a process that only exists in memory. It is used for
// testing. It never exits on its own; signals are recorded and the test
// decides when and how the process dies by calling Exit.
type FakeProcess struct {
	pid  int
	once sync.Once
	stop chan struct{}

	mu        sync.Mutex
	signals   []unix.Signal
	signalErr error
	status    unix.WaitStatus
	reaped    bool
}

var _ Process = (*FakeProcess)(nil)

// NewFakeProcess creates a live fake process with the given PID.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{
		pid:  pid,
		stop: make(chan struct{}),
	}
}

func (fake *FakeProcess) PID() int { return fake.pid }

// Signal records sig. It returns the error set by FailSignals, if any, or
// ESRCH once the process has been reaped.
func (fake *FakeProcess) Signal(sig unix.Signal) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	if fake.reaped {
		return unix.ESRCH
	}
	if fake.signalErr != nil {
		return fake.signalErr
	}

	fake.signals = append(fake.signals, sig)
	return nil
}

// FailSignals makes every future Signal call return err.
func (fake *FakeProcess) FailSignals(err error) {
	fake.mu.Lock()
	fake.signalErr = err
	fake.mu.Unlock()
}

// Signals returns a copy of the signals received so far.
func (fake *FakeProcess) Signals() []unix.Signal {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	return append([]unix.Signal(nil), fake.signals...)
}

// Exit makes Wait return and sets the status returned by Reap. Only the first
// call has any effect.
func (fake *FakeProcess) Exit(status unix.WaitStatus) {
	fake.once.Do(func() {
		fake.mu.Lock()
		fake.status = status
		fake.mu.Unlock()

		close(fake.stop)
	})
}

func (fake *FakeProcess) Wait() error {
	<-fake.stop
	return nil
}

func (fake *FakeProcess) Reap() ExitStatus {
	<-fake.stop

	fake.mu.Lock()
	defer fake.mu.Unlock()

	fake.reaped = true
	return ExitStatus{PID: fake.pid, Status: fake.status}
}

// Reaped reports whether Reap has been called.
func (fake *FakeProcess) Reaped() bool {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	return fake.reaped
}
