// Package exec provides an abstraction around starting and reaping the
// supervised child for easier testing.
package exec

import (
	"fmt"
	"os"
	osexec "os/exec"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a started child process.
type Process interface {
	PID() int
	Signal(unix.Signal) error
	// Wait blocks until the process exits but leaves it unreaped, so its PID
	// cannot be reused and signals to it stay harmless until Reap is called.
	Wait() error
	// Reap collects the exit status, blocking until the process exits. It is
	// safe to call more than once; later calls return the same status.
	Reap() ExitStatus
}

// ExitCause classifies how a process ended.
type ExitCause uint8

const (
	ExitUnknown ExitCause = iota
	ExitNormal
	ExitSignaled
)

// ExitStatus is a process' exit status.
type ExitStatus struct {
	PID    int
	Status unix.WaitStatus
	Error  error // non-nil if the status could not be collected
}

// Cause classifies the exit status.
func (s ExitStatus) Cause() ExitCause {
	switch {
	case s.Error != nil:
		return ExitUnknown
	case s.Status.Exited():
		return ExitNormal
	case s.Status.Signaled():
		return ExitSignaled
	default:
		return ExitUnknown
	}
}

// Code returns the exit code, or -1 if the process did not exit normally.
func (s ExitStatus) Code() int {
	if s.Cause() != ExitNormal {
		return -1
	}
	return s.Status.ExitStatus()
}

// Signal returns the terminating signal, or 0 if the process was not killed
// by a signal.
func (s ExitStatus) Signal() unix.Signal {
	if s.Cause() != ExitSignaled {
		return 0
	}
	return s.Status.Signal()
}

// ExitedStatus builds the wait status of a process that exited with code.
func ExitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus((code & 0xff) << 8)
}

// SignaledStatus builds the wait status of a process killed by sig.
func SignaledStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(sig & 0x7f)
}

// ExecError is returned by StartProcess when the program itself could not be
// executed. Other errors are failures to create the process at all and may go
// away on a retry.
type ExecError struct {
	Path string
	Err  error
}

func (err *ExecError) Error() string {
	return fmt.Sprintf("exec %s: %v", err.Path, err.Err)
}

func (err *ExecError) Unwrap() error { return err.Err }

// Options controls how StartProcess sets up the child.
type Options struct {
	// RedirectStderr makes the child's stderr the same file as its stdout.
	// The caller's own stderr is untouched, so errors about starting the
	// child still go to the original stream.
	RedirectStderr bool
	// Stdin, Stdout and Stderr default to the caller's standard files.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

type process struct {
	pid    int
	once   sync.Once
	status ExitStatus
}

var _ Process = (*process)(nil)

// StartProcess starts argv, searching PATH for argv[0] if it does not contain
// a slash.
func StartProcess(argv []string, opts Options) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	path, err := osexec.LookPath(argv[0])
	if err != nil {
		return nil, &ExecError{Path: argv[0], Err: err}
	}

	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if opts.RedirectStderr {
		stderr = stdout
	}

	p, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{stdin, stdout, stderr},
	})
	if err != nil {
		if isForkError(err) {
			return nil, errors.Wrap(err, "failed to fork")
		}
		return nil, &ExecError{Path: path, Err: err}
	}

	pid := p.Pid

	// The child is reaped with wait4 below, so drop the runtime's handle to
	// avoid leaking it across generations.
	p.Release()

	return &process{pid: pid}, nil
}

// isForkError reports whether err is a resource shortage while creating the
// process rather than a problem with the program being executed.
func isForkError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMEM)
}

func (proc *process) PID() int { return proc.pid }

// Signal sends sig to the process. An ESRCH error is returned as-is if the
// process has been reaped.
func (proc *process) Signal(sig unix.Signal) error {
	return unix.Kill(proc.pid, sig)
}

// Wait waits for the process to exit without reaping it, retrying if
// interrupted by a signal.
func (proc *process) Wait() error {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, proc.pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "waitid")
		}
		return nil
	}
}

// Reap waits for the process to exit and releases its PID.
func (proc *process) Reap() ExitStatus {
	proc.once.Do(func() {
		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(proc.pid, &ws, 0, nil)
			if err == unix.EINTR {
				continue
			}

			proc.status = ExitStatus{PID: proc.pid, Status: ws}
			if err != nil {
				proc.status.Error = errors.Wrap(err, "wait4")
			}

			return
		}
	})

	return proc.status
}
