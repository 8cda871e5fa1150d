package journal

import (
	"log/syslog"

	"git.unix.lgbt/diamondburned/supervise/supervise"
	"github.com/pkg/errors"
)

// SyslogWriter writes events to the system logger with the daemon facility.
// The syslog package tags every message with the process ID.
type SyslogWriter struct {
	w *syslog.Writer
}

var _ supervise.Journaler = (*SyslogWriter)(nil)

// NewSyslogWriter connects to the local system logger. Messages are tagged
// with tag, usually the service name.
func NewSyslogWriter(tag string) (*SyslogWriter, error) {
	w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to syslog")
	}

	return &SyslogWriter{w}, nil
}

// Write sends the event's message with the priority matching its severity.
func (s *SyslogWriter) Write(ev supervise.Event) error {
	msg := ev.Message()

	var err error

	switch ev.Severity() {
	case supervise.SeverityCritical:
		err = s.w.Crit(msg)
	case supervise.SeverityError:
		err = s.w.Err(msg)
	case supervise.SeverityWarning:
		err = s.w.Warning(msg)
	default:
		err = s.w.Notice(msg)
	}

	if err != nil {
		return errors.Wrap(err, "failed to write to syslog")
	}

	return nil
}

// Close closes the connection to the system logger.
func (s *SyslogWriter) Close() error {
	return s.w.Close()
}
