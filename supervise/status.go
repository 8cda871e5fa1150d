package supervise

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// StatusFile is the advisory status file of a supervisor. It only exists while
// the child is inside its grace period. Nothing reads it back; it is meant for
// operators and scripts peeking at the status directory.
type StatusFile struct {
	path    string
	service string
}

// NewStatusFile creates a status file handle. Nothing is written until Publish.
func NewStatusFile(path, service string) *StatusFile {
	return &StatusFile{path: path, service: service}
}

// Path returns the path of the status file.
func (s *StatusFile) Path() string { return s.path }

// Publish (over)writes the status file with a caution message.
func (s *StatusFile) Publish() error {
	msg := fmt.Sprintf("CAUTION: %s uptime < 1 minute.\n", s.service)

	if err := os.WriteFile(s.path, []byte(msg), 0644); err != nil {
		return errors.Wrap(err, "writing child status")
	}

	return nil
}

// Retract removes the status file. A missing file is not an error.
func (s *StatusFile) Retract() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove status file failed")
	}

	return nil
}
