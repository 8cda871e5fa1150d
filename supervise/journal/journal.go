// Package journal provides implementations of supervise's Journaler
// interface: a system logger writer, a human-readable writer and a JSON file
// journal with a file lock, so that only one supervisor writes to the same
// journal file.
package journal

import (
	"git.unix.lgbt/diamondburned/supervise/supervise"
)

// multiWriter combines multiple journalers.
type multiWriter []supervise.Journaler

// MultiWriter creates a journaler that writes to multiple other journalers.
// Every journaler is written to even if an earlier one fails; the first error
// is returned.
func MultiWriter(ws ...supervise.Journaler) supervise.Journaler {
	return multiWriter(ws)
}

func (w multiWriter) Write(event supervise.Event) error {
	var firstErr error
	for _, writer := range w {
		if err := writer.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
