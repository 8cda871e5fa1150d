package journal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"git.unix.lgbt/diamondburned/supervise/supervise"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

// HumanWriter writes one line per event for humans, colored by severity when
// the output is a terminal.
type HumanWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
	colors map[supervise.Severity]*color.Color
	now    func() time.Time
}

var _ supervise.Journaler = (*HumanWriter)(nil)

// NewHumanWriter creates a human-readable journaler. Every line is prefixed
// with prefix, usually the service name.
func NewHumanWriter(w io.Writer, prefix string) *HumanWriter {
	colors := map[supervise.Severity]*color.Color{
		supervise.SeverityNotice:   color.New(color.Reset),
		supervise.SeverityWarning:  color.New(color.FgYellow),
		supervise.SeverityError:    color.New(color.FgRed),
		supervise.SeverityCritical: color.New(color.FgRed, color.Bold),
	}

	enable := false
	if f, ok := w.(*os.File); ok {
		enable = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}

	for _, c := range colors {
		if enable {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return &HumanWriter{
		w:      w,
		prefix: prefix,
		colors: colors,
		now:    time.Now,
	}
}

// Write writes the event at the current time.
func (h *HumanWriter) Write(ev supervise.Event) error {
	return h.WriteAt(h.now(), ev)
}

// WriteAt writes the event as if it happened at t.
func (h *HumanWriter) WriteAt(t time.Time, ev supervise.Event) error {
	line := FormatHuman(t, h.prefix, ev)

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.colors[ev.Severity()]
	if !ok {
		c = h.colors[supervise.SeverityNotice]
	}

	if _, err := c.Fprintln(h.w, line); err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}

// FormatHuman formats an event as a single line without colors.
func FormatHuman(t time.Time, prefix string, ev supervise.Event) string {
	var p string
	if prefix != "" {
		p = prefix + ": "
	}

	return fmt.Sprintf("%s %-8s %s%s",
		t.Format(time.RFC3339), ev.Severity(), p, ev.Message())
}
