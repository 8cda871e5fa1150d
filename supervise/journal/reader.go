package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"

	"git.unix.lgbt/diamondburned/supervise/supervise"
	"github.com/diamondburned/backwardio"
	"github.com/pkg/errors"
)

// ErrUnknownEvent is returned when a journal line holds an event type this
// version does not know about.
var ErrUnknownEvent = errors.New("unknown event type")

// Entry is an event read back from a journal.
type Entry struct {
	Time  time.Time
	Event supervise.Event
}

// Reader reads journals written by Writer from the newest event to the
// oldest.
type Reader struct {
	s    *backwardio.Scanner
	line int // lines consumed from the end, for errors
}

// NewReader creates a reader positioned at the end of r.
func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{s: backwardio.NewScanner(r)}
}

// Read returns the entry before the one returned last. It returns io.EOF once
// the start of the journal is reached. Blank lines are skipped.
func (r *Reader) Read() (Entry, error) {
	for {
		b, err := r.s.ReadUntil('\n')
		if err != nil {
			return Entry{}, err
		}
		r.line++

		b = bytes.TrimSpace(b)
		if len(b) == 0 {
			continue
		}

		entry, err := decodeEntry(b)
		if err != nil {
			return Entry{}, errors.Wrapf(err, "line %d from the end", r.line)
		}

		return entry, nil
	}
}

// decodeEntry decodes a single line written by Writer. The severity stored
// alongside the event is ignored, since it is derived from the event type.
func decodeEntry(b []byte) (Entry, error) {
	var line struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(b, &line); err != nil {
		return Entry{}, errors.Wrap(err, "malformed journal line")
	}

	ev := supervise.NewEvent(line.Type)
	if ev == nil {
		return Entry{}, errors.Wrapf(ErrUnknownEvent, "%q", line.Type)
	}

	if len(line.Data) > 0 {
		if err := json.Unmarshal(line.Data, ev); err != nil {
			return Entry{}, errors.Wrapf(err, "malformed %s event", line.Type)
		}
	}

	return Entry{Time: line.Time, Event: ev}, nil
}

// ReadLast reads at most n of the newest entries of the journal at path,
// newest first. A non-positive n reads the whole journal. The entries read
// before an error are returned along with it.
func ReadLast(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := NewReader(f)

	var entries []Entry
	for n <= 0 || len(entries) < n {
		entry, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
