package supervise

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// WatchDebounce is how long the watcher waits for a burst of changes to settle
// before requesting a reload.
var WatchDebounce = 250 * time.Millisecond

// Watcher watches a set of files and requests a reload of the child when any
// of them changes.
type Watcher struct {
	// Reloads receives the path of the changed file for every reload
	// request.
	Reloads chan string

	w     *fsnotify.Watcher
	j     Journaler
	files map[string]struct{}
}

// NewWatcher creates a watcher for the given files. The parent directories
// are watched rather than the files themselves, so editors that replace files
// by renaming over them are still noticed.
func NewWatcher(paths []string, j Journaler) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}

	w := &Watcher{
		Reloads: make(chan string),
		w:       watcher,
		j:       j,
		files:   make(map[string]struct{}, len(paths)),
	}

	dirs := map[string]struct{}{}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to resolve %q", path)
		}

		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch dir %q", dir)
		}
	}

	return w, nil
}

// Watch runs until ctx is canceled, then closes the underlying watcher.
func (w *Watcher) Watch(ctx context.Context) {
	defer w.w.Close()

	var pending string
	var settle <-chan time.Time
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.j.Write(&EventWarning{
				Component: "watcher",
				Error:     "inotify error: " + err.Error(),
			})

		case evt, ok := <-w.w.Events:
			if !ok {
				return
			}

			path, ok := w.match(evt)
			if !ok {
				continue
			}

			pending = path

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(WatchDebounce)
			settle = timer.C

		case <-settle:
			settle = nil
			timer = nil

			select {
			case w.Reloads <- pending:
			case <-ctx.Done():
				return
			}
		}
	}
}

// match returns the watched file an fsnotify event refers to, if any.
func (w *Watcher) match(evt fsnotify.Event) (string, bool) {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	if evt.Op&ops == 0 {
		return "", false
	}

	abs, err := filepath.Abs(evt.Name)
	if err != nil {
		w.j.Write(&EventWarning{
			Component: "watcher",
			Error:     fmt.Sprintf("skipped %s event at %q: %v", evt.Op, evt.Name, err),
		})
		return "", false
	}

	if _, ok := w.files[abs]; !ok {
		return "", false
	}

	return abs, true
}
