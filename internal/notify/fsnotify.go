package notify

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyWatcher is the Watcher backed by fsnotify. A single goroutine owns
// the debouncer: it reads raw events, forwards immediate events, and flushes
// delayed ones when their timer fires.
type fsnotifyWatcher struct {
	fs     *fsnotify.Watcher
	deb    *debouncer
	events chan Event

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	closeErr error
}

func newFSNotifyWatcher(cfg Config) (*fsnotifyWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("notify: create fsnotify watcher: %w", err)
	}
	w := &fsnotifyWatcher{
		fs:     fw,
		deb:    newDebouncer(cfg.Delay),
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch implements Watcher.
func (w *fsnotifyWatcher) Watch(dir string) error {
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("notify: watch %q: %w", dir, classify(err))
	}
	return nil
}

// Unwatch implements Watcher.
func (w *fsnotifyWatcher) Unwatch(dir string) error {
	if err := w.fs.Remove(dir); err != nil {
		return fmt.Errorf("notify: unwatch %q: %w", dir, classify(err))
	}
	return nil
}

// Events implements Watcher.
func (w *fsnotifyWatcher) Events() <-chan Event {
	return w.events
}

// Close implements Watcher. It waits for the backend goroutine to exit and
// closes the Events channel.
func (w *fsnotifyWatcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fs.Close()
		<-w.exited
	})
	return w.closeErr
}

// classify maps fsnotify and filesystem errors onto the package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, fsnotify.ErrNonExistentWatch):
		return ErrWatchNotFound
	case errors.Is(err, fs.ErrNotExist):
		return ErrPathNotFound
	case errors.Is(err, fsnotify.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func (w *fsnotifyWatcher) run() {
	defer close(w.exited)
	defer close(w.events)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	var timerC <-chan time.Time

	for {
		var out []Event
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			out = w.deb.handle(ev, time.Now())
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			out = w.deb.handleError(err)
		case now := <-timerC:
			timerC = nil
			out = w.deb.flush(now)
		}

		if !w.send(out) {
			return
		}

		stopTimer(timer)
		timerC = nil
		if due, ok := w.deb.next(); ok {
			timer.Reset(time.Until(due))
			timerC = timer.C
		}
	}
}

// send delivers events in order. It reports false when the watcher is
// closing.
func (w *fsnotifyWatcher) send(events []Event) bool {
	for _, ev := range events {
		select {
		case w.events <- ev:
		case <-w.done:
			return false
		}
	}
	return true
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
