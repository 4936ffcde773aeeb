package notify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultScanInterval is how often the polling backend rescans its
// directories when Config.ScanInterval is zero.
const DefaultScanInterval = 100 * time.Millisecond

// entryState holds the metadata compared between two scans of one entry.
// Symlinks are not followed; their target is recorded instead.
type entryState struct {
	mode    fs.FileMode
	size    int64
	modTime time.Time
	target  string
}

// replaced reports whether cur is a different entry from prev rather than a
// modification of it.
func (prev entryState) replaced(cur entryState) bool {
	if cur.mode.Type() != prev.mode.Type() {
		return true
	}
	return cur.mode.Type() == fs.ModeSymlink && cur.target != prev.target
}

// pollWatcher is the Watcher that holds no kernel watches, for hosts where
// the inotify watch limit is exhausted. Each watched directory is snapshotted and every
// scan is diffed against the previous one. The differences are fed to the
// same debouncer as the fsnotify backend, so consumers see identical Event
// sequences.
type pollWatcher struct {
	interval time.Duration
	deb      *debouncer
	events   chan Event

	mu   sync.Mutex
	dirs map[string]map[string]entryState

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// NewPoll constructs the polling Watcher. It has the Factory signature.
func NewPoll(cfg Config) (Watcher, error) {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	w := &pollWatcher{
		interval: cfg.ScanInterval,
		deb:      newDebouncer(cfg.Delay),
		events:   make(chan Event, cfg.BufferSize),
		dirs:     make(map[string]map[string]entryState),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch implements Watcher. The first snapshot is taken before Watch
// returns, so only later changes are reported.
func (w *pollWatcher) Watch(dir string) error {
	select {
	case <-w.done:
		return fmt.Errorf("notify: watch %q: %w", dir, ErrClosed)
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	snap, err := scanDir(dir)
	if err != nil {
		return fmt.Errorf("notify: watch %q: %w", dir, err)
	}
	w.dirs[dir] = snap
	return nil
}

// Unwatch implements Watcher.
func (w *pollWatcher) Unwatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; !ok {
		return fmt.Errorf("notify: unwatch %q: %w", dir, ErrWatchNotFound)
	}
	delete(w.dirs, dir)
	return nil
}

// Events implements Watcher.
func (w *pollWatcher) Events() <-chan Event {
	return w.events
}

// Close implements Watcher.
func (w *pollWatcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.done)
		<-w.exited
	})
	return nil
}

// scanDir lists the immediate children of dir.
func scanDir(dir string) (map[string]entryState, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrPathNotFound
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrPathNotFound
		}
		return nil, err
	}
	snap := make(map[string]entryState, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Lstat.
			continue
		}
		path := filepath.Join(dir, e.Name())
		st := entryState{
			mode:    info.Mode(),
			size:    info.Size(),
			modTime: info.ModTime(),
		}
		if st.mode.Type() == fs.ModeSymlink {
			// An unreadable link keeps an empty target and compares by
			// metadata only.
			st.target, _ = os.Readlink(path)
		}
		snap[path] = st
	}
	return snap, nil
}

// scan rescans every watched directory and returns the raw changes, removals
// first. A directory that vanished reports the removal of its children and
// of itself, and stops being watched.
func (w *pollWatcher) scan() []fsnotify.Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var removed, changed []fsnotify.Event
	for _, dir := range dirs {
		old := w.dirs[dir]
		current, err := scanDir(dir)
		if err != nil {
			for _, p := range sortedKeys(old) {
				removed = append(removed, fsnotify.Event{Name: p, Op: fsnotify.Remove})
			}
			removed = append(removed, fsnotify.Event{Name: dir, Op: fsnotify.Remove})
			delete(w.dirs, dir)
			continue
		}
		for _, p := range sortedKeys(old) {
			if _, ok := current[p]; !ok {
				removed = append(removed, fsnotify.Event{Name: p, Op: fsnotify.Remove})
			}
		}
		for _, p := range sortedKeys(current) {
			cur := current[p]
			prev, existed := old[p]
			switch {
			case !existed:
				changed = append(changed, fsnotify.Event{Name: p, Op: fsnotify.Create})
			case prev.replaced(cur):
				removed = append(removed, fsnotify.Event{Name: p, Op: fsnotify.Remove})
				changed = append(changed, fsnotify.Event{Name: p, Op: fsnotify.Create})
			case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
				changed = append(changed, fsnotify.Event{Name: p, Op: fsnotify.Write})
			case cur.mode != prev.mode:
				changed = append(changed, fsnotify.Event{Name: p, Op: fsnotify.Chmod})
			}
		}
		w.dirs[dir] = current
	}
	return append(removed, changed...)
}

func sortedKeys(m map[string]entryState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (w *pollWatcher) run() {
	defer close(w.exited)
	defer close(w.events)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	var timerC <-chan time.Time

	for {
		var out []Event
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			for _, ev := range w.scan() {
				out = append(out, w.deb.handle(ev, now)...)
			}
		case now := <-timerC:
			timerC = nil
			out = w.deb.flush(now)
		}

		for _, ev := range out {
			select {
			case w.events <- ev:
			case <-w.done:
				return
			}
		}

		stopTimer(timer)
		timerC = nil
		if due, ok := w.deb.next(); ok {
			timer.Reset(time.Until(due))
			timerC = timer.C
		}
	}
}
