package filewatcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/tripwire/chainwatch/internal/notify"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// realTempDir returns a fresh temporary directory with symlinks in its own
// path resolved, so that walked paths compare equal to it.
func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return dir
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink %s -> %s: %v", link, target, err)
	}
}

func rename(t *testing.T, from, to string) {
	t.Helper()
	if err := os.Rename(from, to); err != nil {
		t.Fatalf("rename %s -> %s: %v", from, to, err)
	}
}

// fakeNotifier records watch registrations and delivers injected events.
type fakeNotifier struct {
	mu        sync.Mutex
	events    chan notify.Event
	watched   map[string]bool
	closeOnce sync.Once
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		events:  make(chan notify.Event, 16),
		watched: make(map[string]bool),
	}
}

func (f *fakeNotifier) factory() notify.Factory {
	return func(notify.Config) (notify.Watcher, error) { return f, nil }
}

func (f *fakeNotifier) Watch(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[dir] = true
	return nil
}

func (f *fakeNotifier) Unwatch(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.watched[dir] {
		return notify.ErrWatchNotFound
	}
	delete(f.watched, dir)
	return nil
}

func (f *fakeNotifier) Events() <-chan notify.Event { return f.events }

func (f *fakeNotifier) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeNotifier) watchedDirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	dirs := make([]string, 0, len(f.watched))
	for d := range f.watched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// recorder is a Callbacks implementation that logs every call.
type recorder struct {
	calls []string
	dirs  [][]string
}

func (r *recorder) FileAppeared(p string)    { r.calls = append(r.calls, "appeared "+p) }
func (r *recorder) FileModified(p string)    { r.calls = append(r.calls, "modified "+p) }
func (r *recorder) FileDisappeared(p string) { r.calls = append(r.calls, "disappeared "+p) }
func (r *recorder) EventInDirectories(dirs []string) {
	r.dirs = append(r.dirs, dirs)
}

// newTestWatcher creates a FileWatcher on a fake notifier.
func newTestWatcher(t *testing.T, path string, initial bool) (*FileWatcher[*recorder], *fakeNotifier) {
	t.Helper()
	fake := newFakeNotifier()
	opts := []Option{WithNotifier(fake.factory()), WithLogger(quietLogger())}

	var (
		fw  *FileWatcher[*recorder]
		err error
	)
	if initial {
		fw, err = Create(path, &recorder{}, opts...)
	} else {
		fw, err = CreateWithNoInitialEvent(path, &recorder{}, opts...)
	}
	if err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = fw.Close() })
	checkInvariants(t, fw, fake)
	return fw, fake
}

// deliver feeds events one at a time through SingleIteration and checks the
// state after each.
func deliver(t *testing.T, fw *FileWatcher[*recorder], fake *fakeNotifier, events ...notify.Event) {
	t.Helper()
	for _, ev := range events {
		fake.events <- ev
		if err := fw.SingleIteration(); err != nil {
			t.Fatalf("SingleIteration(%s %s): %v", ev.Op, ev.Path, err)
		}
		checkInvariants(t, fw, fake)
	}
}

func assertCalls(t *testing.T, r *recorder, want ...string) {
	t.Helper()
	if len(r.calls) != len(want) {
		t.Fatalf("calls = %q, want %q", r.calls, want)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, r.calls[i], want[i])
		}
	}
}

// checkInvariants verifies the chain state: links are symmetric, directory
// counts match the nodes, the notifier watches exactly the counted
// directories, and realFile is set exactly when a Regular node exists.
func checkInvariants[C Callbacks](t *testing.T, fw *FileWatcher[C], fake *fakeNotifier) {
	t.Helper()
	p := fw.paths

	counts := make(map[string]uint32)
	regular := ""
	for key, wf := range p.paths {
		counts[wf.dirFileName.directory]++
		if wf.kind == kindRegular {
			if regular != "" {
				t.Errorf("two regular nodes: %s and %s", regular, key)
			}
			regular = key
		}
		if wf.next != "" {
			next, ok := p.paths[wf.next]
			if !ok {
				t.Errorf("%s.next = %s is not tracked", key, wf.next)
			} else if next.prev != key {
				t.Errorf("%s.next = %s but %s.prev = %q", key, wf.next, wf.next, next.prev)
			}
		}
		if wf.prev != "" {
			if prev, ok := p.paths[wf.prev]; ok && prev.next != key {
				t.Errorf("%s.prev = %s but %s.next = %q", key, wf.prev, wf.prev, prev.next)
			}
		}
	}

	if len(counts) != len(p.dirs) {
		t.Errorf("dirs = %v, node directories = %v", p.dirs, counts)
	}
	for dir, n := range counts {
		if p.dirs[dir] != n {
			t.Errorf("dirs[%s] = %d, want %d", dir, p.dirs[dir], n)
		}
	}

	if fake != nil {
		watched := fake.watchedDirs()
		if len(watched) != len(p.dirs) {
			t.Errorf("notifier watches %v, dirs = %v", watched, p.dirs)
		}
		for _, dir := range watched {
			if _, ok := p.dirs[dir]; !ok {
				t.Errorf("notifier watches %s which is not counted", dir)
			}
		}
	}

	if p.realFile != regular {
		t.Errorf("realFile = %q, regular node = %q", p.realFile, regular)
	}
}
