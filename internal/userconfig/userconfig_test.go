package userconfig_test

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tripwire/chainwatch/internal/filewatcher"
	"github.com/tripwire/chainwatch/internal/notify"
	"github.com/tripwire/chainwatch/internal/userconfig"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testService struct {
	name string
	path userconfig.ConfigPath
}

func (s testService) Name() string                          { return s.name }
func (s testService) UserConfigPath() userconfig.ConfigPath { return s.path }
func (s testService) ServiceGroup() string                  { return s.name + ".default" }

func newService(t *testing.T) testService {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return testService{name: "foo", path: userconfig.ConfigPath{Dir: dir}}
}

func newWatcher(t *testing.T) *userconfig.Watcher {
	t.Helper()
	w := userconfig.New(
		userconfig.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		userconfig.WithPollInterval(10*time.Millisecond),
		userconfig.WithWatchOptions(filewatcher.WithDelay(50*time.Millisecond)),
	)
	t.Cleanup(w.Close)
	return w
}

func userToml(svc testService) string {
	return filepath.Join(svc.path.Dir, userconfig.UserConfigFile)
}

func waitForEvents(t *testing.T, w *userconfig.Watcher, svc testService) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !w.HaveEventsFor(svc) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for events")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWatcher_NoEventsAtFirst(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if w.HaveEventsFor(svc) {
		t.Error("existing file was reported without any change")
	}
}

func TestWatcher_EventsAfterAddingConfig(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForEvents(t, w, svc)
}

func TestWatcher_EventsAfterChangingConfig(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	f, err := os.OpenFile(userToml(svc), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("b = 2\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()
	waitForEvents(t, w, svc)
}

func TestWatcher_EventsAfterRemovingConfig(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := os.Remove(userToml(svc)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForEvents(t, w, svc)
}

func TestWatcher_EventsAreConsumed(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForEvents(t, w, svc)

	if w.HaveEventsFor(svc) {
		t.Error("HaveEventsFor reported the same batch twice")
	}
}

func TestWatcher_DeprecatedPathSkipped(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	svc.path.Deprecated = true
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if w.HaveEventsFor(svc) {
		t.Error("deprecated path was watched")
	}
}

func TestWatcher_RemoveStopsReporting(t *testing.T) {
	w := newWatcher(t)
	svc := newService(t)
	if err := w.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(svc); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	w.Remove(svc)
	w.Remove(svc)

	if err := os.WriteFile(userToml(svc), []byte("a = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if w.HaveEventsFor(svc) {
		t.Error("removed service still reports events")
	}
}

func TestWatcher_AddReportsNotifierFailure(t *testing.T) {
	boom := errors.New("boom")
	w := userconfig.New(
		userconfig.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		userconfig.WithWatchOptions(filewatcher.WithNotifier(func(notify.Config) (notify.Watcher, error) {
			return nil, boom
		})),
	)
	t.Cleanup(w.Close)
	svc := newService(t)

	err := w.Add(svc)
	if !errors.Is(err, filewatcher.ErrNotifierCreate) || !errors.Is(err, boom) {
		t.Fatalf("Add = %v, want ErrNotifierCreate wrapping boom", err)
	}
	if w.HaveEventsFor(svc) {
		t.Error("failed service reports events")
	}
	// Nothing is kept for a failed Add: a retry creates a watcher again.
	if err := w.Add(svc); err == nil {
		t.Error("second Add succeeded with a broken notifier")
	}
}
