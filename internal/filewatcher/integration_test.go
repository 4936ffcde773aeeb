package filewatcher_test

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/chainwatch/internal/filewatcher"
	"github.com/tripwire/chainwatch/internal/notify"
)

// counter counts callbacks; it is only touched from the polling goroutine
// but guarded so the test can read it at any time.
type counter struct {
	filewatcher.NopDirectoryEvents

	mu          sync.Mutex
	appeared    []string
	disappeared []string
	onAppeared  func(n int)
}

func (c *counter) FileAppeared(p string) {
	c.mu.Lock()
	c.appeared = append(c.appeared, p)
	n := len(c.appeared)
	c.mu.Unlock()
	if c.onAppeared != nil {
		c.onAppeared(n)
	}
}

func (c *counter) FileModified(string) {}

func (c *counter) FileDisappeared(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disappeared = append(c.disappeared, p)
}

func (c *counter) snapshot() (appeared, disappeared []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.appeared...), append([]string(nil), c.disappeared...)
}

// TestFileWatcher_KubernetesDataSwap runs the ConfigMap update sequence
// against both notification backends: the watched file is a symlink into
// ..data, and ..data is atomically repointed at a new timestamped directory.
func TestFileWatcher_KubernetesDataSwap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	pollFast := func(cfg notify.Config) (notify.Watcher, error) {
		cfg.ScanInterval = 10 * time.Millisecond
		return notify.NewPoll(cfg)
	}
	t.Run("fsnotify", func(t *testing.T) { testDataSwap(t, notify.New) })
	t.Run("poll", func(t *testing.T) { testDataSwap(t, pollFast) })
}

func testDataSwap(t *testing.T, backend notify.Factory) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	const name = "peer-watch-file"

	foo := filepath.Join(root, "foo")
	if err := os.Mkdir(foo, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(foo, name), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := filepath.Join(root, "..data")
	if err := os.Symlink(foo, data); err != nil {
		t.Fatalf("symlink data: %v", err)
	}
	watched := filepath.Join(root, name)
	if err := os.Symlink(filepath.Join("..data", name), watched); err != nil {
		t.Fatalf("symlink file: %v", err)
	}

	bar := filepath.Join(root, "bar")
	cb := &counter{}
	cb.onAppeared = func(n int) {
		if n != 1 {
			return
		}
		if err := os.Mkdir(bar, 0o755); err != nil {
			t.Errorf("mkdir bar: %v", err)
			return
		}
		if err := os.WriteFile(filepath.Join(bar, name), nil, 0o644); err != nil {
			t.Errorf("write bar: %v", err)
			return
		}
		tmp := filepath.Join(root, "..data_tmp")
		if err := os.Symlink(bar, tmp); err != nil {
			t.Errorf("symlink tmp: %v", err)
			return
		}
		if err := os.Rename(tmp, data); err != nil {
			t.Errorf("rename: %v", err)
		}
	}

	fw, err := filewatcher.Create(watched, cb,
		filewatcher.WithDelay(100*time.Millisecond),
		filewatcher.WithNotifier(backend),
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = fw.Close() })

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := fw.SingleIteration(); err != nil {
			t.Fatalf("SingleIteration: %v", err)
		}
		if appeared, _ := cb.snapshot(); len(appeared) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	appeared, disappeared := cb.snapshot()
	want := []string{filepath.Join(foo, name), filepath.Join(bar, name)}
	if len(appeared) != 2 || appeared[0] != want[0] || appeared[1] != want[1] {
		t.Errorf("appeared = %q, want %q", appeared, want)
	}
	if len(disappeared) != 1 || disappeared[0] != want[0] {
		t.Errorf("disappeared = %q, want [%s]", disappeared, want[0])
	}
	if fw.RealFile() != want[1] {
		t.Errorf("RealFile = %q, want %q", fw.RealFile(), want[1])
	}
}
