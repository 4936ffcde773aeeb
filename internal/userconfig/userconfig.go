// Package userconfig watches the user.toml override file of every running
// service and lets the service manager ask, once per tick, whether a
// service's file changed.
package userconfig

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripwire/chainwatch/internal/filewatcher"
)

// UserConfigFile is the name of the watched file inside a service's user
// config directory.
const UserConfigFile = "user.toml"

// DefaultPollInterval is how often a worker checks for notifications.
const DefaultPollInterval = time.Second

// ConfigPath is where a service looks for its user config. Deprecated
// locations are still read by services but are not watched.
type ConfigPath struct {
	Dir        string
	Deprecated bool
}

// Service is the part of a supervised service the watcher needs.
type Service interface {
	Name() string
	UserConfigPath() ConfigPath
	ServiceGroup() string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithPollInterval sets how often workers poll their file watcher.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithWatchOptions passes options to every worker's file watcher.
func WithWatchOptions(opts ...filewatcher.Option) Option {
	return func(w *Watcher) { w.watchOpts = append(w.watchOpts, opts...) }
}

// workerState links the Watcher with one worker goroutine.
type workerState struct {
	// haveEvents has room for one signal: only the fact that something
	// happened matters, not how often.
	haveEvents chan struct{}
	stop       chan struct{}
}

// Watcher tracks one worker per service. It is safe for concurrent use.
type Watcher struct {
	logger       *slog.Logger
	pollInterval time.Duration
	watchOpts    []filewatcher.Option

	mu     sync.Mutex
	states map[string]*workerState
	wg     sync.WaitGroup
}

// New returns an empty Watcher.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		states:       make(map[string]*workerState),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add starts watching svc's user.toml. A service that is already watched is
// left alone; one whose config lives in a deprecated location is skipped.
// A file that already exists is not reported.
func (w *Watcher) Add(svc Service) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.states[svc.Name()]; ok {
		return nil
	}
	cp := svc.UserConfigPath()
	if cp.Deprecated {
		w.logger.Info("userconfig: not watching, located in deprecated path",
			slog.String("service_group", svc.ServiceGroup()),
			slog.String("file", UserConfigFile),
			slog.String("dir", cp.Dir),
		)
		return nil
	}

	path := filepath.Join(cp.Dir, UserConfigFile)
	state := &workerState{
		haveEvents: make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	opts := append([]filewatcher.Option{filewatcher.WithLogger(w.logger)}, w.watchOpts...)
	fw, err := filewatcher.CreateWithNoInitialEvent(path, signalCallbacks{ch: state.haveEvents}, opts...)
	if err != nil {
		return fmt.Errorf("userconfig: watch %q for %s: %w", path, svc.Name(), err)
	}

	w.states[svc.Name()] = state
	w.wg.Add(1)
	go w.work(fw, state.stop)

	w.logger.Info("userconfig: watching",
		slog.String("service_group", svc.ServiceGroup()),
		slog.String("path", path),
	)
	return nil
}

// Remove stops watching svc. It does not wait for the worker to exit.
func (w *Watcher) Remove(svc Service) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state, ok := w.states[svc.Name()]; ok {
		delete(w.states, svc.Name())
		close(state.stop)
	}
}

// HaveEventsFor reports whether svc's file changed since the last call.
func (w *Watcher) HaveEventsFor(svc Service) bool {
	w.mu.Lock()
	state, ok := w.states[svc.Name()]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-state.haveEvents:
		return true
	default:
		return false
	}
}

// Close stops every worker, including removed ones still shutting down, and
// waits for them.
func (w *Watcher) Close() {
	w.mu.Lock()
	for name, state := range w.states {
		delete(w.states, name)
		close(state.stop)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) work(fw *filewatcher.FileWatcher[signalCallbacks], stop <-chan struct{}) {
	defer w.wg.Done()
	defer fw.Close()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if err := fw.SingleIteration(); err != nil {
			w.logger.Error("userconfig: could not run notifier, ending worker",
				slog.String("path", fw.Path()),
				slog.Any("error", err),
			)
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// signalCallbacks turns every file event into a non-blocking signal.
type signalCallbacks struct {
	filewatcher.NopDirectoryEvents
	ch chan<- struct{}
}

func (c signalCallbacks) FileAppeared(string)    { c.signal() }
func (c signalCallbacks) FileModified(string)    { c.signal() }
func (c signalCallbacks) FileDisappeared(string) { c.signal() }

func (c signalCallbacks) signal() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}
