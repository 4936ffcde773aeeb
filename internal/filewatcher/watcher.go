// Package filewatcher watches a single file path for appearance,
// modification and disappearance. The path does not need to exist, and any
// of its components may be or become a symlink: the watcher tracks every
// directory and symlink from the root down to the file and waits for
// missing pieces to show up.
//
// Only the parent directories of the chain's nodes are watched, never whole
// subtrees. As symlinks are created, rewired or removed, the set of watched
// directories is re-derived. An atomic symlink swap, such as a Kubernetes
// ConfigMap update replacing ..data -> v1 with ..data -> v2, is reported as
// one FileDisappeared for the old file followed by one FileAppeared for the
// new one.
//
// The watcher is driven by polling: SingleIteration never blocks and handles
// at most one notification, so it can be called from any loop or timer.
package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/chainwatch/internal/notify"
)

var (
	// ErrFileIsRoot is returned when the watched path is the filesystem
	// root.
	ErrFileIsRoot = errors.New("watched path is the filesystem root")

	// ErrNotifierCreate is returned when the notification backend could not
	// be started.
	ErrNotifierCreate = errors.New("cannot create notifier")

	// ErrWatch is returned when a directory could not be watched or
	// unwatched.
	ErrWatch = errors.New("cannot update directory watch")

	// ErrEventsClosed is returned when the notification channel was closed
	// underneath the watcher.
	ErrEventsClosed = errors.New("notification channel closed")
)

// Callbacks receives the watched file's events. realPath is where the file
// actually lives, which differs from the watched path when symlinks are
// involved.
type Callbacks interface {
	// FileAppeared is called when the file shows up, including once on the
	// first iteration if it existed when the watcher was created.
	FileAppeared(realPath string)
	// FileModified is called when the real file is written to. Rewiring a
	// symlink on the way to it is reported as FileDisappeared followed by
	// FileAppeared instead.
	FileModified(realPath string)
	// FileDisappeared is called when the file goes away.
	FileDisappeared(realPath string)
	// EventInDirectories is called for every notification with the watched
	// directories it concerns; usually one, two for renames, possibly none.
	EventInDirectories(dirs []string)
}

// NopDirectoryEvents can be embedded in a Callbacks implementation that does
// not care about directory activity.
type NopDirectoryEvents struct{}

// EventInDirectories implements Callbacks.
func (NopDirectoryEvents) EventInDirectories([]string) {}

// Option configures a FileWatcher.
type Option func(*options)

type options struct {
	factory notify.Factory
	delay   time.Duration
	logger  *slog.Logger
}

// WithNotifier replaces the fsnotify backend.
func WithNotifier(f notify.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithDelay sets the debounce window of the notification backend. The
// default is notify.DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// FileWatcher follows one path and reports its file's events to C.
// It is not safe for concurrent use.
type FileWatcher[C Callbacks] struct {
	callbacks C
	notifier  notify.Watcher
	paths     *paths
	logger    *slog.Logger

	// initialRealFile is reported as appeared on the first iteration.
	initialRealFile string
}

// Create starts watching path. If the file exists, the first iteration
// reports it through FileAppeared.
func Create[C Callbacks](path string, callbacks C, opts ...Option) (*FileWatcher[C], error) {
	return create(path, callbacks, true, opts)
}

// CreateWithNoInitialEvent is like Create but does not report a file that
// already exists.
func CreateWithNoInitialEvent[C Callbacks](path string, callbacks C, opts ...Option) (*FileWatcher[C], error) {
	return create(path, callbacks, false, opts)
}

func create[C Callbacks](path string, callbacks C, initialEvent bool, opts []Option) (*FileWatcher[C], error) {
	o := options{
		factory: notify.New,
		delay:   notify.DefaultDelay,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	startPath, err := watcherPath(path)
	if err != nil {
		return nil, err
	}

	n, err := o.factory(notify.Config{Delay: o.delay})
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w: %w", ErrNotifierCreate, err)
	}

	fw := &FileWatcher[C]{
		callbacks: callbacks,
		notifier:  n,
		paths:     newPaths(startPath, o.logger),
		logger:    o.logger,
	}

	for _, dir := range fw.paths.generateWatchPaths() {
		if err := n.Watch(dir); err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("filewatcher: %w %q: %w", ErrWatch, dir, err)
		}
	}
	if initialEvent {
		fw.initialRealFile = fw.paths.realFile
	}

	fw.logger.Debug("filewatcher: created",
		slog.String("path", startPath),
		slog.String("real_file", fw.paths.realFile),
		slog.Int("watched_dirs", len(fw.paths.dirs)),
	)
	return fw, nil
}

// Callbacks returns the callbacks the watcher was created with.
func (fw *FileWatcher[C]) Callbacks() C {
	return fw.callbacks
}

// Path returns the watched path, absolute and simplified.
func (fw *FileWatcher[C]) Path() string {
	return fw.paths.startPath
}

// RealFile returns the currently resolved file, or "" when there is none.
func (fw *FileWatcher[C]) RealFile() string {
	return fw.paths.realFile
}

// WatchedDirs returns a snapshot of the watched directories and the number
// of chain nodes that need each of them.
func (fw *FileWatcher[C]) WatchedDirs() map[string]uint32 {
	return fw.paths.watchedDirs()
}

// Close releases the notification backend.
func (fw *FileWatcher[C]) Close() error {
	return fw.notifier.Close()
}

// SingleIteration reports a pending initial appearance, then handles at most
// one notification without blocking.
func (fw *FileWatcher[C]) SingleIteration() error {
	fw.flushInitial()
	select {
	case ev, ok := <-fw.notifier.Events():
		if !ok {
			return fmt.Errorf("filewatcher: %w", ErrEventsClosed)
		}
		return fw.handleEvent(ev)
	default:
		return nil
	}
}

// Run handles notifications until ctx is done or an error occurs. It
// returns nil when ctx is done.
func (fw *FileWatcher[C]) Run(ctx context.Context) error {
	for {
		fw.flushInitial()
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.notifier.Events():
			if !ok {
				return fmt.Errorf("filewatcher: %w", ErrEventsClosed)
			}
			if err := fw.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (fw *FileWatcher[C]) flushInitial() {
	if fw.initialRealFile == "" {
		return
	}
	rf := fw.initialRealFile
	fw.initialRealFile = ""
	fw.callbacks.FileAppeared(rf)
}

func (fw *FileWatcher[C]) handleEvent(ev notify.Event) error {
	fw.emitDirectoriesForEvent(ev)

	actions := pathsActions(fw.paths, ev)
	fw.logger.Debug("filewatcher: handling notification",
		slog.String("op", ev.Op.String()),
		slog.String("path", ev.Path),
		slog.String("to", ev.To),
		slog.Int("actions", len(actions)),
	)

	for len(actions) > 0 {
		action := actions[0]
		actions = actions[1:]

		switch action.kind {
		case paNotifyFileAppeared:
			fw.callbacks.FileAppeared(action.path)
		case paNotifyFileModified:
			fw.callbacks.FileModified(action.path)
		case paNotifyFileDisappeared:
			if rf := fw.paths.takeRealFile(); rf != "" {
				fw.callbacks.FileDisappeared(rf)
			}
		case paDropWatch:
			if dir, ok := fw.paths.dropWatch(action.path); ok {
				if err := fw.unwatch(dir); err != nil {
					return err
				}
			}
		case paAddPathToSettle:
			fw.paths.addPathToSettle(action.path)
		case paSettlePath:
			fw.paths.settlePath(action.path)
			more, err := fw.handleProcessPath()
			if err != nil {
				return err
			}
			actions = append(actions, more...)
		case paProcessPathAfterSettle:
			fw.paths.setProcessArgs(action.args)
			more, err := fw.handleProcessPath()
			if err != nil {
				return err
			}
			actions = append(actions, more...)
		case paRestartWatching:
			if err := fw.restart(); err != nil {
				return err
			}
			actions = []pathsAction{{kind: paProcessPathAfterSettle, args: pathForProcessing(fw.paths.startPath)}}
		}
	}
	return nil
}

// restart reports the resolved file as gone, then drops every watch and all
// chain state.
func (fw *FileWatcher[C]) restart() error {
	fw.logger.Info("filewatcher: restarting watch", slog.String("path", fw.paths.startPath))
	if rf := fw.paths.takeRealFile(); rf != "" {
		fw.callbacks.FileDisappeared(rf)
	}
	for _, dir := range fw.paths.reset() {
		if err := fw.unwatch(dir); err != nil {
			return err
		}
	}
	return nil
}

// unwatch stops watching dir. A directory that is already gone, or no
// longer watched, is what we wanted anyway.
func (fw *FileWatcher[C]) unwatch(dir string) error {
	err := fw.notifier.Unwatch(dir)
	if err == nil || errors.Is(err, notify.ErrPathNotFound) || errors.Is(err, notify.ErrWatchNotFound) {
		return nil
	}
	return fmt.Errorf("filewatcher: %w %q: %w", ErrWatch, dir, err)
}

// handleProcessPath runs the deferred walk if everything has settled,
// watches the directories it needs and reports the file if it resolved.
func (fw *FileWatcher[C]) handleProcessPath() ([]pathsAction, error) {
	dirs, executed := fw.paths.processPathOrDeferIfUnsettled()
	if !executed {
		return nil, nil
	}
	for _, dir := range dirs {
		if err := fw.notifier.Watch(dir); err != nil {
			return nil, fmt.Errorf("filewatcher: %w %q: %w", ErrWatch, dir, err)
		}
	}
	if fw.paths.realFile != "" {
		return []pathsAction{{kind: paNotifyFileAppeared, path: fw.paths.realFile}}, nil
	}
	return nil, nil
}

// emitDirectoriesForEvent reports which watched directories the
// notification concerns.
func (fw *FileWatcher[C]) emitDirectoriesForEvent(ev notify.Event) {
	var dirs []string
	for _, path := range ev.Paths() {
		if wf, ok := fw.paths.paths[path]; ok {
			dirs = append(dirs, wf.dirFileName.directory)
		} else if _, ok := fw.paths.dirs[path]; ok {
			dirs = append(dirs, path)
		} else if dfn, ok := splitPath(path); ok {
			if _, ok := fw.paths.dirs[dfn.directory]; ok {
				dirs = append(dirs, dfn.directory)
			}
		}
	}
	fw.callbacks.EventInDirectories(dirs)
}
