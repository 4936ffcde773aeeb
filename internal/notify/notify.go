// Package notify delivers debounced, non-recursive directory notifications.
// It wraps fsnotify and normalizes its raw operations into a small set of
// event kinds that higher layers can reason about: immediate "notice" events
// for writes and removals, and delayed events that are emitted once a path has
// been quiet for the configured debounce window.
//
// Only single directories are ever watched. Callers that need to follow a
// path through several directories register each of them separately.
package notify

import (
	"errors"
	"fmt"
	"time"
)

// DefaultDelay is the debounce window applied when Config.Delay is zero.
const DefaultDelay = 2 * time.Second

// defaultBufferSize is the capacity of the Event channel returned by
// Watcher.Events when Config.BufferSize is not set.
const defaultBufferSize = 64

var (
	// ErrPathNotFound is returned by Watch and Unwatch when the directory
	// does not exist.
	ErrPathNotFound = errors.New("notify: path not found")

	// ErrWatchNotFound is returned by Unwatch when the directory is not
	// currently watched, for example because the kernel already dropped the
	// watch after the directory was removed.
	ErrWatchNotFound = errors.New("notify: watch not found")

	// ErrClosed is returned by Watch and Unwatch after Close.
	ErrClosed = errors.New("notify: watcher closed")
)

// Op classifies a debounced event.
type Op uint8

const (
	// NoticeWrite is emitted immediately on the first write to a path
	// within a debounce window.
	NoticeWrite Op = iota + 1
	// NoticeRemove is emitted immediately when a path is removed or
	// renamed away.
	NoticeRemove
	// Create is emitted after the debounce window for a new path.
	Create
	// Write is emitted after the debounce window for a modified path.
	Write
	// Chmod is emitted after the debounce window for a metadata change.
	Chmod
	// Remove is emitted after the debounce window for a removed path.
	Remove
	// Rename is emitted after the debounce window when a rename source could
	// be paired with its destination. Event.Path holds the source and
	// Event.To the destination.
	Rename
	// Rescan means events were lost and the consumer must resynchronize.
	Rescan
	// Error carries a backend error in Event.Err.
	Error
)

var opNames = map[Op]string{
	NoticeWrite:  "notice_write",
	NoticeRemove: "notice_remove",
	Create:       "create",
	Write:        "write",
	Chmod:        "chmod",
	Remove:       "remove",
	Rename:       "rename",
	Rescan:       "rescan",
	Error:        "error",
}

// String returns the snake_case name of the op.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Event is a single debounced notification.
type Event struct {
	Op Op
	// Path is the affected path. For Rename it is the source path. It may be
	// empty for Rescan and Error.
	Path string
	// To is the rename destination; empty for every other op.
	To string
	// Err is set for Error events.
	Err error
}

// Paths returns the paths the event refers to: none for Rescan, both ends
// for Rename, and Path otherwise when it is set.
func (e Event) Paths() []string {
	switch e.Op {
	case Rescan:
		return nil
	case Rename:
		return []string{e.Path, e.To}
	default:
		if e.Path == "" {
			return nil
		}
		return []string{e.Path}
	}
}

// Watcher is a non-recursive directory watcher with debounced delivery.
// Watch and Unwatch may be called concurrently with reads from Events.
type Watcher interface {
	// Watch starts watching dir. Watching an already-watched directory is a
	// no-op.
	Watch(dir string) error
	// Unwatch stops watching dir. It returns ErrWatchNotFound or
	// ErrPathNotFound when there is nothing to stop.
	Unwatch(dir string) error
	// Events returns the channel of debounced events. The channel is closed
	// once Close has released the backend.
	Events() <-chan Event
	// Close stops the backend. It is idempotent.
	Close() error
}

// Config configures a Watcher.
type Config struct {
	// Delay is the debounce window. Zero means DefaultDelay.
	Delay time.Duration
	// BufferSize is the capacity of the Events channel. A value of 0 or
	// less uses 64.
	BufferSize int
	// ScanInterval is the rescan period of the polling backend. The fsnotify
	// backend ignores it.
	ScanInterval time.Duration
}

// Factory constructs a Watcher. It lets callers substitute the fsnotify
// backend, typically in tests.
type Factory func(cfg Config) (Watcher, error)

// New constructs the fsnotify-backed Watcher.
func New(cfg Config) (Watcher, error) {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return newFSNotifyWatcher(cfg)
}
