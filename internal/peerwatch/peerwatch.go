// Package peerwatch follows a file listing initial gossip peers, one
// host[:port] per line, and tells its owner when the list should be
// re-read.
package peerwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/chainwatch/internal/filewatcher"
)

const defaultRetryDelay = time.Second

// Option configures a PeerWatcher.
type Option func(*PeerWatcher)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(pw *PeerWatcher) { pw.logger = l }
}

// WithResolver replaces the host resolver.
func WithResolver(r *Resolver) Option {
	return func(pw *PeerWatcher) { pw.resolver = r }
}

// WithWatchOptions passes options to the underlying file watcher.
func WithWatchOptions(opts ...filewatcher.Option) Option {
	return func(pw *PeerWatcher) { pw.watchOpts = append(pw.watchOpts, opts...) }
}

// WithRetryDelay sets the pause before a failed watcher is recreated.
func WithRetryDelay(d time.Duration) Option {
	return func(pw *PeerWatcher) { pw.retryDelay = d }
}

// PeerWatcher watches the peer file in the background. It is safe for
// concurrent use.
type PeerWatcher struct {
	path       string
	logger     *slog.Logger
	resolver   *Resolver
	watchOpts  []filewatcher.Option
	retryDelay time.Duration

	haveEvents atomic.Bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type peerCallbacks struct {
	filewatcher.NopDirectoryEvents
	haveEvents *atomic.Bool
}

func (c peerCallbacks) FileAppeared(string)    { c.haveEvents.Store(true) }
func (c peerCallbacks) FileModified(string)    { c.haveEvents.Store(true) }
func (c peerCallbacks) FileDisappeared(string) { c.haveEvents.Store(true) }

// Run starts watching path. The first watcher is created before Run
// returns, so a path that can never be watched is reported here; later
// failures are logged and the watcher is recreated.
func Run(path string, opts ...Option) (*PeerWatcher, error) {
	pw := &PeerWatcher{
		path:       path,
		logger:     slog.Default(),
		retryDelay: defaultRetryDelay,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pw)
	}
	if pw.resolver == nil {
		pw.resolver = NewResolver(nil)
	}
	pw.watchOpts = append([]filewatcher.Option{filewatcher.WithLogger(pw.logger)}, pw.watchOpts...)

	fw, err := pw.newWatcher()
	if err != nil && errors.Is(err, filewatcher.ErrFileIsRoot) {
		return nil, err
	}
	if err != nil {
		pw.logger.Warn("peerwatch: failed to start watching, will try again",
			slog.String("path", path),
			slog.Any("error", err),
		)
		fw = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	pw.cancel = cancel
	go pw.loop(ctx, fw)
	return pw, nil
}

func (pw *PeerWatcher) newWatcher() (*filewatcher.FileWatcher[peerCallbacks], error) {
	return filewatcher.Create(pw.path, peerCallbacks{haveEvents: &pw.haveEvents}, pw.watchOpts...)
}

func (pw *PeerWatcher) loop(ctx context.Context, fw *filewatcher.FileWatcher[peerCallbacks]) {
	defer close(pw.done)
	for {
		if fw != nil {
			err := fw.Run(ctx)
			_ = fw.Close()
			if ctx.Err() != nil {
				return
			}
			pw.logger.Warn("peerwatch: error during watching, restarting",
				slog.String("path", pw.path),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pw.retryDelay):
		}

		var err error
		fw, err = pw.newWatcher()
		if err != nil {
			pw.logger.Warn("peerwatch: failed to start watching, will try again",
				slog.String("path", pw.path),
				slog.Any("error", err),
			)
			fw = nil
		}
	}
}

// Path returns the watched path as given to Run.
func (pw *PeerWatcher) Path() string {
	return pw.path
}

// HasFSEvents reports whether the file changed since the last successful
// Members call.
func (pw *PeerWatcher) HasFSEvents() bool {
	return pw.haveEvents.Load()
}

// Members reads the peer list and clears the event flag. On error the flag
// is left as it was so the caller tries again.
func (pw *PeerWatcher) Members(ctx context.Context) ([]Member, error) {
	members, err := ReadMembers(ctx, pw.path, pw.resolver)
	if err != nil {
		return nil, err
	}
	pw.haveEvents.Store(false)
	return members, nil
}

// Stop ends the background watch and waits for it. It is safe to call Stop
// multiple times.
func (pw *PeerWatcher) Stop() {
	pw.stopOnce.Do(func() {
		pw.cancel()
		<-pw.done
	})
}
