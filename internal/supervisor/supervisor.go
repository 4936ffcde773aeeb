// Package supervisor runs one file watcher per configured watch, restarts
// watchers that fail, and turns their callbacks into reloads and journal
// entries.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/glob"

	"github.com/tripwire/chainwatch/internal/config"
	"github.com/tripwire/chainwatch/internal/filewatcher"
	"github.com/tripwire/chainwatch/internal/journal"
	"github.com/tripwire/chainwatch/internal/notify"
	"github.com/tripwire/chainwatch/internal/peerwatch"
	"github.com/tripwire/chainwatch/internal/userconfig"
)

// Watch states reported by Watches.
const (
	StateStarting = "starting"
	StateWatching = "watching"
	StateBackoff  = "backoff"
	StateFailed   = "failed"
	StateStopped  = "stopped"
)

// Recorder persists events. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Option is a functional option for Supervisor construction.
type Option func(*Supervisor)

// WithJournal records every event in r.
func WithJournal(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithReloader replaces the default CommandReloader.
func WithReloader(r Reloader) Option {
	return func(s *Supervisor) { s.reloader = r }
}

// WithNotifier replaces the notification backend of every watch.
func WithNotifier(f notify.Factory) Option {
	return func(s *Supervisor) { s.notifier = f }
}

// WithResolver sets the resolver used to read peer files.
func WithResolver(r *peerwatch.Resolver) Option {
	return func(s *Supervisor) { s.resolver = r }
}

// WatchStatus is a snapshot of one watch.
type WatchStatus struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	RealFile    string `json:"real_file,omitempty"`
	Appeared    uint64 `json:"appeared"`
	Modified    uint64 `json:"modified"`
	Disappeared uint64 `json:"disappeared"`
	DirEvents   uint64 `json:"dir_events"`
	Restarts    int    `json:"restarts"`
	Members     int    `json:"members,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastEventAt string `json:"last_event_at,omitempty"`

	// UserConfigChanges counts changes to the watch's user.toml override.
	UserConfigChanges uint64 `json:"user_config_changes,omitempty"`
}

// Supervisor owns the watch workers.
type Supervisor struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder Recorder
	reloader Reloader
	notifier notify.Factory
	resolver *peerwatch.Resolver
	ignore   []glob.Glob

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu          sync.RWMutex
	running     bool
	status      map[string]*WatchStatus
	lastEventAt time.Time
}

// New creates a Supervisor for cfg's watches. Zero-valued settings get the
// same defaults as config.LoadConfig; cfg itself is not modified. New fails
// only when an ignore_dirs pattern does not compile.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	c := *cfg
	c.Watches = slices.Clone(cfg.Watches)
	config.ApplyDefaults(&c)
	cfg = &c

	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		status: make(map[string]*WatchStatus, len(cfg.Watches)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil && cfg.NotifyBackend == config.BackendPoll {
		interval := cfg.ScanInterval
		s.notifier = func(c notify.Config) (notify.Watcher, error) {
			c.ScanInterval = interval
			return notify.NewPoll(c)
		}
	}
	if s.reloader == nil {
		s.reloader = NewCommandReloader(logger)
	}
	if s.resolver == nil {
		s.resolver = peerwatch.NewResolver(nil)
	}
	for _, pattern := range cfg.IgnoreDirs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("supervisor: ignore_dirs pattern %q: %w", pattern, err)
		}
		s.ignore = append(s.ignore, g)
	}
	for _, w := range cfg.Watches {
		s.status[w.Name] = &WatchStatus{Name: w.Name, Path: w.Path, Kind: w.Kind, State: StateStopped}
	}
	return s, nil
}

// Start launches one worker per watch. Workers run until Stop is called or
// ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.startTime = time.Now()
	for _, st := range s.status {
		st.State = StateStarting
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("supervisor: starting",
		slog.Int("watches", len(s.cfg.Watches)),
		slog.Duration("debounce", s.cfg.Debounce),
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)

	for _, w := range s.cfg.Watches {
		s.wg.Add(1)
		go s.runWatch(ctx, w)
	}
	s.startUserConfig(ctx)
	return nil
}

// startUserConfig watches the user.toml of every watch with a
// user_config_dir and polls them from one goroutine.
func (s *Supervisor) startUserConfig(ctx context.Context) {
	var services []watchService
	for _, w := range s.cfg.Watches {
		if w.UserConfigDir != "" {
			services = append(services, watchService{w: w})
		}
	}
	if len(services) == 0 {
		return
	}

	watchOpts := []filewatcher.Option{filewatcher.WithDelay(s.cfg.Debounce)}
	if s.notifier != nil {
		watchOpts = append(watchOpts, filewatcher.WithNotifier(s.notifier))
	}
	uc := userconfig.New(
		userconfig.WithLogger(s.logger),
		userconfig.WithPollInterval(s.cfg.PollInterval),
		userconfig.WithWatchOptions(watchOpts...),
	)
	watched := services[:0]
	for _, svc := range services {
		if err := uc.Add(svc); err != nil {
			s.logger.Warn("supervisor: cannot watch user config",
				slog.String("watch", svc.w.Name),
				slog.Any("error", err),
			)
			continue
		}
		watched = append(watched, svc)
	}

	s.wg.Add(1)
	go s.pollUserConfig(ctx, uc, watched)
}

// pollUserConfig asks uc once per poll interval whether any user.toml
// changed, and closes uc when ctx is done.
func (s *Supervisor) pollUserConfig(ctx context.Context, uc *userconfig.Watcher, services []watchService) {
	defer s.wg.Done()
	defer uc.Close()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, svc := range services {
			if uc.HaveEventsFor(svc) {
				s.userConfigChanged(ctx, svc.w)
			}
		}
	}
}

// userConfigChanged counts, journals and reloads after a user.toml change.
func (s *Supervisor) userConfigChanged(ctx context.Context, w config.WatchConfig) {
	path := filepath.Join(w.UserConfigDir, userconfig.UserConfigFile)
	now := time.Now()
	s.mu.Lock()
	st := s.status[w.Name]
	st.UserConfigChanges++
	st.LastEventAt = now.UTC().Format(time.RFC3339)
	s.lastEventAt = now
	s.mu.Unlock()

	s.logger.Info("supervisor: user config changed",
		slog.String("watch", w.Name),
		slog.String("path", path),
	)
	s.record(ctx, journal.Entry{Watch: w.Name, Kind: journal.KindUserConfig, Path: path, Time: now})

	ev := Event{Watch: w.Name, Kind: journal.KindUserConfig, Path: path}
	if err := s.reloader.Reload(ctx, w, ev); err != nil {
		s.reloadFailed(ctx, w, path, err)
	}
}

// Stop cancels every worker and waits for them to exit. It is safe to call
// Stop multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	for _, st := range s.status {
		if st.State != StateFailed {
			st.State = StateStopped
		}
	}
	s.mu.Unlock()

	s.logger.Info("supervisor: stopped")
}

// runWatch keeps one watch alive, recreating its watcher with exponential
// backoff after failures. Only a watch on the filesystem root is abandoned.
func (s *Supervisor) runWatch(ctx context.Context, w config.WatchConfig) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RestartBackoff.Initial
	b.MaxInterval = s.cfg.RestartBackoff.Max
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		started, err := s.watchOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, filewatcher.ErrFileIsRoot) {
			s.logger.Error("supervisor: cannot watch path, giving up",
				slog.String("watch", w.Name),
				slog.String("path", w.Path),
				slog.Any("error", err),
			)
			s.setState(w.Name, StateFailed, err)
			return
		}
		if started {
			b.Reset()
		}

		s.mu.Lock()
		st := s.status[w.Name]
		st.Restarts++
		st.State = StateBackoff
		st.LastError = err.Error()
		st.RealFile = ""
		s.mu.Unlock()
		s.record(ctx, journal.Entry{
			Watch:  w.Name,
			Kind:   journal.KindRestarted,
			Detail: map[string]any{"error": err.Error()},
		})

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Error("supervisor: backoff exhausted; giving up", slog.String("watch", w.Name))
			s.setState(w.Name, StateFailed, err)
			return
		}
		s.logger.Warn("supervisor: watch failed, will restart",
			slog.String("watch", w.Name),
			slog.Any("error", err),
			slog.Duration("after", wait),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher until ctx is done or it fails. started reports
// whether the watcher was created.
func (s *Supervisor) watchOnce(ctx context.Context, w config.WatchConfig) (started bool, err error) {
	opts := []filewatcher.Option{
		filewatcher.WithDelay(s.cfg.Debounce),
		filewatcher.WithLogger(s.logger),
	}
	if s.notifier != nil {
		opts = append(opts, filewatcher.WithNotifier(s.notifier))
	}

	cb := watchCallbacks{s: s, ctx: ctx, w: w}
	var fw *filewatcher.FileWatcher[watchCallbacks]
	if w.WantsInitialEvent() {
		fw, err = filewatcher.Create(w.Path, cb, opts...)
	} else {
		fw, err = filewatcher.CreateWithNoInitialEvent(w.Path, cb, opts...)
	}
	if err != nil {
		return false, err
	}
	defer fw.Close()

	s.mu.Lock()
	st := s.status[w.Name]
	st.State = StateWatching
	st.RealFile = fw.RealFile()
	s.mu.Unlock()
	s.logger.Info("supervisor: watching",
		slog.String("watch", w.Name),
		slog.String("path", fw.Path()),
		slog.String("real_file", fw.RealFile()),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := fw.SingleIteration(); err != nil {
			return true, err
		}
		s.mu.Lock()
		s.status[w.Name].RealFile = fw.RealFile()
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return true, nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) setState(name, state string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	st.State = state
	if err != nil {
		st.LastError = err.Error()
	}
}

// handle counts, journals and acts on one file event.
func (s *Supervisor) handle(ctx context.Context, w config.WatchConfig, kind, path string) {
	now := time.Now()
	s.mu.Lock()
	st := s.status[w.Name]
	switch kind {
	case journal.KindAppeared:
		st.Appeared++
	case journal.KindModified:
		st.Modified++
	case journal.KindDisappeared:
		st.Disappeared++
	}
	st.LastEventAt = now.UTC().Format(time.RFC3339)
	s.lastEventAt = now
	s.mu.Unlock()

	s.logger.Info("supervisor: file event",
		slog.String("watch", w.Name),
		slog.String("event", kind),
		slog.String("path", path),
	)

	entry := journal.Entry{Watch: w.Name, Kind: kind, Path: path, Time: now}
	if w.Kind == config.KindPeers {
		entry.Detail = s.readPeers(ctx, w)
	}
	s.record(ctx, entry)

	ev := Event{Watch: w.Name, Kind: kind, Path: path}
	var err error
	if kind == journal.KindDisappeared && w.Kind != config.KindPlain {
		err = s.reloader.Hold(ctx, w, ev)
	} else {
		err = s.reloader.Reload(ctx, w, ev)
	}
	if err != nil {
		s.reloadFailed(ctx, w, path, err)
	}
}

func (s *Supervisor) reloadFailed(ctx context.Context, w config.WatchConfig, path string, err error) {
	s.logger.Warn("supervisor: reload failed",
		slog.String("watch", w.Name),
		slog.Any("error", err),
	)
	s.record(ctx, journal.Entry{
		Watch:  w.Name,
		Kind:   journal.KindReloadError,
		Path:   path,
		Detail: map[string]any{"error": err.Error()},
	})
}

// readPeers re-reads a peer list and returns the journal detail for it.
func (s *Supervisor) readPeers(ctx context.Context, w config.WatchConfig) map[string]any {
	members, err := peerwatch.ReadMembers(ctx, w.Path, s.resolver)
	if err != nil {
		s.logger.Warn("supervisor: cannot read peers",
			slog.String("watch", w.Name),
			slog.Any("error", err),
		)
		return map[string]any{"members_error": err.Error()}
	}
	s.mu.Lock()
	s.status[w.Name].Members = len(members)
	s.mu.Unlock()
	return map[string]any{"members": len(members)}
}

// countDirs counts directory activity that is not ignored.
func (s *Supervisor) countDirs(name string, dirs []string) {
	var n uint64
	for _, dir := range dirs {
		if !s.ignored(dir) {
			n++
		}
	}
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.status[name].DirEvents += n
	s.mu.Unlock()
}

func (s *Supervisor) ignored(dir string) bool {
	for _, g := range s.ignore {
		if g.Match(dir) {
			return true
		}
	}
	return false
}

func (s *Supervisor) record(ctx context.Context, e journal.Entry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		s.logger.Warn("supervisor: failed to journal event",
			slog.String("watch", e.Watch),
			slog.Any("error", err),
		)
	}
}

// Watches returns a snapshot of every watch in configuration order.
func (s *Supervisor) Watches() []WatchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WatchStatus, 0, len(s.cfg.Watches))
	for _, w := range s.cfg.Watches {
		out = append(out, *s.status[w.Name])
	}
	return out
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	Watches     int     `json:"watches"`
	Failed      int     `json:"failed"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the supervisor's health. The status is
// "degraded" while any watch has been abandoned.
func (s *Supervisor) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		Watches: len(s.status),
	}
	if !s.startTime.IsZero() {
		h.UptimeS = time.Since(s.startTime).Seconds()
	}
	for _, st := range s.status {
		if st.State == StateFailed {
			h.Failed++
		}
	}
	if h.Failed > 0 {
		h.Status = "degraded"
	}
	if !s.lastEventAt.IsZero() {
		h.LastEventAt = s.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the supervisor's
// health status as a JSON object and HTTP 200.
func (s *Supervisor) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("supervisor: healthz: failed to encode response", slog.Any("error", err))
	}
}

// watchCallbacks forwards one watch's callbacks to the supervisor.
type watchCallbacks struct {
	s   *Supervisor
	ctx context.Context
	w   config.WatchConfig
}

func (c watchCallbacks) FileAppeared(p string) {
	c.s.handle(c.ctx, c.w, journal.KindAppeared, p)
}

func (c watchCallbacks) FileModified(p string) {
	c.s.handle(c.ctx, c.w, journal.KindModified, p)
}

func (c watchCallbacks) FileDisappeared(p string) {
	c.s.handle(c.ctx, c.w, journal.KindDisappeared, p)
}

func (c watchCallbacks) EventInDirectories(dirs []string) {
	c.s.countDirs(c.w.Name, dirs)
}

// watchService presents a watch to the user config watcher.
type watchService struct {
	w config.WatchConfig
}

func (s watchService) Name() string         { return s.w.Name }
func (s watchService) ServiceGroup() string { return s.w.Name + "." + s.w.Kind }

func (s watchService) UserConfigPath() userconfig.ConfigPath {
	return userconfig.ConfigPath{Dir: s.w.UserConfigDir, Deprecated: s.w.UserConfigDeprecated}
}
