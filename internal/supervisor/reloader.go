package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/tripwire/chainwatch/internal/config"
)

// Event is a file event delivered to a Reloader.
type Event struct {
	// Watch is the configured watch name.
	Watch string
	// Kind is one of the journal.Kind* event kinds.
	Kind string
	// Path is the resolved file.
	Path string
}

// Reloader reacts to file events on behalf of the watched service.
type Reloader interface {
	// Reload is called when the file appeared or changed.
	Reload(ctx context.Context, w config.WatchConfig, ev Event) error
	// Hold is called when a configuration file disappeared; the service
	// should keep running with what it already loaded.
	Hold(ctx context.Context, w config.WatchConfig, ev Event) error
}

// CommandReloader runs a watch's reload_command, passing the event in the
// CHAINWATCH_WATCH, CHAINWATCH_EVENT and CHAINWATCH_PATH environment
// variables. Watches without a command are only logged.
type CommandReloader struct {
	logger *slog.Logger
}

// NewCommandReloader returns a CommandReloader logging to logger.
func NewCommandReloader(logger *slog.Logger) *CommandReloader {
	return &CommandReloader{logger: logger}
}

// Reload implements Reloader.
func (r *CommandReloader) Reload(ctx context.Context, w config.WatchConfig, ev Event) error {
	if len(w.ReloadCommand) == 0 {
		r.logger.Info("supervisor: no reload command configured",
			slog.String("watch", w.Name),
			slog.String("event", ev.Kind),
		)
		return nil
	}

	cmd := exec.CommandContext(ctx, w.ReloadCommand[0], w.ReloadCommand[1:]...)
	cmd.Env = append(os.Environ(),
		"CHAINWATCH_WATCH="+ev.Watch,
		"CHAINWATCH_EVENT="+ev.Kind,
		"CHAINWATCH_PATH="+ev.Path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("supervisor: reload command %q for %s: %w (output: %q)",
			strings.Join(w.ReloadCommand, " "), w.Name, err, strings.TrimSpace(string(out)))
	}
	r.logger.Info("supervisor: reload command finished",
		slog.String("watch", w.Name),
		slog.String("event", ev.Kind),
		slog.String("path", ev.Path),
	)
	return nil
}

// Hold implements Reloader.
func (r *CommandReloader) Hold(_ context.Context, w config.WatchConfig, ev Event) error {
	r.logger.Warn("supervisor: configuration file disappeared, keeping last loaded version",
		slog.String("watch", w.Name),
		slog.String("path", ev.Path),
	)
	return nil
}
