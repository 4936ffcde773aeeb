package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chainwatch",
	Short: "Symlink-aware file watcher",
	Long: `chainwatch watches files whose path may pass through any number of
symlinks, and reports when the real file at the end of the chain appears,
changes or disappears.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn or error")
	rootCmd.AddCommand(runCmd, watchCmd, peersCmd, validateCmd, exportCmd, verifyCmd, versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to w at the requested minimum level.
func newLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
