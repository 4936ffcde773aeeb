package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/chainwatch/internal/config"
	"github.com/tripwire/chainwatch/internal/journal"
	"github.com/tripwire/chainwatch/internal/server"
	"github.com/tripwire/chainwatch/internal/supervisor"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watch daemon",
	Long: `Load the configuration, start one watch per configured file, record
every event in the journal and serve the status API until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "/etc/chainwatch/config.yaml", "path to the YAML configuration file")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(runConfigPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("config_path", runConfigPath),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("journal_path", cfg.JournalPath),
		slog.Int("watches", len(cfg.Watches)),
	)

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	var auth *server.AuthConfig
	if cfg.APIAuth.PublicKeyPath != "" {
		key, err := server.LoadPublicKey(cfg.APIAuth.PublicKeyPath)
		if err != nil {
			return err
		}
		auth = &server.AuthConfig{
			PublicKey: key,
			Issuer:    cfg.APIAuth.Issuer,
			Audience:  cfg.APIAuth.Audience,
			Logger:    logger,
		}
	}

	sup, err := supervisor.New(cfg, logger, supervisor.WithJournal(j))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.NewRouter(server.NewServer(sup, j, server.WithLogger(logger)), auth),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("status API listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("status API failed", slog.Any("error", err))
		}
	}

	// Stop the watches first so no event is recorded into a closed journal.
	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown error", slog.Any("error", err))
	}

	logger.Info("chainwatch exited cleanly")
	return nil
}
