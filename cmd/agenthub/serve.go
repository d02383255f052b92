package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agenthub/internal/config"
	"agenthub/internal/hub"
	"agenthub/internal/telemetry"
	"agenthub/internal/web"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	telemetry.InitLogger(cfg.Debug, cfg.LogFile)

	h, err := hub.New(cfg)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           web.New(h).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Hub listening", "addr", cfg.Listen, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	h.Shutdown(shutdownCtx)
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agenthub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "agenthub %s\n", version)
	},
}

var version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}
