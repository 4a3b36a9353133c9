package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rollbox/internal/provenance"
	"rollbox/internal/retention"
	"rollbox/internal/server"
)

const shutdownTimeout = 30 * time.Second

var (
	host     string
	port     int
	testMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API server",
	Long: `Start the HTTP server that exposes deployment history and accepts signed
rollback, record and cleanup requests.

History retention runs on the configured cron schedule while the server is up.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("ROLLBOX_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("ROLLBOX_PORT", 5050), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("ROLLBOX_TEST_MODE") == "1", "Disable rate limiting")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("Starting rollbox", "version", version, "projects", a.registry.Count())

	if a.registry.Count() == 0 {
		logger.Warn("No projects configured; the server will start but has nothing to manage")
	}

	srv := server.NewServer(a.registry, a.store, a.runner(), a.notifier(), logger, testMode)
	srv.Keep = a.config.Retention.Keep

	if a.config.GitHubToken != "" {
		resolver, err := provenance.NewResolver(a.config.GitHubToken)
		if err != nil {
			return fmt.Errorf("failed to create GitHub client: %w", err)
		}
		srv.Resolver = resolver
	}

	janitor, err := retention.NewJanitor(a.store, a.registry, a.config.Retention.Keep, a.config.Retention.Schedule, logger)
	if err != nil {
		return err
	}
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(host, port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("Shutting down, waiting for running rollbacks", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}
