// Parley orchestrator server — exposes the HTTP API, runs the queue
// worker pool, and applies database migrations on startup.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parley-ai/parley/pkg/api"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/runtime"
	"github.com/parley-ai/parley/pkg/version"
)

// shutdownTimeout bounds the graceful drain of in-flight events plus the
// HTTP server shutdown.
const shutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("PARLEY_CONFIG", "parley.yaml"),
		"Path to the configuration file")
	envPath := flag.String("env", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	podID := runtime.ResolvePodID()
	slog.Info("Starting parley",
		"version", version.Full(), "pod_id", podID, "config", *configPath)

	ctx := context.Background()

	// 1. Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Wire the instance: database (with migrations), services,
	// registries, event streaming, worker pool
	inst, err := runtime.CreateInstance(ctx, cfg)
	if err != nil {
		slog.Error("Failed to create instance", "error", err)
		os.Exit(1)
	}

	// 3. Start the listener and the worker pool (releases stale claims
	// from a previous run of this pod first)
	if err := inst.Start(ctx); err != nil {
		slog.Error("Failed to start instance", "error", err)
		os.Exit(1)
	}

	// 4. Start the HTTP server (non-blocking)
	httpServer := api.NewServer(cfg.Server, inst)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Parley started",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"agents", len(cfg.Agents))

	// 5. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown: stop accepting requests, then drain workers
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		inst.Stop(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — unfinished events will be reclaimed by lease expiry")
	}
}
