// Package main is the entry point for the traffic logging reference server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trafficlog/config"
	"trafficlog/internal/logging"
	"trafficlog/internal/observability"
	"trafficlog/internal/server"
	"trafficlog/internal/trafficlog"
	"trafficlog/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration first: capture policy must be valid before anything
	// else starts. A malformed setting is a startup failure.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)

	slog.Info("starting trafficlogd",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	// Metrics hooks must exist before the middleware so capture outcomes are
	// counted from the first request.
	var hooks trafficlog.Hooks
	if cfg.Metrics.Enabled {
		hooks = observability.NewPrometheusHooks()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: MASTER_KEY not set - server running without authentication",
			"recommendation", "set MASTER_KEY environment variable to secure this server")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	slog.Info("traffic capture policy",
		"request_body", cfg.Logging.LogRequestBody,
		"request_max_bytes", cfg.Logging.LogRequestBodyMaxSize,
		"response_body", cfg.Logging.LogResponseBody,
		"response_max_bytes", cfg.Logging.LogResponseBodyMaxSize,
	)

	emitter := trafficlog.NewEmitter(trafficlog.NewSlogSink(logger), hooks)

	srv := server.New(cfg, emitter)

	// Start the server in a goroutine so we can wait on signals
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		slog.Info("server listening", "addr", addr)
		errCh <- srv.Start(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("server stopped")
}
