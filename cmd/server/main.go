package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/metrics"
	"github.com/nicktill/tinyair/pkg/server"
)

func main() {
	cfg := config.Load()
	logger := server.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Error("failed to listen", "port", cfg.Port, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, ln); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("tinyair server exited cleanly")
}

// run serves on ln until ctx is cancelled, then shuts everything down.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	logger.Info("starting tinyair server",
		"device_id", cfg.DeviceID,
		"storage", cfg.StorageBackend,
		"ingest_interval", cfg.IngestInterval.String(),
	)

	store, err := server.InitializeStorage(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}

	app := server.Initialize(ctx, cfg, logger, store, metrics.New())
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	app.FetchInitialToken(ctx)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	app.StartBackground(bgCtx, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, server.NewHandlers(app.Service, logger), app.Metrics, app.Hub)

	srv := &http.Server{
		Handler:      server.CORS(router),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		cancel()
		server.WaitWithDeadline(&wg, config.BackgroundStopDeadline)
		return err
	}

	// Cancel background work first: the hub closes WebSocket connections,
	// which Shutdown does not track.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown warning", "error", err)
	}

	if !server.WaitWithDeadline(&wg, config.BackgroundStopDeadline) {
		logger.Warn("some background tasks did not stop in time")
	} else {
		logger.Info("all background tasks stopped cleanly")
	}
	return nil
}
