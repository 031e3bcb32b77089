package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/koltyakov/steer/internal/certs"
	"github.com/koltyakov/steer/internal/config"
	"github.com/koltyakov/steer/internal/log"
	"github.com/koltyakov/steer/internal/metrics"
	"github.com/koltyakov/steer/internal/proxy"
	"github.com/koltyakov/steer/internal/store/sqlite"
	"github.com/koltyakov/steer/internal/worker"
)

// runServe starts the supervisor, which forks the worker fleet. When the
// environment already carries a WORKER_ID the process is itself a worker
// (useful under external process managers) and skips supervision.
func runServe(_ []string) int {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	if cfg.WorkerID >= 0 {
		return runWorker(nil)
	}

	logger := log.New(cfg.LogLevel)
	n := worker.Count()
	logger.Info("steer starting", "version", version, "workers", n,
		"http_port", cfg.HTTPPort, "https", cfg.EnableHTTPS)

	sup, err := worker.NewSupervisor(logger, n)
	if err != nil {
		logger.Error("supervisor init failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sup.Run(ctx)
}

// runWorker initializes one worker: store, certificate manager, proxy
// listeners. Initialization failures are fatal and exit 1; the supervisor
// respawns.
func runWorker(_ []string) int {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	logger := log.NewWorker(cfg.LogLevel, cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Error("storage init failed", "db", cfg.DBPath, "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("mapping store opened", "db", cfg.DBPath)

	met := metrics.New("steer")

	certManager, err := certs.New(ctx, cfg.CertsDir, cfg.ACMEDirectoryURL, logger, met)
	if err != nil {
		logger.Error("certificate manager init failed", "dir", cfg.CertsDir, "err", err)
		return 1
	}
	logger.Info("certificate manager initialized", "dir", cfg.CertsDir)

	server := proxy.New(cfg, store, certManager, logger, met)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "err", err)
		return 1
	}
	return 0
}
