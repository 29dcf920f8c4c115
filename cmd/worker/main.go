package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/bootstrap"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/config"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/monitoring"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logger = logger.WithField("component", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer app.Close()

	metricsServer := metrics.NewServer(cfg.Metrics.Port, app.Health)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.ErrorWithErr("Metrics server failed", err)
		}
	}()

	pool := app.NewPool()
	if err := pool.Start(ctx); err != nil {
		logger.Fatalf("Failed to start worker pool: %v", err)
	}

	// re-run recovery periodically so jobs orphaned by peers are picked up
	monitoring.NewMonitor(app.Queue, pool, cfg.Worker.RecoveryGrace, logger).Start(ctx)

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down worker gracefully...")
	cancel()
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Metrics server shutdown failed", err)
	}

	logger.Info("Worker stopped")
}
