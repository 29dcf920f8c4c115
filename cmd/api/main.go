package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/bootstrap"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/config"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/middleware"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/worker"
)

func main() {
	// Load configuration. Without CONFIG_PATH everything comes from the
	// environment and defaults.
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
	logger = logger.WithField("component", "api")

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer app.Close()

	tempDir, err := app.TempDir()
	if err != nil {
		logger.Fatalf("Failed to prepare upload dir: %v", err)
	}

	// Workers share this process when no separate worker binary is deployed
	var (
		pool    *worker.Pool
		sweeper monitoring.Sweeper
	)
	if cfg.Worker.Embedded {
		pool = app.NewPool()
		app.Controller.SetAborter(pool)
		if err := pool.Start(ctx); err != nil {
			logger.Fatalf("Failed to start worker pool: %v", err)
		}
		sweeper = pool
	}

	monitor := monitoring.NewMonitor(app.Queue, sweeper, cfg.Worker.RecoveryGrace, logger)
	monitor.Start(ctx)

	var rl *middleware.RateLimiter
	if cfg.Server.IPRateLimit > 0 {
		rl = middleware.NewRateLimiter(cfg.Server.IPRateLimit, cfg.Server.IPBurst)
		go rl.Cleanup(ctx)
	}

	api := &API{
		ctrl:    app.Controller,
		store:   app.Store,
		ledger:  app.Ledger,
		health:  app.Health,
		monitor: monitor,
		logger:  logger,
		tempDir: tempDir,
	}

	router := setupRouter(api, app.Verifier, rl)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}

	cancel()
	if pool != nil {
		pool.Stop()
	}

	logger.Info("Server stopped")
}
