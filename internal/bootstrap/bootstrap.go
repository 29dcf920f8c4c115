// Package bootstrap builds the service graph from configuration. Both
// binaries share it so the API and the worker always agree on backends.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/admission"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/auth"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/cache"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/config"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/jobstore"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/ledger"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/logging"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/media"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/notify"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/queue"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/storage"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/tracing"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/transcriber"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/worker"
)

// Pinger is implemented by backends that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}

// App holds every long-lived dependency
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Cache      *cache.Cache
	Ledger     ledger.Ledger
	Store      jobstore.Store
	Queue      queue.Queue
	Media      storage.MediaStore
	Verifier   auth.Verifier
	Provider   transcriber.Provider
	Notifier   notify.Notifier
	Controller *admission.Controller

	idem    admission.Idempotency
	checks  map[string]Pinger
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New connects to every configured backend
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		checks: make(map[string]Pinger),
	}

	if err := app.init(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer)

	if err := a.initRedis(); err != nil {
		return err
	}

	limits := cfg.Policy.Limits()
	switch cfg.Ledger.Backend {
	case "redis":
		rl := ledger.NewRedisLedger(a.Cache.Client(), limits)
		a.Ledger = rl
		a.checks["ledger"] = rl
	default:
		a.Ledger = ledger.NewMemoryLedger(limits)
	}

	if a.Cache != nil {
		a.idem = a.Cache
		a.checks["redis"] = a.Cache
	} else {
		a.idem = cache.NewMemoryIdempotency()
	}

	if err := a.initStore(ctx); err != nil {
		return err
	}
	if err := a.initQueue(); err != nil {
		return err
	}
	if err := a.initMedia(ctx); err != nil {
		return err
	}

	switch cfg.Auth.Mode {
	case "hmac":
		a.Verifier = auth.NewHMACVerifier(cfg.Auth.HMACSecret, cfg.Auth.DefaultTenant)
	default:
		a.Verifier = auth.NewFirebaseVerifier(cfg.Auth.FirebaseProjectID, cfg.Auth.CertsURL)
	}

	switch cfg.Upstream.Provider {
	case "openai":
		a.Provider = transcriber.NewOpenAIProvider(cfg.Upstream.APIKey, cfg.Upstream.BaseURL, cfg.Upstream.OpenAIModel)
	default:
		a.Provider = transcriber.NewWhisperAPIProvider(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.PollInterval)
	}

	if cfg.Notify.WebhookURL != "" {
		a.Notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Secret, cfg.Notify.Timeout, a.Logger)
	} else {
		a.Notifier = notify.Nop{}
	}

	deps := admission.Deps{
		Limits:      limits,
		Ledger:      a.Ledger,
		Store:       a.Store,
		Queue:       a.Queue,
		Media:       a.Media,
		Idempotency: a.idem,
		Logger:      a.Logger,
	}
	if cfg.Media.Probe {
		deps.Prober = media.NewFFprobe(cfg.Media.FFprobePath)
	}
	a.Controller = admission.NewController(deps)

	return nil
}

func (a *App) initRedis() error {
	cfg := a.Config
	if cfg.Ledger.Backend != "redis" && cfg.Redis.URL == "" {
		return nil
	}

	var (
		c   *cache.Cache
		err error
	)
	if cfg.Redis.URL != "" {
		c, err = cache.NewCacheFromURL(cfg.Redis.URL)
	} else {
		c, err = cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	}
	if err != nil {
		return err
	}

	a.Cache = c
	a.closers = append(a.closers, c)
	a.Logger.Info("Redis connected")
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.Config.JobStore.Driver != "postgres" {
		s := jobstore.NewMemoryStore(a.Ledger, a.Logger)
		a.Store = s
		a.checks["jobstore"] = s
		return nil
	}

	pool, err := jobstore.OpenPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closerFunc(func() error { pool.Close(); return nil }))

	s := jobstore.NewPostgresStore(pool, a.Ledger, a.Logger)
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	a.Store = s
	a.checks["jobstore"] = s
	a.Logger.Info("Postgres job store ready")
	return nil
}

func (a *App) initQueue() error {
	cfg := a.Config.Queue
	if cfg.Driver != "amqp" {
		a.Queue = queue.NewMemoryQueue(cfg.Capacity)
		a.closers = append(a.closers, a.Queue)
		return nil
	}

	q, err := queue.NewAMQPQueue(cfg)
	if err != nil {
		return err
	}
	a.Queue = q
	a.closers = append(a.closers, q)
	a.Logger.Info("RabbitMQ connected")
	return nil
}

func (a *App) initMedia(ctx context.Context) error {
	cfg := a.Config.Storage
	if cfg.Driver != "minio" {
		s, err := storage.NewLocalStore(cfg.LocalDir)
		if err != nil {
			return err
		}
		a.Media = s
		return nil
	}

	s, err := storage.NewMinioStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.Media = s
	a.checks["storage"] = s
	return nil
}

// NewPool builds a worker pool bound to this app's backends
func (a *App) NewPool() *worker.Pool {
	cfg := a.Config
	deps := worker.Deps{
		Store:    a.Store,
		Ledger:   a.Ledger,
		Queue:    a.Queue,
		Media:    a.Media,
		Provider: a.Provider,
		Notifier: a.Notifier,
		Logger:   a.Logger,
	}
	if a.Cache != nil {
		deps.Locker = a.Cache
	}

	return worker.NewPool(worker.Config{
		Count:          cfg.Worker.Count,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		AttemptTimeout: cfg.Upstream.Timeout,
		BackoffBase:    cfg.Worker.BackoffBase,
		BackoffMax:     cfg.Worker.BackoffMax,
		RecoveryGrace:  cfg.Worker.RecoveryGrace,
	}, deps)
}

// Health pings every backend that supports it and returns the failures
func (a *App) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, p := range a.checks {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if _, err := a.Queue.Depth(ctx); err != nil {
		failures["queue"] = err.Error()
	}
	return failures
}

// TempDir returns the directory uploads are staged in, creating it
func (a *App) TempDir() (string, error) {
	dir := a.Config.Media.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	return dir, nil
}

// Close releases every connection in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}
