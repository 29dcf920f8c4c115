package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Policy   PolicyConfig
	Ledger   LedgerConfig
	JobStore JobStoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Upstream UpstreamConfig
	Worker   WorkerConfig
	Media    MediaConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Notify   NotifyConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int `validate:"gt=0,lte=65535"`
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	IPRateLimit     float64 // requests per second per client IP before auth, 0 disables
	IPBurst         int
}

// AuthConfig selects how bearer tokens are verified
type AuthConfig struct {
	Mode              string `validate:"oneof=firebase hmac"`
	FirebaseProjectID string
	CertsURL          string
	HMACSecret        string
	DefaultTenant     string
}

// PolicyConfig holds the admission limits
type PolicyConfig struct {
	MaxFileMB        int    `validate:"gte=0"`
	MaxClipMin       int    `validate:"gte=0"`
	RPMPerUser       int    `validate:"gte=0"`
	RPMPerTenant     int    `validate:"gte=0"`
	ConcurrentUser   int    `validate:"gte=0"`
	ConcurrentTenant int    `validate:"gte=0"`
	MinutesPerDay    int    `validate:"gte=0"`
	MinutesPerMonth  int    `validate:"gte=0"`
	DefaultModel     string `validate:"required"`
	AllowDiarization bool
	AllowedModels    []string
}

// LedgerConfig selects the usage ledger backend
type LedgerConfig struct {
	Backend string `validate:"oneof=memory redis"`
}

// JobStoreConfig selects the job store backend
type JobStoreConfig struct {
	Driver string `validate:"oneof=memory postgres"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration. URL wins over Host/Port when set.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Driver   string `validate:"oneof=memory amqp"`
	Capacity int
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// StorageConfig holds media storage configuration
type StorageConfig struct {
	Driver          string `validate:"oneof=local minio"`
	LocalDir        string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// UpstreamConfig holds the speech-to-text provider configuration
type UpstreamConfig struct {
	Provider     string `validate:"oneof=whisper_api openai"`
	BaseURL      string
	APIKey       string
	Timeout      time.Duration `validate:"gt=0"`
	PollInterval time.Duration
	OpenAIModel  string
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Count         int `validate:"gt=0"`
	Embedded      bool
	MaxAttempts   int `validate:"gt=0"`
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RecoveryGrace time.Duration
	TempDir       string
}

// MediaConfig holds media probing configuration
type MediaConfig struct {
	Probe       bool
	FFprobePath string
	TempDir     string
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the standalone metrics server configuration
type MetricsConfig struct {
	Port int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	SampleRatio float64 `validate:"gte=0,lte=1"` // 0 or 1 samples everything
}

// NotifyConfig holds the completion webhook configuration
type NotifyConfig struct {
	WebhookURL string
	Secret     string
	Timeout    time.Duration
}

// envBindings maps config keys to the documented environment variables
var envBindings = map[string]string{
	"server.port":             "PORT",
	"upstream.baseURL":        "WHISPER_API_BASE",
	"upstream.apiKey":         "WHISPER_API_KEY",
	"auth.firebaseProjectID":  "FIREBASE_PROJECT_ID",
	"ledger.backend":          "LIMITER_BACKEND",
	"redis.url":               "REDIS_URL",
	"policy.maxFileMB":        "MAX_FILE_MB",
	"policy.maxClipMin":       "MAX_CLIP_MIN",
	"policy.rpmPerUser":       "RPM_PER_USER",
	"policy.rpmPerTenant":     "RPM_PER_TENANT",
	"policy.concurrentUser":   "CONCURRENT_USER",
	"policy.concurrentTenant": "CONCURRENT_TENANT",
	"policy.minutesPerDay":    "MINUTES_PER_DAY",
	"policy.minutesPerMonth":  "MINUTES_PER_MONTH",
	"policy.defaultModel":     "DEFAULT_MODEL",
	"policy.allowDiarization": "ALLOW_DIARIZATION",
}

// Load reads configuration from an optional YAML file, a .env file and
// environment variables. An empty path skips the file.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Mode == "firebase" && c.Auth.FirebaseProjectID == "" {
		return errors.New("invalid config: auth.firebaseProjectID is required in firebase mode")
	}
	if c.Auth.Mode == "hmac" && c.Auth.HMACSecret == "" {
		return errors.New("invalid config: auth.hmacSecret is required in hmac mode")
	}
	if grace := c.Worker.RecoveryGrace; grace > 0 && c.JobBudget() >= grace {
		return fmt.Errorf("invalid config: worker.recoveryGrace %s must exceed the worst-case job time %s", grace, c.JobBudget())
	}
	return nil
}

// JobBudget is the longest a worker can hold one job: every attempt runs to
// upstream.timeout and every backoff to its cap
func (c *Config) JobBudget() time.Duration {
	attempts := c.Worker.MaxAttempts
	budget := c.Upstream.Timeout * time.Duration(attempts)

	for n := 1; n < attempts; n++ {
		wait := c.Worker.BackoffBase << (n - 1)
		if wait <= 0 || wait > c.Worker.BackoffMax {
			wait = c.Worker.BackoffMax
		}
		budget += wait
	}
	return budget
}

// Limits returns the immutable admission policy
func (p PolicyConfig) Limits() models.PolicyLimits {
	allowed := append([]string(nil), p.AllowedModels...)
	return models.PolicyLimits{
		MaxFileMB:        p.MaxFileMB,
		MaxClipMin:       p.MaxClipMin,
		RPMPerUser:       p.RPMPerUser,
		RPMPerTenant:     p.RPMPerTenant,
		ConcurrentUser:   p.ConcurrentUser,
		ConcurrentTenant: p.ConcurrentTenant,
		MinutesPerDay:    p.MinutesPerDay,
		MinutesPerMonth:  p.MinutesPerMonth,
		DefaultModel:     p.DefaultModel,
		AllowDiarization: p.AllowDiarization,
		AllowedModels:    allowed,
	}
}

// Addr returns the redis address for Host/Port configuration
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "60s")
	v.SetDefault("server.writeTimeout", "60s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.ipRateLimit", 20)
	v.SetDefault("server.ipBurst", 40)

	// Auth defaults
	v.SetDefault("auth.mode", "firebase")
	v.SetDefault("auth.firebaseProjectID", "demo-whisper-th")
	v.SetDefault("auth.hmacSecret", "")
	v.SetDefault("auth.defaultTenant", "")
	v.SetDefault("auth.certsURL", "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com")

	// Policy defaults
	v.SetDefault("policy.maxFileMB", 200)
	v.SetDefault("policy.maxClipMin", 90)
	v.SetDefault("policy.rpmPerUser", 30)
	v.SetDefault("policy.rpmPerTenant", 120)
	v.SetDefault("policy.concurrentUser", 1)
	v.SetDefault("policy.concurrentTenant", 5)
	v.SetDefault("policy.minutesPerDay", 120)
	v.SetDefault("policy.minutesPerMonth", 0)
	v.SetDefault("policy.defaultModel", "large-v3")
	v.SetDefault("policy.allowDiarization", false)
	v.SetDefault("policy.allowedModels", []string{"tiny", "base", "small", "medium", "large", "large-v2", "large-v3"})

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("jobstore.driver", "memory")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "whisperproxy")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Queue defaults
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")

	// Storage defaults
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.localDir", "/tmp/whisperproxy/media")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "transcriptions")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Upstream defaults
	v.SetDefault("upstream.provider", "whisper_api")
	v.SetDefault("upstream.baseURL", "https://api.whisper-api.com")
	v.SetDefault("upstream.apiKey", "")
	v.SetDefault("upstream.timeout", "120s")
	v.SetDefault("upstream.pollInterval", "2s")
	v.SetDefault("upstream.openAIModel", "whisper-1")

	// Worker defaults
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.embedded", true)
	v.SetDefault("worker.maxAttempts", 3)
	v.SetDefault("worker.backoffBase", "1s")
	v.SetDefault("worker.backoffMax", "30s")
	v.SetDefault("worker.recoveryGrace", "10m")
	v.SetDefault("worker.tempDir", "/tmp/whisperproxy/work")

	v.SetDefault("media.probe", false)
	v.SetDefault("media.ffprobePath", "ffprobe")
	v.SetDefault("media.tempDir", "/tmp/whisperproxy/uploads")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "whisperproxy")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampleRatio", 1.0)

	v.SetDefault("notify.webhookURL", "")
	v.SetDefault("notify.secret", "")
	v.SetDefault("notify.timeout", "10s")
}
