package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"

policy:
  concurrentUser: 2
  minutesPerDay: 60

upstream:
  provider: openai
  timeout: 45s

worker:
  count: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Policy.ConcurrentUser)
	assert.Equal(t, 60, cfg.Policy.MinutesPerDay)
	assert.Equal(t, "openai", cfg.Upstream.Provider)
	assert.Equal(t, 45*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 8, cfg.Worker.Count)

	// untouched values keep their defaults
	assert.Equal(t, 200, cfg.Policy.MaxFileMB)
	assert.Equal(t, "large-v3", cfg.Policy.DefaultModel)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	limits := cfg.Policy.Limits()
	assert.Equal(t, 200, limits.MaxFileMB)
	assert.Equal(t, 90, limits.MaxClipMin)
	assert.Equal(t, 30, limits.RPMPerUser)
	assert.Equal(t, 120, limits.RPMPerTenant)
	assert.Equal(t, 1, limits.ConcurrentUser)
	assert.Equal(t, 5, limits.ConcurrentTenant)
	assert.Equal(t, 120, limits.MinutesPerDay)
	assert.Equal(t, 0, limits.MinutesPerMonth)
	assert.False(t, limits.AllowDiarization)
	assert.Contains(t, limits.AllowedModels, "large-v3")
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoadDocumentedEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("LIMITER_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("CONCURRENT_USER", "3")
	t.Setenv("MINUTES_PER_MONTH", "600")
	t.Setenv("ALLOW_DIARIZATION", "true")
	t.Setenv("DEFAULT_MODEL", "medium")
	t.Setenv("WHISPER_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Ledger.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, 3, cfg.Policy.ConcurrentUser)
	assert.Equal(t, 600, cfg.Policy.MinutesPerMonth)
	assert.True(t, cfg.Policy.AllowDiarization)
	assert.Equal(t, "medium", cfg.Policy.DefaultModel)
	assert.Equal(t, "sk-test", cfg.Upstream.APIKey)
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown ledger backend", "ledger:\n  backend: etcd\n"},
		{"negative quota", "policy:\n  minutesPerDay: -1\n"},
		{"zero workers", "worker:\n  count: 0\n"},
		{"hmac without secret", "auth:\n  mode: hmac\n"},
		{"sample ratio above one", "tracing:\n  sampleRatio: 1.5\n"},
		{"grace shorter than job budget", "upstream:\n  timeout: 5m\nworker:\n  maxAttempts: 3\n  recoveryGrace: 10m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestJobBudget(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	// 3 attempts of 120s plus 1s and 2s of backoff
	assert.Equal(t, 363*time.Second, cfg.JobBudget())
	assert.Less(t, cfg.JobBudget(), cfg.Worker.RecoveryGrace)

	cfg.Worker.BackoffBase = time.Minute
	cfg.Worker.BackoffMax = 90 * time.Second
	assert.Equal(t, 6*time.Minute+150*time.Second, cfg.JobBudget())
}

func TestValidateRejectsGraceAtJobBudget(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Worker.RecoveryGrace = cfg.JobBudget()
	assert.ErrorContains(t, cfg.Validate(), "worker.recoveryGrace")

	cfg.Worker.RecoveryGrace = cfg.JobBudget() + time.Second
	assert.NoError(t, cfg.Validate())
}

func TestLimitsIsACopy(t *testing.T) {
	p := PolicyConfig{DefaultModel: "base", AllowedModels: []string{"base"}}
	limits := p.Limits()
	limits.AllowedModels[0] = "tiny"

	assert.Equal(t, "base", p.AllowedModels[0])
}
