package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SCORING_URL", "SCORING_MODE", "SCORING_TIMEOUT", "SETTINGS_BACKEND", "KAFKA_BROKERS", "MAX_UPLOAD_BYTES", "CORS_ORIGINS"} {
		setEnv(t, k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultScoringURL, cfg.ScoringURL)
	assert.Equal(t, "batch", cfg.ScoringMode)
	assert.Equal(t, DefaultScoringTimeout, cfg.ScoringTimeout)
	assert.Equal(t, "file", cfg.SettingsBackend)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.StreamEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "SCORING_URL", "http://scorer:5000/")
	setEnv(t, "SCORING_MODE", "Sequential")
	setEnv(t, "SCORING_TIMEOUT", "5s")
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092,")
	setEnv(t, "SETTINGS_BACKEND", "file")
	setEnv(t, "CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://scorer:5000", cfg.ScoringURL)
	assert.Equal(t, "sequential", cfg.ScoringMode)
	assert.Equal(t, 5*time.Second, cfg.ScoringTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.StreamEnabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_InvalidMode(t *testing.T) {
	setEnv(t, "SCORING_MODE", "parallel")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCORING_MODE")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			ScoringURL:      "http://localhost:5000",
			ScoringMode:     "batch",
			ScoringTimeout:  time.Second,
			SettingsBackend: "file",
			SettingsPath:    "settings.json",
			MaxUploadBytes:  1024,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"relative scoring url", func(c *Config) { c.ScoringURL = "scorer" }, "absolute URL"},
		{"zero timeout", func(c *Config) { c.ScoringTimeout = 0 }, "SCORING_TIMEOUT"},
		{"postgres without dsn", func(c *Config) { c.SettingsBackend = "postgres" }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.SettingsBackend = "redis" }, "REDIS_URL"},
		{"unknown backend", func(c *Config) { c.SettingsBackend = "etcd" }, "SETTINGS_BACKEND"},
		{"no upload budget", func(c *Config) { c.MaxUploadBytes = 0 }, "MAX_UPLOAD_BYTES"},
		{"webhook url", func(c *Config) { c.AlertWebhookURLs = []string{"https://hooks.example/alerts"} }, ""},
		{"webhook not http", func(c *Config) { c.AlertWebhookURLs = []string{"ftp://hooks.example"} }, "ALERT_WEBHOOK_URLS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	setEnv(t, "FINOMALY_TEST_BOOL", "true")
	assert.True(t, getEnvBool("FINOMALY_TEST_BOOL", false))
	setEnv(t, "FINOMALY_TEST_BOOL", "nope")
	assert.False(t, getEnvBool("FINOMALY_TEST_BOOL", false))
}
