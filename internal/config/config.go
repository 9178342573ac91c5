// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Scoring service
	ScoringURL      string        // Base URL of the external scoring service
	ScoringMode     string        // "batch" or "sequential"
	ScoringTimeout  time.Duration // Per-request bound
	BreakerTrips    int           // Consecutive transport faults before short-circuiting
	BreakerCooldown time.Duration // How long a tripped endpoint stays short-circuited

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory document store if not set)
	RedisURL        string // Redis URL for the settings backend (optional)
	SettingsBackend string // "file", "postgres", or "redis"
	SettingsPath    string // File backend location

	// Live stream
	KafkaBrokers           []string
	KafkaTransactionsTopic string
	KafkaAlertsTopic       string
	KafkaGroupID           string

	// Observability
	OTLPEndpoint string

	// HTTP
	CORSOrigins    []string
	MaxUploadBytes int64
	RateLimitRPM   int

	// Outbound alert webhooks
	AlertWebhookURLs   []string
	AlertWebhookSecret string

	SeedSampleData bool
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultScoringURL      = "http://localhost:5000"
	DefaultScoringMode     = "batch"
	DefaultScoringTimeout  = 30 * time.Second
	DefaultBreakerTrips    = 5
	DefaultBreakerCooldown = 30 * time.Second
	DefaultSettingsBackend = "file"
	DefaultSettingsPath    = "finomaly_settings.json"
	DefaultMaxUploadBytes  = 10 << 20
	DefaultRateLimit       = 120
	DefaultKafkaTxTopic    = "transactions"
	DefaultKafkaAlertTopic = "anomalyAlerts"
	DefaultKafkaGroupID    = "finomaly-monitor"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		ScoringURL:             strings.TrimRight(getEnv("SCORING_URL", DefaultScoringURL), "/"),
		ScoringMode:            strings.ToLower(getEnv("SCORING_MODE", DefaultScoringMode)),
		ScoringTimeout:         getEnvDuration("SCORING_TIMEOUT", DefaultScoringTimeout),
		BreakerTrips:           int(getEnvInt64("SCORING_BREAKER_TRIPS", DefaultBreakerTrips)),
		BreakerCooldown:        getEnvDuration("SCORING_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		SettingsBackend:        strings.ToLower(getEnv("SETTINGS_BACKEND", DefaultSettingsBackend)),
		SettingsPath:           getEnv("SETTINGS_PATH", DefaultSettingsPath),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTransactionsTopic: getEnv("KAFKA_TRANSACTIONS_TOPIC", DefaultKafkaTxTopic),
		KafkaAlertsTopic:       getEnv("KAFKA_ALERTS_TOPIC", DefaultKafkaAlertTopic),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:            splitList(getEnv("CORS_ORIGINS", "*")),
		MaxUploadBytes:         getEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AlertWebhookURLs:       splitList(os.Getenv("ALERT_WEBHOOK_URLS")),
		AlertWebhookSecret:     os.Getenv("ALERT_WEBHOOK_SECRET"),
		SeedSampleData:         getEnvBool("SEED_SAMPLE_DATA", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.ScoringURL == "" {
		return fmt.Errorf("SCORING_URL is required")
	}
	if u, err := url.Parse(c.ScoringURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SCORING_URL must be an absolute URL, got %q", c.ScoringURL)
	}

	switch c.ScoringMode {
	case "batch", "sequential":
	default:
		return fmt.Errorf("SCORING_MODE must be batch or sequential, got %q", c.ScoringMode)
	}

	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive")
	}

	switch c.SettingsBackend {
	case "file":
		if c.SettingsPath == "" {
			return fmt.Errorf("SETTINGS_PATH is required for the file settings backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres settings backend")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis settings backend")
		}
	default:
		return fmt.Errorf("SETTINGS_BACKEND must be file, postgres, or redis, got %q", c.SettingsBackend)
	}

	for _, raw := range c.AlertWebhookURLs {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URLS entry must be an http(s) URL, got %q", raw)
		}
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StreamEnabled reports whether the Kafka live stream should be consumed.
func (c *Config) StreamEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
