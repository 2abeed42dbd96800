// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database. When empty, all stores fall back to in-memory
	// implementations and durability degrades to process-local.
	DatabaseURL string

	// Tracing
	OTLPEndpoint string

	// Bus settings
	ConsumerTimeout  time.Duration // per-consumer invocation deadline
	DLQSweepInterval time.Duration // periodic dead-letter retry sweep

	// Detector settings
	ClusterEvalDelay   time.Duration // settle time before cluster evaluation
	ClusterAlertWindow time.Duration // cluster alert dedup window
	LeakageWindow      time.Duration // active funnel window per pair

	// Notification settings
	WebhookSecret string // HMAC secret for outbound alert webhooks
}

// Defaults.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultConsumerTimeout    = 5 * time.Second
	DefaultDLQSweepInterval   = 5 * time.Minute
	DefaultClusterEvalDelay   = 2 * time.Second
	DefaultClusterAlertWindow = 48 * time.Hour
	DefaultLeakageWindow      = 7 * 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ConsumerTimeout:    getEnvDuration("CONSUMER_TIMEOUT", DefaultConsumerTimeout),
		DLQSweepInterval:   getEnvDuration("DLQ_SWEEP_INTERVAL", DefaultDLQSweepInterval),
		ClusterEvalDelay:   getEnvDuration("CLUSTER_EVAL_DELAY", DefaultClusterEvalDelay),
		ClusterAlertWindow: getEnvDuration("CLUSTER_ALERT_WINDOW", DefaultClusterAlertWindow),
		LeakageWindow:      getEnvDuration("LEAKAGE_WINDOW", DefaultLeakageWindow),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.ConsumerTimeout <= 0 {
		return fmt.Errorf("CONSUMER_TIMEOUT must be positive")
	}
	if c.DLQSweepInterval <= 0 {
		return fmt.Errorf("DLQ_SWEEP_INTERVAL must be positive")
	}
	if c.ClusterEvalDelay < 0 {
		return fmt.Errorf("CLUSTER_EVAL_DELAY must not be negative")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
