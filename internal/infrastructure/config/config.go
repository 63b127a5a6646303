package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Broker    BrokerConfig
	Navigate  NavigateConfig
	Recording RecordingConfig
	Store     StoreConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration. AllowedOrigins is the
// comma-separated list of admin panel origins permitted by CORS.
type ServerConfig struct {
	Port           string   `envconfig:"PORT" default:"8080"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080,http://localhost:3000"`
}

// BrokerConfig holds connection registry and call dispatch tuning.
type BrokerConfig struct {
	// SilenceLimit is how long a connection may go without any inbound
	// frame before it is considered dead and swept.
	SilenceLimit  time.Duration `envconfig:"BROKER_SILENCE_LIMIT" default:"29s"`
	SweepInterval time.Duration `envconfig:"BROKER_SWEEP_INTERVAL" default:"5s"`
	CallTimeout   time.Duration `envconfig:"BROKER_CALL_TIMEOUT" default:"30s"`
	AuthTimeout   time.Duration `envconfig:"BROKER_AUTH_TIMEOUT" default:"10s"`
}

// NavigateConfig holds remote navigation task tuning.
type NavigateConfig struct {
	CallTimeout time.Duration `envconfig:"NAVIGATE_CALL_TIMEOUT" default:"30s"`
	HardLimit   time.Duration `envconfig:"NAVIGATE_HARD_LIMIT" default:"35s"`
}

// RecordingConfig holds recording session tuning.
type RecordingConfig struct {
	PolicyInterval time.Duration `envconfig:"RECORDING_POLICY_INTERVAL" default:"10s"`
}

// StoreConfig holds database configuration.
type StoreConfig struct {
	Path string `envconfig:"STORE_PATH" default:"chromeherd.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"http://localhost:8080", "http://localhost:3000"},
		},
		Broker: BrokerConfig{
			SilenceLimit:  29 * time.Second,
			SweepInterval: 5 * time.Second,
			CallTimeout:   30 * time.Second,
			AuthTimeout:   10 * time.Second,
		},
		Navigate: NavigateConfig{
			CallTimeout: 30 * time.Second,
			HardLimit:   35 * time.Second,
		},
		Recording: RecordingConfig{
			PolicyInterval: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: "chromeherd.db",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
