// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"affiliate.db"`
	JWTSecret    string `env:"JWT_SECRET,required"`

	// AttributionSecret signs attribution cookies; JWT_SECRET when unset.
	AttributionSecret string `env:"ATTRIBUTION_SECRET"`

	Currency          string        `env:"LEDGER_CURRENCY" envDefault:"TWD"`
	AttributionWindow time.Duration `env:"ATTRIBUTION_WINDOW" envDefault:"720h"`
	CookieName        string        `env:"ATTRIBUTION_COOKIE" envDefault:"aff_attribution"`
	CookieSecure      bool          `env:"COOKIE_SECURE" envDefault:"false"`

	Settlement SettlementConfig
	Retry      RetryConfig

	BcryptCost  int      `env:"BCRYPT_COST" envDefault:"10"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	EnableScenarios bool `env:"ENABLE_SCENARIOS" envDefault:"false"`
}

// SettlementConfig drives the background settlement scheduler.
type SettlementConfig struct {
	Enabled     bool          `env:"SETTLEMENT_ENABLED" envDefault:"true"`
	Interval    time.Duration `env:"SETTLEMENT_INTERVAL" envDefault:"1h"`
	Concurrency int           `env:"SETTLEMENT_CONCURRENCY" envDefault:"4"`
}

// RetryConfig bounds storage write retries.
type RetryConfig struct {
	Attempts int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"3"`
	Backoff  time.Duration `env:"STORE_RETRY_BACKOFF" envDefault:"100ms"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env cannot express as tags.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.AttributionWindow <= 0 {
		return fmt.Errorf("ATTRIBUTION_WINDOW must be positive, got %s", c.AttributionWindow)
	}
	if c.Settlement.Interval <= 0 {
		return fmt.Errorf("SETTLEMENT_INTERVAL must be positive, got %s", c.Settlement.Interval)
	}
	if c.Settlement.Concurrency < 1 {
		return fmt.Errorf("SETTLEMENT_CONCURRENCY must be at least 1, got %d", c.Settlement.Concurrency)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %d", c.Retry.Attempts)
	}
	return nil
}
