package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all gateway configuration loaded from environment variables.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Server
	GatewayAddr string `env:"GATEWAY_ADDR" envDefault:":8080"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Auth
	AuthEnabled bool   `env:"AUTH_ENABLED" envDefault:"true"`
	JWKSURL     string `env:"JWKS_URL"`

	// Upstream market-data connector (polled for subscription status)
	ConnectorURL string `env:"CONNECTOR_URL"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Aggregate sampler tunables
	AggThrottleMs int `env:"AGG_THROTTLE_MS" envDefault:"1000"`
	AggFlushMs    int `env:"AGG_FLUSH_MS" envDefault:"500"`
	AggBufferCap  int `env:"AGG_BUFFER_CAP" envDefault:"10000"`

	// Per-connection outbound queue length
	SendBuffer int `env:"SEND_BUFFER" envDefault:"256"`

	// Snapshot cache staleness bound (seconds)
	SnapshotTTLSec int `env:"SNAPSHOT_TTL_S" envDefault:"300"`

	// Background timers (seconds)
	CatalystIntervalSec int `env:"CATALYST_INTERVAL_S" envDefault:"30"`
	StatusIntervalSec   int `env:"STATUS_INTERVAL_S" envDefault:"10"`
}

// Load reads configuration from an optional .env file plus environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.GatewayAddr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.AuthEnabled && c.JWKSURL == "" {
		return fmt.Errorf("JWKS_URL is required when AUTH_ENABLED=true")
	}
	if c.AggThrottleMs <= 0 {
		return fmt.Errorf("AGG_THROTTLE_MS must be > 0, got %d", c.AggThrottleMs)
	}
	if c.AggFlushMs <= 0 {
		return fmt.Errorf("AGG_FLUSH_MS must be > 0, got %d", c.AggFlushMs)
	}
	if c.AggBufferCap < 1 {
		return fmt.Errorf("AGG_BUFFER_CAP must be > 0, got %d", c.AggBufferCap)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	return nil
}

// AggThrottle returns the per-symbol throttle window.
func (c *Config) AggThrottle() time.Duration {
	return time.Duration(c.AggThrottleMs) * time.Millisecond
}

// AggFlushEvery returns the sampler flush cadence.
func (c *Config) AggFlushEvery() time.Duration {
	return time.Duration(c.AggFlushMs) * time.Millisecond
}

// SnapshotTTL returns the snapshot cache staleness bound.
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSec) * time.Second
}

// CatalystInterval returns the catalyst recorder cadence.
func (c *Config) CatalystInterval() time.Duration {
	return time.Duration(c.CatalystIntervalSec) * time.Second
}

// StatusInterval returns the connector status poll cadence.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSec) * time.Second
}
