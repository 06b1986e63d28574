// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads application configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DBPath     string `env:"PULSE_DB_PATH" envDefault:"./data/pulse.db"`
	ServerHost string `env:"PULSE_SERVER_HOST" envDefault:"localhost"`
	ServerPort int    `env:"PULSE_SERVER_PORT" envDefault:"8080"`
	Env        string `env:"PULSE_ENV" envDefault:"development"`
	LogLevel   string `env:"PULSE_LOG_LEVEL" envDefault:"info"`

	// Reconciliation
	TickSchedule           string `env:"PULSE_TICK_SCHEDULE" envDefault:"* * * * *"`      // reconcile/broadcast tick
	EventRetentionDays     int    `env:"PULSE_EVENT_RETENTION_DAYS" envDefault:"90"`      // raw event log
	AggregateRetentionDays int    `env:"PULSE_AGGREGATE_RETENTION_DAYS" envDefault:"730"` // daily buckets

	// Cache / broadcast fan-out
	RedisURL     string `env:"PULSE_REDIS_URL"`                         // Optional Redis URL for cache + pub/sub fan-out
	CachePrefix  string `env:"PULSE_CACHE_PREFIX" envDefault:"pulse:"`  // Redis key prefix
	CacheTTL     int    `env:"PULSE_CACHE_TTL" envDefault:"60"`         // Report cache TTL in seconds
	CacheMaxSize int    `env:"PULSE_CACHE_MAX_SIZE" envDefault:"10000"` // Max memory cache entries

	// Write-path rate limiting (per client IP)
	RateLimitRPS   float64 `env:"PULSE_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"PULSE_RATE_LIMIT_BURST" envDefault:"40"`

	// GeoIP configuration
	GeoIPDBPath string `env:"PULSE_GEOIP_DB_PATH"` // Path to GeoLite2-Country.mmdb file
}

// IsDevelopment returns true if the application is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerAddr returns the full server address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// UseRedis returns true if Redis is configured.
func (c Config) UseRedis() bool {
	return c.RedisURL != ""
}

// GeoIPEnabled returns true if a GeoIP database is configured.
func (c Config) GeoIPEnabled() bool {
	return c.GeoIPDBPath != ""
}

// Load parses environment variables and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.EventRetentionDays < 1 {
		return nil, fmt.Errorf("PULSE_EVENT_RETENTION_DAYS must be at least 1, got %d", cfg.EventRetentionDays)
	}
	if cfg.AggregateRetentionDays < cfg.EventRetentionDays {
		return nil, fmt.Errorf("PULSE_AGGREGATE_RETENTION_DAYS (%d) must not be shorter than the event retention (%d)",
			cfg.AggregateRetentionDays, cfg.EventRetentionDays)
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return nil, fmt.Errorf("rate limit settings must be positive")
	}

	return cfg, nil
}
