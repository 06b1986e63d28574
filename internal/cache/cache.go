// Package cache provides the read-path cache for report queries.
// The reconciliation and bump paths never touch it; stale report
// responses age out through TTL alone.
package cache

import (
	"context"
	"time"
)

// Cache defines the interface for cache implementations.
// All implementations must be thread-safe.
// Values are []byte to support both in-memory and Redis backends.
type Cache interface {
	// Get retrieves a value. Returns ErrCacheMiss when the key is absent
	// or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A TTL of 0 uses the default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Error represents an error type for cache operations.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrCacheMiss indicates the key was not found or has expired.
	ErrCacheMiss Error = "cache miss"

	// ErrCacheClosed indicates the cache has been closed.
	ErrCacheClosed Error = "cache closed"
)

// Config selects and tunes the cache backend.
type Config struct {
	// RedisURL selects the Redis backend when non-empty.
	RedisURL string

	// Prefix is prepended to all Redis keys.
	Prefix string

	// DefaultTTL is the expiration applied when Set receives ttl=0.
	DefaultTTL time.Duration

	// MaxEntries caps the in-memory backend (0 = unlimited).
	MaxEntries int
}

// New creates a cache from the configuration: Redis when a URL is set,
// in-memory otherwise.
func New(cfg Config) (Cache, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.RedisURL != "" {
		return NewRedis(cfg.RedisURL, cfg.Prefix, cfg.DefaultTTL)
	}
	return NewMemory(cfg.DefaultTTL, cfg.MaxEntries), nil
}
