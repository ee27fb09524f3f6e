// Package cache provides the shared counter and key-value backing used
// by the rate limiter. The memory backend is for single-node installs
// and tests; redis and memcached back multi-node deployments where rate
// windows must be shared across dispatch processes.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the minimal surface the engine needs: counters with
// expiry for rate windows, plus get/set for cursors and bucket state.
// Increment must be atomic on every backend; the rate limiter relies on
// compare-and-increment semantics, never read-then-write.
type Cache interface {
	Connect() error
	Close() error
	IsConnected() bool
	Type() string

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error

	// Increment atomically adds amount to the counter at key, creating
	// it at zero if absent, and returns the new value. A zero ttl means
	// no expiry; a non-zero ttl is applied only when the key is created.
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
}

// Config selects and configures a cache backend.
type Config struct {
	Type     string // "memory", "redis", "memcached"
	Host     string
	Port     int
	Password string
	Database int
}

// New creates a cache backend from configuration.
func New(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
