// Package store provides the durable key-value store that mirrors in-memory
// session state, plus the record codec that maps session records onto the
// per-kind key layout. Backends: filesystem (one file per key), sqlite,
// redis, and an in-memory implementation for tests.
package store

import (
	"context"
	"fmt"
)

// KV is the durable string-keyed, string-valued store the session managers
// persist into. Implementations must tolerate concurrent use.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value, overwriting any existing one.
	Set(ctx context.Context, key, value string) error
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type string `yaml:"type"` // "filesystem", "sqlite", "redis", or "memory"

	// Filesystem config
	FilesystemRoot string `yaml:"filesystem_root"`

	// SQLite config
	SQLitePath string `yaml:"sqlite_path"`

	// Redis config
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:           "filesystem",
		FilesystemRoot: "/var/lib/sessiond",
		RedisDB:        0,
	}
}

// Open constructs the backend named by the config.
func Open(cfg Config) (KV, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystemKV(cfg.FilesystemRoot)
	case "sqlite":
		return NewSQLiteKV(cfg.SQLitePath)
	case "redis":
		return NewRedisKV(cfg)
	case "memory":
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("invalid store type: %s (must be filesystem, sqlite, redis, or memory)", cfg.Type)
	}
}
