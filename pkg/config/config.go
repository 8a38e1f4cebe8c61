// Package config loads daemon configuration from an optional YAML file and
// environment variables. Environment variables take precedence over the file,
// the file over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hirewire/sessiond/pkg/observability"
	"github.com/hirewire/sessiond/pkg/store"
)

// Config holds all daemon configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Authority configuration
	Authority AuthorityConfig `yaml:"authority"`

	// Session lifecycle configuration
	Session SessionConfig `yaml:"session"`

	// Store configuration
	Store store.Config `yaml:"store"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP control API server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// AuthorityConfig holds token authority client configuration.
type AuthorityConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	RenewInterval  time.Duration `yaml:"renew_interval"`
	RenewThreshold time.Duration `yaml:"renew_threshold"`
	SessionTTL     time.Duration `yaml:"session_ttl"`

	// ValidateCacheSize and ValidateCacheTTL tune the memoization of the
	// read-only validate endpoint.
	ValidateCacheSize int           `yaml:"validate_cache_size"`
	ValidateCacheTTL  time.Duration `yaml:"validate_cache_ttl"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// LoadConfig loads configuration. An optional YAML file named by
// SESSIOND_CONFIG is applied first, then environment overrides.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("SESSIOND_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            "7600",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Authority: AuthorityConfig{
			Timeout: 10 * time.Second,
		},
		Session: SessionConfig{
			RenewInterval:     60 * time.Second,
			RenewThreshold:    5 * time.Minute,
			SessionTTL:        24 * time.Hour,
			ValidateCacheSize: 128,
			ValidateCacheTTL:  30 * time.Second,
		},
		Store: store.DefaultConfig(),
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			MetricsEnabled:     true,
			OTelEnabled:        false,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "sessiond",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays SESSIOND_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	// Server
	cfg.Server.Host = getEnv("SESSIOND_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("SESSIOND_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("SESSIOND_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("SESSIOND_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("SESSIOND_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("SESSIOND_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.HealthPort = getEnv("SESSIOND_HEALTH_PORT", cfg.Server.HealthPort)

	// Authority
	cfg.Authority.BaseURL = getEnv("SESSIOND_AUTHORITY_URL", cfg.Authority.BaseURL)
	cfg.Authority.Timeout = getEnvDuration("SESSIOND_AUTHORITY_TIMEOUT", cfg.Authority.Timeout)

	// Session
	cfg.Session.RenewInterval = getEnvDuration("SESSIOND_RENEW_INTERVAL", cfg.Session.RenewInterval)
	cfg.Session.RenewThreshold = getEnvDuration("SESSIOND_RENEW_THRESHOLD", cfg.Session.RenewThreshold)
	cfg.Session.SessionTTL = getEnvDuration("SESSIOND_SESSION_TTL", cfg.Session.SessionTTL)
	cfg.Session.ValidateCacheSize = getEnvInt("SESSIOND_VALIDATE_CACHE_SIZE", cfg.Session.ValidateCacheSize)
	cfg.Session.ValidateCacheTTL = getEnvDuration("SESSIOND_VALIDATE_CACHE_TTL", cfg.Session.ValidateCacheTTL)

	// Store
	cfg.Store.Type = getEnv("SESSIOND_STORE_TYPE", cfg.Store.Type)
	cfg.Store.FilesystemRoot = getEnv("SESSIOND_FILESYSTEM_ROOT", cfg.Store.FilesystemRoot)
	cfg.Store.SQLitePath = getEnv("SESSIOND_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.RedisURL = getEnv("SESSIOND_REDIS_URL", cfg.Store.RedisURL)
	cfg.Store.RedisPassword = getEnv("SESSIOND_REDIS_PASSWORD", cfg.Store.RedisPassword)
	if redisDB := getEnvInt("SESSIOND_REDIS_DB", -1); redisDB >= 0 {
		cfg.Store.RedisDB = redisDB
	}

	// Observability
	if level := os.Getenv("SESSIOND_LOG_LEVEL"); level != "" {
		cfg.Observability.LogLevel = observability.ParseLogLevel(level)
	}
	cfg.Observability.MetricsEnabled = getEnvBool("SESSIOND_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.OTelEnabled = getEnvBool("SESSIOND_OTEL_ENABLED", cfg.Observability.OTelEnabled)
	cfg.Observability.OTelEndpoint = getEnv("SESSIOND_OTEL_ENDPOINT", cfg.Observability.OTelEndpoint)
	cfg.Observability.OTelServiceName = getEnv("SESSIOND_OTEL_SERVICE_NAME", cfg.Observability.OTelServiceName)
	cfg.Observability.OTelServiceVersion = getEnv("SESSIOND_OTEL_SERVICE_VERSION", cfg.Observability.OTelServiceVersion)
	cfg.Observability.OTelInsecure = getEnvBool("SESSIOND_OTEL_INSECURE", cfg.Observability.OTelInsecure)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate authority config
	if c.Authority.BaseURL == "" {
		return fmt.Errorf("authority base URL is required (SESSIOND_AUTHORITY_URL)")
	}

	// Validate session config
	if c.Session.RenewInterval <= 0 {
		return fmt.Errorf("renew interval must be positive")
	}
	if c.Session.RenewThreshold <= 0 {
		return fmt.Errorf("renew threshold must be positive")
	}

	// Validate store config based on type
	switch c.Store.Type {
	case "memory":
		// No further configuration needed.
	case "filesystem":
		if c.Store.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem store")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite store")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory, filesystem, sqlite, or redis)", c.Store.Type)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
