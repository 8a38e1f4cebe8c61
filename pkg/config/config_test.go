package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/sessiond/pkg/observability"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SESSIOND_AUTHORITY_URL", "https://api.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "7600", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 60*time.Second, cfg.Session.RenewInterval)
	assert.Equal(t, 5*time.Minute, cfg.Session.RenewThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Session.SessionTTL)
	assert.Equal(t, "filesystem", cfg.Store.Type)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SESSIOND_AUTHORITY_URL", "https://api.example.com")
	t.Setenv("SESSIOND_PORT", "8600")
	t.Setenv("SESSIOND_RENEW_INTERVAL", "30s")
	t.Setenv("SESSIOND_STORE_TYPE", "sqlite")
	t.Setenv("SESSIOND_SQLITE_PATH", "/tmp/sessiond.db")
	t.Setenv("SESSIOND_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8600", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Session.RenewInterval)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/sessiond.db", cfg.Store.SQLitePath)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_YAMLFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7700"
  health_port: "9091"
authority:
  base_url: https://file.example.com
session:
  renew_interval: 45s
store:
  type: memory
observability:
  log_level: warn
`), 0o600))

	t.Setenv("SESSIOND_CONFIG", path)
	// Environment beats the file.
	t.Setenv("SESSIOND_AUTHORITY_URL", "https://env.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7700", cfg.Server.Port)
	assert.Equal(t, "https://env.example.com", cfg.Authority.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Session.RenewInterval)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, observability.WarnLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("SESSIOND_CONFIG", "/nonexistent/sessiond.yaml")
	t.Setenv("SESSIOND_AUTHORITY_URL", "https://api.example.com")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Authority.BaseURL = "https://api.example.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing authority URL",
			mutate:  func(c *Config) { c.Authority.BaseURL = "" },
			wantErr: "authority base URL",
		},
		{
			name:    "ports collide",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "must be different",
		},
		{
			name:    "unknown store type",
			mutate:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: "invalid store type",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Store.Type = "sqlite"
				c.Store.SQLitePath = ""
			},
			wantErr: "sqlite path",
		},
		{
			name: "redis without URL",
			mutate: func(c *Config) {
				c.Store.Type = "redis"
			},
			wantErr: "redis URL",
		},
		{
			name:    "non-positive renew interval",
			mutate:  func(c *Config) { c.Session.RenewInterval = 0 },
			wantErr: "renew interval",
		},
		{
			name: "otel enabled without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "OpenTelemetry endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
