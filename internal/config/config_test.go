package config

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable applyEnv reads so the host environment
// cannot leak into a test
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ENVIRONMENT", "HOST", "PORT", "LOG_LEVEL", "LOG_FORMAT",
		"DB_TYPE", "DB_PATH", "DB_HOST", "DB_PORT", "DB_USERNAME", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
		"JWT_ISSUER", "JWT_AUDIENCE", "JWT_SECRET", "FIELD_ENCRYPTION_KEY",
		"AUDIT_SINK", "AUDIT_SERVICE_URL", "AUDIT_REDIS_ADDR", "AUDIT_REDIS_STREAM",
		"AUDIT_REDIS_USERNAME", "AUDIT_REDIS_PASSWORD",
		"MATCH_SCAN_CEILING", "MATCH_NAME_PREFIX_LENGTH",
		"OTEL_METRICS_EXPORTER", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "database", cfg.Audit.Sink)
	assert.Equal(t, 2000, cfg.Matching.ScanCeiling)
	assert.Equal(t, 3, cfg.Matching.NamePrefixLength)
	assert.False(t, cfg.IsProduction())

	settings := cfg.Settings()
	assert.Equal(t, 2000, settings.ScanCeiling)
	assert.Equal(t, 3, settings.NamePrefixLength)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
environment: production
service:
  port: "9090"
  shutdownTimeout: 30s
database:
  type: postgres
  host: db.internal
matching:
  scanCeiling: 500
audit:
  sink: http
  serviceUrl: http://audit:3001
`)
	t.Setenv("MATCH_SCAN_CEILING", "750")
	t.Setenv("DB_HOST", "db.override")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "9090", cfg.Service.Port)
	assert.Equal(t, 30*time.Second, cfg.Service.ShutdownTimeout)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Equal(t, 750, cfg.Matching.ScanCeiling)
	assert.Equal(t, 3, cfg.Matching.NamePrefixLength)
	assert.Equal(t, "http://audit:3001", cfg.Audit.ServiceURL)
}

func TestLoad_InvalidIntegerFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("MATCH_NAME_PREFIX_LENGTH", "three")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Matching.NamePrefixLength)
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "matching: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	validKey := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "valid encryption key", mutate: func(c *Config) { c.Encryption.Key = validKey }},
		{name: "zero ceiling", mutate: func(c *Config) { c.Matching.ScanCeiling = 0 }, wantErr: "scanCeiling"},
		{name: "negative prefix", mutate: func(c *Config) { c.Matching.NamePrefixLength = -1 }, wantErr: "namePrefixLength"},
		{name: "key not base64", mutate: func(c *Config) { c.Encryption.Key = "%%%" }, wantErr: "not valid base64"},
		{name: "short key", mutate: func(c *Config) {
			c.Encryption.Key = base64.StdEncoding.EncodeToString([]byte("short"))
		}, wantErr: "32 bytes"},
		{name: "unknown sink", mutate: func(c *Config) { c.Audit.Sink = "kafka" }, wantErr: "unknown audit sink"},
		{name: "http sink without URL", mutate: func(c *Config) { c.Audit.Sink = "http" }, wantErr: "serviceUrl"},
		{name: "redis sink without address", mutate: func(c *Config) { c.Audit.Sink = "redis" }, wantErr: "redisAddr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEncryptionKey(t *testing.T) {
	cfg := Default()
	_, err := cfg.EncryptionKey()
	assert.Error(t, err)

	raw := []byte(strings.Repeat("k", 32))
	cfg.Encryption.Key = base64.StdEncoding.EncodeToString(raw)
	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LoggingConfig{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LoggingConfig{Level: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LoggingConfig{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LoggingConfig{Level: "verbose"}.SlogLevel())
}

func TestSettings_Today(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	s := Settings{Now: func() time.Time { return fixed }}
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), s.Today())
	assert.Equal(t, fixed, s.Clock())
	assert.False(t, Settings{}.Clock().IsZero())
}
