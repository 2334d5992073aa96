package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the case engine configuration. Values come from defaults, then
// an optional YAML file, then environment variables.
type Config struct {
	Environment string           `yaml:"environment"`
	Service     ServiceConfig    `yaml:"service"`
	Logging     LoggingConfig    `yaml:"logging"`
	Database    DatabaseConfig   `yaml:"database"`
	Identity    IdentityConfig   `yaml:"identity"`
	Encryption  EncryptionConfig `yaml:"encryption"`
	Audit       AuditConfig      `yaml:"audit"`
	Matching    MatchingConfig   `yaml:"matching"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

// ServiceConfig holds HTTP listener settings
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig selects slog level and handler
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig is the file/env view of the database connection
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	Path         string `yaml:"path"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// IdentityConfig configures verification of session tokens
type IdentityConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	Secret   string `yaml:"secret"`
}

// EncryptionConfig holds the base64 field encryption key
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	Sink        string        `yaml:"sink"` // database, http, redis or none
	ServiceURL  string        `yaml:"serviceUrl"`
	RedisAddr   string        `yaml:"redisAddr"`
	RedisStream string        `yaml:"redisStream"`
	RedisUser   string        `yaml:"redisUser"`
	RedisPass   string        `yaml:"redisPassword"`
	RedisUseTLS bool          `yaml:"redisTls"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// MatchingConfig tunes duplicate detection
type MatchingConfig struct {
	ScanCeiling      int `yaml:"scanCeiling"`
	NamePrefixLength int `yaml:"namePrefixLength"`
}

// MetricsConfig selects the OpenTelemetry exporter
type MetricsConfig struct {
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Environment: "development",
		Service: ServiceConfig{
			Name:            "case-engine",
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			Type:    "sqlite",
			Path:    "./data/case-engine.db",
			Host:    "localhost",
			Port:    "5432",
			Name:    "case_engine",
			SSLMode: "disable",
		},
		Identity: IdentityConfig{Issuer: "case-engine", Audience: "case-engine"},
		Audit: AuditConfig{
			Sink:        "database",
			RedisStream: "audit-events",
			HTTPTimeout: 10 * time.Second,
		},
		Matching: MatchingConfig{ScanCeiling: 2000, NamePrefixLength: 3},
		Metrics:  MetricsConfig{Exporter: "prometheus"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists) and environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			slog.Info("Config file not found, using defaults", "path", path)
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = GetEnvOrDefault("ENVIRONMENT", cfg.Environment)
	cfg.Service.Host = GetEnvOrDefault("HOST", cfg.Service.Host)
	cfg.Service.Port = GetEnvOrDefault("PORT", cfg.Service.Port)
	cfg.Logging.Level = GetEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)

	cfg.Database.Type = strings.ToLower(GetEnvOrDefault("DB_TYPE", cfg.Database.Type))
	cfg.Database.Path = GetEnvOrDefault("DB_PATH", cfg.Database.Path)
	cfg.Database.Host = GetEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = GetEnvOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.Username = GetEnvOrDefault("DB_USERNAME", cfg.Database.Username)
	cfg.Database.Password = GetEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = GetEnvOrDefault("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = GetEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxOpenConns = GetEnvIntOrDefault("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = GetEnvIntOrDefault("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Identity.Issuer = GetEnvOrDefault("JWT_ISSUER", cfg.Identity.Issuer)
	cfg.Identity.Audience = GetEnvOrDefault("JWT_AUDIENCE", cfg.Identity.Audience)
	cfg.Identity.Secret = GetEnvOrDefault("JWT_SECRET", cfg.Identity.Secret)

	cfg.Encryption.Key = GetEnvOrDefault("FIELD_ENCRYPTION_KEY", cfg.Encryption.Key)

	cfg.Audit.Sink = strings.ToLower(GetEnvOrDefault("AUDIT_SINK", cfg.Audit.Sink))
	cfg.Audit.ServiceURL = GetEnvOrDefault("AUDIT_SERVICE_URL", cfg.Audit.ServiceURL)
	cfg.Audit.RedisAddr = GetEnvOrDefault("AUDIT_REDIS_ADDR", cfg.Audit.RedisAddr)
	cfg.Audit.RedisStream = GetEnvOrDefault("AUDIT_REDIS_STREAM", cfg.Audit.RedisStream)
	cfg.Audit.RedisUser = GetEnvOrDefault("AUDIT_REDIS_USERNAME", cfg.Audit.RedisUser)
	cfg.Audit.RedisPass = GetEnvOrDefault("AUDIT_REDIS_PASSWORD", cfg.Audit.RedisPass)

	cfg.Matching.ScanCeiling = GetEnvIntOrDefault("MATCH_SCAN_CEILING", cfg.Matching.ScanCeiling)
	cfg.Matching.NamePrefixLength = GetEnvIntOrDefault("MATCH_NAME_PREFIX_LENGTH", cfg.Matching.NamePrefixLength)

	cfg.Metrics.Exporter = GetEnvOrDefault("OTEL_METRICS_EXPORTER", cfg.Metrics.Exporter)
	cfg.Metrics.OTLPEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Metrics.OTLPEndpoint)
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Matching.ScanCeiling <= 0 {
		return fmt.Errorf("matching.scanCeiling must be positive, got %d", c.Matching.ScanCeiling)
	}
	if c.Matching.NamePrefixLength <= 0 {
		return fmt.Errorf("matching.namePrefixLength must be positive, got %d", c.Matching.NamePrefixLength)
	}
	if c.Encryption.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Encryption.Key)
		if err != nil {
			return fmt.Errorf("encryption.key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption.key must decode to 32 bytes, got %d", len(key))
		}
	}
	switch c.Audit.Sink {
	case "database", "http", "redis", "none":
	default:
		return fmt.Errorf("unknown audit sink %q (supported: database, http, redis, none)", c.Audit.Sink)
	}
	if c.Audit.Sink == "http" && c.Audit.ServiceURL == "" {
		return fmt.Errorf("audit.serviceUrl is required for the http audit sink")
	}
	if c.Audit.Sink == "redis" && c.Audit.RedisAddr == "" {
		return fmt.Errorf("audit.redisAddr is required for the redis audit sink")
	}
	return nil
}

// EncryptionKey returns the decoded field encryption key
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Encryption.Key == "" {
		return nil, fmt.Errorf("encryption.key is not configured")
	}
	return base64.StdEncoding.DecodeString(c.Encryption.Key)
}

// Settings returns the immutable snapshot handed to the matcher, merge engine
// and erasure workflow
func (c *Config) Settings() Settings {
	return NewSettings(c.Matching.ScanCeiling, c.Matching.NamePrefixLength)
}

// IsProduction reports whether the engine runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SlogLevel maps the configured level name onto slog
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetEnvOrDefault returns the environment variable value or a default
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvIntOrDefault parses an integer environment variable, falling back on
// parse failure
func GetEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer environment variable, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return parsed
}
