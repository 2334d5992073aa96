package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DatabaseType represents the type of database to use
type DatabaseType string

const (
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypePostgres DatabaseType = "postgres"
)

// Config holds database connection configuration
type Config struct {
	Type DatabaseType

	// SQLite
	DatabasePath string

	// PostgreSQL
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings (both database types)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewDatabaseConfig converts the loaded configuration into connection settings.
// SQLite is the default. Row locks are only enforced on PostgreSQL; SQLite
// serialises writers through a single connection instead.
func NewDatabaseConfig(settings config.DatabaseConfig) *Config {
	var dbType DatabaseType
	switch settings.Type {
	case "postgres", "postgresql":
		dbType = DatabaseTypePostgres
	case "sqlite", "":
		dbType = DatabaseTypeSQLite
	default:
		slog.Warn("Unknown DB_TYPE, defaulting to sqlite", "db_type", settings.Type)
		dbType = DatabaseTypeSQLite
	}

	cfg := &Config{
		Type:            dbType,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}

	if dbType == DatabaseTypeSQLite {
		// A single connection avoids "database is locked" under concurrent writers
		cfg.MaxOpenConns = orDefault(settings.MaxOpenConns, 1)
		cfg.MaxIdleConns = orDefault(settings.MaxIdleConns, 1)
		cfg.DatabasePath = settings.Path
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = ":memory:"
		}
		if cfg.DatabasePath != ":memory:" {
			dbDir := filepath.Dir(cfg.DatabasePath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				slog.Warn("Failed to create database directory", "path", dbDir, "error", err)
			}
		}
		slog.Info("Database configuration (SQLite)",
			"database_path", cfg.DatabasePath,
			"max_open_conns", cfg.MaxOpenConns)
		return cfg
	}

	cfg.Host = settings.Host
	cfg.Port = settings.Port
	cfg.Username = settings.Username
	cfg.Password = settings.Password
	cfg.Database = settings.Name
	cfg.SSLMode = settings.SSLMode
	cfg.MaxOpenConns = orDefault(settings.MaxOpenConns, 25)
	cfg.MaxIdleConns = orDefault(settings.MaxIdleConns, 5)

	slog.Info("Database configuration (PostgreSQL)",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"sslmode", cfg.SSLMode,
		"max_open_conns", cfg.MaxOpenConns)
	return cfg
}

// GormConfig is the GORM configuration shared by the server and tests.
// TranslateError turns driver unique violations into gorm.ErrDuplicatedKey.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
	}
}

// ConnectGormDB establishes a GORM connection to the database (SQLite or PostgreSQL)
func ConnectGormDB(cfg *Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	if cfg.Type == DatabaseTypeSQLite {
		slog.Info("Attempting GORM SQLite database connection", "path", cfg.DatabasePath)
		dialector = sqlite.Open(cfg.DatabasePath)
	} else {
		dsnURL := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.Username, cfg.Password),
			Host:   fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
			Path:   cfg.Database,
		}
		q := dsnURL.Query()
		q.Set("sslmode", cfg.SSLMode)
		dsnURL.RawQuery = q.Encode()

		slog.Info("Attempting GORM PostgreSQL database connection",
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Database)
		dialector = postgres.Open(dsnURL.String())
	}

	gormDB, err := gorm.Open(dialector, GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open GORM %s database connection: %w", cfg.Type, err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("GORM database connection established successfully", "type", cfg.Type)
	return gormDB, nil
}

// Ping checks the connection, used by the health endpoint
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
