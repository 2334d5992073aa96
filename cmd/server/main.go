package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gov-dx-sandbox/case-engine/internal/access"
	"github.com/gov-dx-sandbox/case-engine/internal/audit"
	"github.com/gov-dx-sandbox/case-engine/internal/config"
	"github.com/gov-dx-sandbox/case-engine/internal/database"
	"github.com/gov-dx-sandbox/case-engine/internal/erasure"
	"github.com/gov-dx-sandbox/case-engine/internal/fieldcrypt"
	"github.com/gov-dx-sandbox/case-engine/internal/handlers"
	"github.com/gov-dx-sandbox/case-engine/internal/identity"
	"github.com/gov-dx-sandbox/case-engine/internal/matching"
	"github.com/gov-dx-sandbox/case-engine/internal/merge"
	"github.com/gov-dx-sandbox/case-engine/internal/monitoring"
	"github.com/gov-dx-sandbox/case-engine/internal/permissions"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func main() {
	// Load .env file if it exists (optional - fails silently if not found)
	_ = godotenv.Load()

	cfg, err := config.Load(config.GetEnvOrDefault("CONFIG_PATH", "config.yaml"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logging)
	slog.Info("Starting case engine", "environment", cfg.Environment)

	// An asymmetric permission matrix is a deployment defect; refuse to serve
	if err := permissions.Validate(); err != nil {
		slog.Error("Permission matrix is invalid", "error", err)
		os.Exit(1)
	}

	db, err := database.ConnectGormDB(database.NewDatabaseConfig(cfg.Database))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		slog.Error("Failed to read encryption key", "error", err)
		os.Exit(1)
	}
	cipher, err := fieldcrypt.NewXChaCha(key)
	if err != nil {
		slog.Error("Failed to initialise field encryption", "error", err)
		os.Exit(1)
	}

	sink, closeSink, err := newAuditSink(cfg.Audit, db)
	if err != nil {
		slog.Error("Failed to initialise audit sink", "sink", cfg.Audit.Sink, "error", err)
		os.Exit(1)
	}
	defer closeSink()

	if err := monitoring.Initialize(monitoring.Config{
		ExporterType: cfg.Metrics.Exporter,
		ServiceName:  cfg.Service.Name,
		OTLPEndpoint: cfg.Metrics.OTLPEndpoint,
	}); err != nil {
		// Metrics are optional; every Record call stays a no-op
		slog.Warn("Failed to initialise metrics", "error", err)
	}

	provider, err := identity.NewProvider(db, cfg.Identity)
	if err != nil {
		slog.Error("Failed to initialise identity provider", "error", err)
		os.Exit(1)
	}

	settings := cfg.Settings()
	checker := access.NewChecker(db, nil)
	h := handlers.NewHandler(db, checker,
		matching.NewMatcher(db, cipher, settings),
		merge.NewEngine(db, checker, cipher, sink, settings),
		erasure.NewWorkflow(db, checker, sink, settings),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(monitoring.HTTPMetricsMiddleware(func(req *http.Request) string {
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			return rctx.RoutePattern()
		}
		return ""
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", monitoring.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Use(provider.Authenticate)
		h.Routes(r)
	})

	addr := fmt.Sprintf("%s:%s", cfg.Service.Host, cfg.Service.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("Case engine listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("Shutting down the server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	closeDB(db)
	slog.Info("Server gracefully stopped")
}

func setupLogger(cfg config.LoggingConfig) {
	opts := &slog.HandlerOptions{AddSource: true, Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// newAuditSink builds the configured sink and a function releasing its resources
func newAuditSink(cfg config.AuditConfig, db *gorm.DB) (audit.Sink, func(), error) {
	noop := func() {}
	switch cfg.Sink {
	case "", "database":
		return audit.NewDatabaseSink(db), noop, nil
	case "http":
		sink, err := audit.NewHTTPSink(cfg.ServiceURL, cfg.HTTPTimeout)
		if err != nil {
			return nil, noop, err
		}
		return sink, noop, nil
	case "redis":
		sink, err := audit.NewRedisStreamSink(audit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUser,
			Password: cfg.RedisPass,
			UseTLS:   cfg.RedisUseTLS,
			Stream:   cfg.RedisStream,
		})
		if err != nil {
			return nil, noop, err
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				slog.Warn("Failed to close redis audit sink", "error", err)
			}
		}, nil
	case "none":
		slog.Warn("Audit sink disabled; audit events are discarded")
		return audit.NoopSink{}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
