package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Attribute keys for case engine business metrics
const (
	attrBusinessAction    = "caseengine.business.action"
	attrBusinessOutcome   = "caseengine.business.outcome"
	attrExternalTarget    = "caseengine.external.target"
	attrExternalOperation = "caseengine.external.operation"
)

var (
	httpRequestsCounter   metric.Int64Counter
	httpRequestDuration   metric.Float64Histogram
	externalCallsCounter  metric.Int64Counter
	externalCallErrors    metric.Int64Counter
	businessEventsCounter metric.Int64Counter
	metricsHandler        http.Handler
	initialized           int32
	initOnce              sync.Once
)

// Config holds the configuration for OpenTelemetry metrics
type Config struct {
	// ExporterType is "prometheus", "otlp" or "none"
	ExporterType   string
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	OTLPInsecure   bool
}

// Initialize sets up the meter provider and instruments. Only the first call
// has any effect. Until it succeeds every Record function is a no-op.
func Initialize(cfg Config) error {
	var initErr error
	initOnce.Do(func() {
		initErr = initialize(context.Background(), cfg)
		if initErr == nil {
			atomic.StoreInt32(&initialized, 1)
		}
	})
	return initErr
}

// IsInitialized reports whether metrics are being recorded
func IsInitialized() bool {
	return atomic.LoadInt32(&initialized) == 1
}

func initialize(ctx context.Context, cfg Config) error {
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch cfg.ExporterType {
	case "prometheus", "":
		reg := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		reader = exporter
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		slog.Info("Initialized OpenTelemetry metrics with Prometheus exporter", "service", cfg.ServiceName)

	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return fmt.Errorf("OTLP endpoint is required when using OTLP exporter")
		}
		endpointURL, err := url.Parse(cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("invalid OTLP endpoint URL: %w", err)
		}
		if endpointURL.Scheme != "https" && !cfg.OTLPInsecure {
			return fmt.Errorf("OTLP endpoint must use HTTPS (got: %s)", endpointURL.Scheme)
		}
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpointURL.Host)}
		if cfg.OTLPInsecure && endpointURL.Scheme == "http" {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
		metricsHandler = statusHandler(http.StatusOK, "# Metrics exported via OTLP\n")
		slog.Info("Initialized OpenTelemetry metrics with OTLP exporter",
			"service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)

	case "none":
		reader = sdkmetric.NewManualReader()
		metricsHandler = statusHandler(http.StatusOK, "# Metrics disabled\n")
		slog.Info("OpenTelemetry metrics disabled", "service", cfg.ServiceName)

	default:
		return fmt.Errorf("unknown exporter type: %s (supported: prometheus, otlp, none)", cfg.ExporterType)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	meter := otel.Meter("case-engine")

	if httpRequestsCounter, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}
	if httpRequestDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}
	if externalCallsCounter, err = meter.Int64Counter("external_calls_total",
		metric.WithDescription("Total number of external service calls"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create external_calls_total counter: %w", err)
	}
	if externalCallErrors, err = meter.Int64Counter("external_call_errors_total",
		metric.WithDescription("Total number of failed external service calls"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create external_call_errors_total counter: %w", err)
	}
	if businessEventsCounter, err = meter.Int64Counter("business_events_total",
		metric.WithDescription("Total number of business events"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("failed to create business_events_total counter: %w", err)
	}

	// Go runtime metrics such as goroutine count and GC
	if err := runtime.Start(runtime.WithMeterProvider(provider)); err != nil {
		return fmt.Errorf("failed to start runtime metrics: %w", err)
	}
	return nil
}

// Handler returns the /metrics handler
func Handler() http.Handler {
	if !IsInitialized() || metricsHandler == nil {
		return statusHandler(http.StatusServiceUnavailable, "# Metrics not initialized\n")
	}
	return metricsHandler
}

// RecordBusinessEvent counts a domain event such as a merge or an erasure
func RecordBusinessEvent(action, outcome string) {
	if !IsInitialized() {
		return
	}
	businessEventsCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(attrBusinessAction, action),
			attribute.String(attrBusinessOutcome, outcome),
		),
	)
}

// RecordExternalCall counts a call to an external collaborator such as an audit sink
func RecordExternalCall(target, operation string, err error) {
	if !IsInitialized() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(attrExternalTarget, target),
		attribute.String(attrExternalOperation, operation),
	)
	externalCallsCounter.Add(context.Background(), 1, attrs)
	if err != nil {
		externalCallErrors.Add(context.Background(), 1, attrs)
	}
}

// HTTPMetricsMiddleware records request counts and durations. route resolves
// the low-cardinality route pattern for a request.
func HTTPMetricsMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsInitialized() {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			pattern := route(r)
			if rw.statusCode == http.StatusNotFound || pattern == "" {
				pattern = "unknown"
			}
			httpRequestsCounter.Add(context.Background(), 1,
				metric.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRouteKey.String(pattern),
					semconv.HTTPResponseStatusCodeKey.Int(rw.statusCode),
				),
			)
			httpRequestDuration.Record(context.Background(), time.Since(start).Seconds(),
				metric.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRouteKey.String(pattern),
				),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func statusHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}
