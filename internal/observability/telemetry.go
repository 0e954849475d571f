// Package observability provides structured logging and Prometheus metrics
// for the sync pipeline.
package observability

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lvonguyen/actorforge/internal/actor"
)

// Telemetry bundles the logger and metrics registry handed to every
// component.
type Telemetry struct {
	logger       *zap.Logger
	metrics      *Metrics
	registry     *prometheus.Registry
	config       Config
	shutdownOnce sync.Once
}

// Config configures telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string

	LogLevel  string
	LogFormat string // json, console
}

// Metrics holds the pipeline's Prometheus metrics. All metrics live in a
// private registry so repeated construction (tests, restarts) never
// collides.
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	ActorsSeen  prometheus.Gauge

	// Reconciliation metrics
	ActorsReconciled *prometheus.CounterVec
	ActorsUnmatched  prometheus.Counter

	// Enrichment metrics
	EntitiesEnriched prometheus.Counter
	EntitiesFailed   prometheus.Counter
	EntitiesSkipped  *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec

	// Source metrics
	SourceRequests *prometheus.CounterVec
	SourceDuration *prometheus.HistogramVec

	// Technique catalogue
	TechniquesActive prometheus.Gauge

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Telemetry instance.
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	logger, err := t.initLogger()
	if err != nil {
		return nil, err
	}
	t.logger = logger
	t.metrics = t.initMetrics()

	return t, nil
}

// initLogger initializes structured logging.
func (t *Telemetry) initLogger() (*zap.Logger, error) {
	var config zap.Config

	if t.config.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch t.config.LogLevel {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service": t.config.ServiceName,
		"version": t.config.ServiceVersion,
	}

	return config.Build()
}

// initMetrics initializes Prometheus metrics.
func (t *Telemetry) initMetrics() *Metrics {
	namespace := "actorforge"
	factory := promauto.With(t.registry)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed sync runs by mode and status",
			},
			[]string{"mode", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Sync run duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"mode"},
		),
		ActorsSeen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actors_seen",
				Help:      "Actors observed in the most recent run",
			},
		),
		ActorsReconciled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actors_reconciled_total",
				Help:      "Reconciliation outcomes",
			},
			[]string{"outcome"},
		),
		ActorsUnmatched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actors_unmatched_total",
				Help:      "Source records that joined no identity",
			},
		),
		EntitiesEnriched: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_enriched_total",
				Help:      "Per-entity enrichment fetches that succeeded",
			},
		),
		EntitiesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_failed_total",
				Help:      "Per-entity enrichment fetches that failed terminally",
			},
		),
		EntitiesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_skipped_total",
				Help:      "Entities skipped before fetching",
			},
			[]string{"reason"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Response cache hits by source",
			},
			[]string{"source"},
		),
		SourceRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_requests_total",
				Help:      "Source fetches by outcome",
			},
			[]string{"source", "status"},
		),
		SourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "source_duration_seconds",
				Help:      "Source fetch duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"source"},
		),
		TechniquesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "techniques_active",
				Help:      "Techniques in the catalogue after the last run",
			},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Health status of components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveRun folds a finished run's summary into the metrics.
func (m *Metrics) ObserveRun(summary actor.RunSummary) {
	status := "ok"
	if summary.Failed > 0 || len(summary.Unmatched) > 0 {
		status = "partial"
	}

	m.RunsTotal.WithLabelValues(summary.Mode, status).Inc()
	m.RunDuration.WithLabelValues(summary.Mode).Observe(summary.Duration.Seconds())
	m.ActorsSeen.Set(float64(summary.ActorsSeen))
	m.TechniquesActive.Set(float64(summary.TTPsSeen))

	m.ActorsReconciled.WithLabelValues("created").Add(float64(summary.Created))
	m.ActorsReconciled.WithLabelValues("updated").Add(float64(summary.Updated))
	m.ActorsReconciled.WithLabelValues("unchanged").Add(float64(summary.Unchanged))
	m.ActorsUnmatched.Add(float64(len(summary.Unmatched)))

	m.EntitiesEnriched.Add(float64(summary.Enriched))
	m.EntitiesFailed.Add(float64(summary.Failed))
	m.EntitiesSkipped.WithLabelValues("cap").Add(float64(summary.SkippedCap))
	m.EntitiesSkipped.WithLabelValues("no_key").Add(float64(summary.SkippedNoKey))
	m.CacheHits.WithLabelValues(actor.SourceFeedly).Add(float64(summary.CacheHits))
}

// Logger returns the logger.
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Metrics returns the metrics.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler returns the Prometheus scrape handler for this instance's
// registry.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// StartSystemMetricsCollector starts collecting system metrics until the
// context ends.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown flushes buffered log entries.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.logger.Sync()
	})
	return nil
}
