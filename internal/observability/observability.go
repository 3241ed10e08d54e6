package observability

import (
	"context"
	"fmt"
)

// Observability bundles the structured logger, the metrics collector, and the
// tracer provider behind a single init/shutdown lifecycle.
type Observability struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New loads the YAML config at configPath and brings every component up. A
// metrics or tracing init failure degrades that component to a disabled
// collector or noop tracer rather than failing startup; only an unreadable
// config aborts.
func New(configPath string) (*Observability, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load observability config: %w", err)
	}

	logger := NewLogger(LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	metrics, err := NewMetricsCollector(cfg.Metrics)
	if err != nil {
		logger.Error("metrics init failed, continuing without metrics", "error", err)
		metrics = &MetricsCollector{}
	}

	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		logger.Error("tracing init failed, continuing with noop tracer", "error", err)
		tracer = &TracerProvider{}
	}

	logger.Info("observability ready",
		"log_level", cfg.Logging.Level,
		"metrics_enabled", cfg.Metrics.Enabled,
		"tracing_enabled", cfg.Tracing.Enabled,
	)

	return &Observability{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	}, nil
}

// Shutdown flushes and stops metrics and tracing. Component failures are
// logged and do not block the remaining components from shutting down.
func (o *Observability) Shutdown(ctx context.Context) error {
	o.Logger.Info("shutting down observability")

	if err := o.Metrics.Shutdown(ctx); err != nil {
		o.Logger.Error("metrics shutdown failed", "error", err)
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.Logger.Error("tracing shutdown failed", "error", err)
	}
	return nil
}
