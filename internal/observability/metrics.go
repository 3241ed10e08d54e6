package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"counsel/internal/async"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the counsel server
type MetricsCollector struct {
	meter metric.Meter

	// Run metrics
	runStarts        metric.Int64Counter
	runDuration      metric.Float64Histogram
	runsActive       metric.Int64UpDownCounter
	eventsPublished  metric.Int64Counter
	historyEvictions metric.Int64Counter

	// HTTP server metrics
	httpRequests     metric.Int64Counter
	httpLatency      metric.Float64Histogram
	httpResponseSize metric.Int64Histogram

	// SSE metrics
	sseConnections        metric.Int64UpDownCounter
	sseConnectionDuration metric.Float64Histogram
	sseMessages           metric.Int64Counter
	sseMessageBytes       metric.Int64Histogram

	// Server for Prometheus scraping
	prometheusServer *http.Server

	// Optional callbacks used by tests to assert instrumentation behavior
	testHooks MetricsTestHooks
}

// MetricsTestHooks exposes callbacks that integration tests can use to assert
// instrumentation without spinning up a full OTel stack.
type MetricsTestHooks struct {
	HTTPServerRequest func(method, route string, status int, duration time.Duration, responseBytes int64)
	SSEMessage        func(eventType, status string, sizeBytes int64)
	RunExecution      func(status string, duration time.Duration)
	EventPublished    func(eventType string)
}

// SetTestHooks registers callbacks that are invoked whenever the matching
// metric is recorded. This is primarily used in unit tests so we can assert
// instrumentation without exporting real metrics.
func (m *MetricsCollector) SetTestHooks(hooks MetricsTestHooks) {
	if m == nil {
		return
	}
	m.testHooks = hooks
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("counsel")

	runStarts, err := meter.Int64Counter(
		"counsel.runs.started.total",
		metric.WithDescription("Total number of live runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_starts counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"counsel.runs.execution.duration",
		metric.WithDescription("Run execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_duration histogram: %w", err)
	}

	runsActive, err := meter.Int64UpDownCounter(
		"counsel.runs.active",
		metric.WithDescription("Number of currently executing runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_active gauge: %w", err)
	}

	eventsPublished, err := meter.Int64Counter(
		"counsel.events.published.total",
		metric.WithDescription("Total events published to run channels"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_published counter: %w", err)
	}

	historyEvictions, err := meter.Int64Counter(
		"counsel.events.history.evictions.total",
		metric.WithDescription("Events evicted from bounded run histories"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history_evictions counter: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"counsel.http.requests.total",
		metric.WithDescription("Total HTTP requests handled by the server"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"counsel.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_latency histogram: %w", err)
	}

	httpResponseSize, err := meter.Int64Histogram(
		"counsel.http.response.size",
		metric.WithDescription("HTTP response payload sizes in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_response_size histogram: %w", err)
	}

	sseConnections, err := meter.Int64UpDownCounter(
		"counsel.sse.connections.active",
		metric.WithDescription("Active SSE connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse_connections gauge: %w", err)
	}

	sseConnectionDuration, err := meter.Float64Histogram(
		"counsel.sse.connection.duration",
		metric.WithDescription("SSE connection lifetimes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse_connection_duration histogram: %w", err)
	}

	sseMessages, err := meter.Int64Counter(
		"counsel.sse.messages.total",
		metric.WithDescription("Total SSE events delivered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse_messages counter: %w", err)
	}

	sseMessageBytes, err := meter.Int64Histogram(
		"counsel.sse.message.size",
		metric.WithDescription("SSE payload sizes in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse_message_size histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:                 meter,
		runStarts:             runStarts,
		runDuration:           runDuration,
		runsActive:            runsActive,
		eventsPublished:       eventsPublished,
		historyEvictions:      historyEvictions,
		httpRequests:          httpRequests,
		httpLatency:           httpLatency,
		httpResponseSize:      httpResponseSize,
		sseConnections:        sseConnections,
		sseConnectionDuration: sseConnectionDuration,
		sseMessages:           sseMessages,
		sseMessageBytes:       sseMessageBytes,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

type stdPanicLogger struct{}

func (stdPanicLogger) Error(format string, args ...any) { log.Printf(format, args...) }

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	async.Go(stdPanicLogger{}, "observability.prometheus", func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	})

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordRunStarted records a run admission.
func (m *MetricsCollector) RecordRunStarted(ctx context.Context) {
	if m == nil || m.runStarts == nil {
		return
	}
	m.runStarts.Add(ctx, 1)
}

// RecordRunExecution records the terminal status and duration of a run.
func (m *MetricsCollector) RecordRunExecution(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.RunExecution; hook != nil {
		hook(status, duration)
	}
	if m.runDuration == nil {
		return
	}
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// IncrementActiveRuns increments the active runs gauge
func (m *MetricsCollector) IncrementActiveRuns(ctx context.Context) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, 1)
}

// DecrementActiveRuns decrements the active runs gauge
func (m *MetricsCollector) DecrementActiveRuns(ctx context.Context) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, -1)
}

// RecordEventPublished records an event accepted onto a run channel.
func (m *MetricsCollector) RecordEventPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.EventPublished; hook != nil {
		hook(eventType)
	}
	if m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordHistoryEviction records events trimmed from a bounded run history.
func (m *MetricsCollector) RecordHistoryEviction(ctx context.Context, count int64) {
	if m == nil || m.historyEvictions == nil || count <= 0 {
		return
	}
	m.historyEvictions.Add(ctx, count)
}

// RecordHTTPServerRequest records metrics for an HTTP request lifecycle
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, duration time.Duration, responseBytes int64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.HTTPServerRequest; hook != nil {
		hook(method, route, status, duration, responseBytes)
	}
	if m.httpRequests == nil || m.httpLatency == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
	if m.httpResponseSize != nil && responseBytes >= 0 {
		m.httpResponseSize.Record(ctx, responseBytes, metric.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	}
}

// IncrementSSEConnections increments the active SSE connection gauge
func (m *MetricsCollector) IncrementSSEConnections(ctx context.Context) {
	if m == nil || m.sseConnections == nil {
		return
	}
	m.sseConnections.Add(ctx, 1)
}

// DecrementSSEConnections decrements the active SSE connection gauge
func (m *MetricsCollector) DecrementSSEConnections(ctx context.Context) {
	if m == nil || m.sseConnections == nil {
		return
	}
	m.sseConnections.Add(ctx, -1)
}

// RecordSSEConnectionDuration records how long an SSE connection stayed open
func (m *MetricsCollector) RecordSSEConnectionDuration(ctx context.Context, duration time.Duration) {
	if m == nil || m.sseConnectionDuration == nil {
		return
	}
	m.sseConnectionDuration.Record(ctx, duration.Seconds())
}

// RecordSSEMessage records an SSE event delivery attempt.
func (m *MetricsCollector) RecordSSEMessage(ctx context.Context, eventType, status string, sizeBytes int64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.SSEMessage; hook != nil {
		hook(eventType, status, sizeBytes)
	}
	if m.sseMessages == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("event_type", eventType)}
	if status != "" {
		attrs = append(attrs, attribute.String("status", status))
	}
	m.sseMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.sseMessageBytes != nil && sizeBytes > 0 {
		m.sseMessageBytes.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
}
