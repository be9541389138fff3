// Package observability provides OpenTelemetry metrics for the replay
// pipeline: backfill progress, store writes, and alert dispatch volume.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool // use insecure connection (dev only)
}

// DefaultConfig returns development defaults. Export is disabled until an
// endpoint is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "replay-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the metric provider lifecycle and the instrument bundle.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger
	metrics       *Metrics
}

// New creates a provider. When the config is disabled no exporter is
// created and all instrument calls become no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "metrics export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := otel.Meter("replay.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.metrics, err = newMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "metrics export initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"interval", config.ExportInterval,
	)
	return p, nil
}

// Metrics returns the instrument bundle. It is nil-safe to use even when
// the provider is disabled.
func (p *Provider) Metrics() *Metrics { return p.metrics }

// Shutdown flushes pending metrics and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}

// Metrics bundles the instruments recorded by the replay pipeline. A nil
// *Metrics is valid and records nothing, so callers never need to branch
// on whether export is configured.
type Metrics struct {
	pagesFetched     metric.Int64Counter
	eventsStored     metric.Int64Counter
	duplicatesSeen   metric.Int64Counter
	alertsEmitted    metric.Int64Counter
	alertsSuppressed metric.Int64Counter
	pageDuration     metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.pagesFetched, err = meter.Int64Counter("replay.backfill.pages",
		metric.WithDescription("Total backfill pages fetched"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	m.eventsStored, err = meter.Int64Counter("replay.store.events",
		metric.WithDescription("Total timeline events persisted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.duplicatesSeen, err = meter.Int64Counter("replay.store.duplicates",
		metric.WithDescription("Total duplicate events absorbed by the store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.alertsEmitted, err = meter.Int64Counter("replay.alerts.emitted",
		metric.WithDescription("Total alerts written to the sink"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	m.alertsSuppressed, err = meter.Int64Counter("replay.alerts.suppressed",
		metric.WithDescription("Total alerts suppressed inside a dedup window"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	m.pageDuration, err = meter.Float64Histogram("replay.backfill.page.duration",
		metric.WithDescription("Backfill page processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// PageFetched records one processed backfill page and its duration.
func (m *Metrics) PageFetched(ctx context.Context, traceID string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trace_id", traceID))
	m.pagesFetched.Add(ctx, 1, attrs)
	m.pageDuration.Record(ctx, d.Seconds(), attrs)
}

// EventsStored records persisted and duplicate event counts for one batch.
func (m *Metrics) EventsStored(ctx context.Context, traceID string, inserted, duplicates int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trace_id", traceID))
	if inserted > 0 {
		m.eventsStored.Add(ctx, int64(inserted), attrs)
	}
	if duplicates > 0 {
		m.duplicatesSeen.Add(ctx, int64(duplicates), attrs)
	}
}

// AlertEmitted records one alert dispatched to the sink.
func (m *Metrics) AlertEmitted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.alertsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AlertSuppressed records one alert absorbed by the dedup window.
func (m *Metrics) AlertSuppressed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
