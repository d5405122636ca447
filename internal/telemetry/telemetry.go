// Package telemetry wires the OpenTelemetry metrics pipeline. Metrics are
// exported over OTLP/gRPC when enabled; when disabled, instrument writes in
// the rest of the codebase hit the global no-op provider and cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Config holds telemetry configuration.
type Config struct {
	// Enabled turns metric export on.
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP/gRPC collector endpoint, host:port.
	Endpoint string `koanf:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `koanf:"insecure"`

	// ServiceName overrides the reported service name.
	ServiceName string `koanf:"service_name"`

	// ExportInterval is the periodic reader interval.
	ExportInterval time.Duration `koanf:"export_interval"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.ServiceName == "" {
		c.ServiceName = "patternbank"
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = 30 * time.Second
	}
}

// Telemetry owns the meter provider for graceful shutdown.
type Telemetry struct {
	meterProvider *metric.MeterProvider
	logger        *zap.Logger
}

// Init sets up the global meter provider per the configuration. With
// export disabled it returns a Telemetry whose Shutdown is a no-op.
func Init(ctx context.Context, cfg Config, version string, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	if !cfg.Enabled {
		return &Telemetry{logger: logger}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	// Cumulative temporality keeps Prometheus-compatible backends happy.
	cumulative := func(metric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(
			exporter,
			metric.WithInterval(cfg.ExportInterval),
		)),
	)
	otel.SetMeterProvider(mp)

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Duration("export_interval", cfg.ExportInterval))
	return &Telemetry{meterProvider: mp, logger: logger}, nil
}

// Shutdown flushes and stops the metrics pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down meter provider: %w", err)
	}
	return nil
}
