package spike

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/quantmesh/patternbank/internal/spike"

// Metrics holds spike network metrics.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	wavesTotal  metric.Int64Counter
	firedTotal  metric.Int64Counter
	eventsTotal metric.Int64Counter
}

// NewMetrics creates spike network metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.wavesTotal, err = m.meter.Int64Counter(
		"patternbank.spike.waves_total",
		metric.WithDescription("Propagation waves started, labeled by domain."),
		metric.WithUnit("{wave}"),
	)
	if err != nil {
		m.logger.Warn("failed to create waves counter", zap.Error(err))
	}

	m.firedTotal, err = m.meter.Int64Counter(
		"patternbank.spike.fired_total",
		metric.WithDescription("Patterns fired across all waves, labeled by domain."),
		metric.WithUnit("{spike}"),
	)
	if err != nil {
		m.logger.Warn("failed to create fired counter", zap.Error(err))
	}

	m.eventsTotal, err = m.meter.Int64Counter(
		"patternbank.spike.events_total",
		metric.WithDescription("Propagation events emitted (fired or not), labeled by domain."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create events counter", zap.Error(err))
	}
}

// RecordWave records the outcome of one propagation wave.
func (m *Metrics) RecordWave(ctx context.Context, domain string, fired, events int) {
	attrs := metric.WithAttributes(attribute.String("domain", domain))
	if m.wavesTotal != nil {
		m.wavesTotal.Add(ctx, 1, attrs)
	}
	if m.firedTotal != nil {
		m.firedTotal.Add(ctx, int64(fired), attrs)
	}
	if m.eventsTotal != nil {
		m.eventsTotal.Add(ctx, int64(events), attrs)
	}
}
