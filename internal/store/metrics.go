package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/quantmesh/patternbank/internal/store"

// Metrics holds retry-path metrics.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	retriesTotal   metric.Int64Counter
	exhaustedTotal metric.Int64Counter
}

// NewMetrics creates store metrics on the global meter provider.
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

	m.retriesTotal, err = m.meter.Int64Counter(
		"patternbank.store.retries_total",
		metric.WithDescription("Transient-failure retries, labeled by operation."),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.exhaustedTotal, err = m.meter.Int64Counter(
		"patternbank.store.retries_exhausted_total",
		metric.WithDescription("Operations that failed after all retry attempts, labeled by operation."),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}
}

// RecordRetry records one retried attempt of an operation.
func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	if m.retriesTotal != nil {
		m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// RecordExhausted records an operation that ran out of attempts.
func (m *Metrics) RecordExhausted(ctx context.Context, op string) {
	if m.exhaustedTotal != nil {
		m.exhaustedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
