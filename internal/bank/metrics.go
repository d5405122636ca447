package bank

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/quantmesh/patternbank/internal/bank"

// Metrics holds bank service metrics.
type Metrics struct {
	meter           metric.Meter
	logger          *zap.Logger
	tracesTotal     metric.Int64Counter
	patternsCreated metric.Int64Counter
	patternsBlended metric.Int64Counter
	feedbackTotal   metric.Int64Counter
	searchesTotal   metric.Int64Counter
	guardRejects    metric.Int64Counter
}

// NewMetrics creates bank metrics on the global meter provider.
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

	m.tracesTotal, err = m.meter.Int64Counter(
		"patternbank.traces_total",
		metric.WithDescription("Traces recorded, labeled by agent type and outcome."),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		m.logger.Warn("failed to create traces counter", zap.Error(err))
	}

	m.patternsCreated, err = m.meter.Int64Counter(
		"patternbank.patterns_created_total",
		metric.WithDescription("New patterns created, labeled by domain."),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		m.logger.Warn("failed to create patterns-created counter", zap.Error(err))
	}

	m.patternsBlended, err = m.meter.Int64Counter(
		"patternbank.patterns_blended_total",
		metric.WithDescription("Re-occurrences blended into existing patterns, labeled by domain."),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		m.logger.Warn("failed to create patterns-blended counter", zap.Error(err))
	}

	m.feedbackTotal, err = m.meter.Int64Counter(
		"patternbank.feedback_total",
		metric.WithDescription("Feedback records applied."),
		metric.WithUnit("{feedback}"),
	)
	if err != nil {
		m.logger.Warn("failed to create feedback counter", zap.Error(err))
	}

	m.searchesTotal, err = m.meter.Int64Counter(
		"patternbank.searches_total",
		metric.WithDescription("Similarity searches served, labeled by domain."),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		m.logger.Warn("failed to create searches counter", zap.Error(err))
	}

	m.guardRejects, err = m.meter.Int64Counter(
		"patternbank.embedding_rejects_total",
		metric.WithDescription("Embeddings rejected by the quality guard."),
		metric.WithUnit("{embedding}"),
	)
	if err != nil {
		m.logger.Warn("failed to create guard-rejects counter", zap.Error(err))
	}
}

// RecordTrace records an ingested trace.
func (m *Metrics) RecordTrace(ctx context.Context, agentType string, outcome Outcome) {
	if m.tracesTotal != nil {
		m.tracesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent_type", agentType),
			attribute.String("outcome", string(outcome)),
		))
	}
}

// RecordUpsert records a pattern write.
func (m *Metrics) RecordUpsert(ctx context.Context, domain string, created bool) {
	attrs := metric.WithAttributes(attribute.String("domain", domain))
	if created {
		if m.patternsCreated != nil {
			m.patternsCreated.Add(ctx, 1, attrs)
		}
		return
	}
	if m.patternsBlended != nil {
		m.patternsBlended.Add(ctx, 1, attrs)
	}
}

// RecordFeedback records an applied feedback score.
func (m *Metrics) RecordFeedback(ctx context.Context, matched int) {
	if m.feedbackTotal != nil {
		m.feedbackTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("matched", matched > 0),
		))
	}
}

// RecordSearch records a served search.
func (m *Metrics) RecordSearch(ctx context.Context, domain string, results int) {
	if m.searchesTotal != nil {
		m.searchesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("domain", domain),
			attribute.Int("results", results),
		))
	}
}

// RecordGuardReject records an embedding rejected by the quality guard.
func (m *Metrics) RecordGuardReject(ctx context.Context) {
	if m.guardRejects != nil {
		m.guardRejects.Add(ctx, 1)
	}
}
