package bank_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/embeddings"
	"github.com/quantmesh/patternbank/internal/store"
)

func newTestService(t *testing.T) *bank.Service {
	t.Helper()

	idx, err := store.NewChromemIndex(store.ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)
	st, err := store.NewEmbeddedStore(store.EmbeddedConfig{InMemory: true}, idx, zap.NewNop())
	require.NoError(t, err)

	provider, err := embeddings.NewStaticProvider(64)
	require.NoError(t, err)

	svc, err := bank.NewService(st, provider, nil, bank.ServiceConfig{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func successTrace(agentType, requestID string, tools ...string) *bank.Trace {
	return bank.NewTrace(agentType, requestID, []bank.TraceStep{
		{Phase: bank.PhaseObserve, Content: "gathering inputs"},
		{Phase: bank.PhaseAct, ToolCalls: tools},
		{Phase: bank.PhaseReflect, Content: "done"},
	}, bank.OutcomeSuccess)
}

func TestRecordTraceExtractsPattern(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pat, created, err := svc.RecordTrace(ctx, successTrace("equity-analyst", "req-1", "fetch_fundamentals", "dcf_model"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, pat)
	assert.Equal(t, "valuation", pat.TaskType)
	assert.Equal(t, "equity", pat.Domain)
	assert.Equal(t, []string{"dcf_model", "fetch_fundamentals"}, pat.ToolSequence)
	assert.InDelta(t, bank.InitialReward, pat.RewardScore, 1e-9)
	assert.Equal(t, 1, pat.UsageCount)
}

func TestRecordTraceRepeatedToolUseBlendsIntoOnePattern(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < 5; i++ {
		pat, _, err := svc.RecordTrace(ctx, successTrace("equity-analyst", fmt.Sprintf("req-%d", i), "fetch_fundamentals", "dcf_model"))
		require.NoError(t, err)
		require.NotNil(t, pat)
		if lastID != "" {
			assert.Equal(t, lastID, pat.ID)
		}
		lastID = pat.ID
		assert.Equal(t, i+1, pat.UsageCount)
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalPatterns)
	assert.Equal(t, 5, stats.TotalTraces)
}

func TestRecordTraceToolOrderDoesNotSplitPatterns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, _, err := svc.RecordTrace(ctx, successTrace("equity-analyst", "req-1", "dcf_model", "fetch_fundamentals"))
	require.NoError(t, err)
	second, _, err := svc.RecordTrace(ctx, successTrace("equity-analyst", "req-2", "fetch_fundamentals", "DCF_Model", "dcf_model"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.UsageCount)
}

func TestRecordTraceFailureOutcomeSkipsPattern(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	trace := bank.NewTrace("equity-analyst", "req-1", []bank.TraceStep{
		{Phase: bank.PhaseAct, ToolCalls: []string{"dcf_model"}},
	}, bank.OutcomeFailure)
	pat, created, err := svc.RecordTrace(ctx, trace)
	require.NoError(t, err)
	assert.Nil(t, pat)
	assert.False(t, created)

	// The trace itself still lands in the audit log.
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTraces)
	assert.Equal(t, 0, stats.TotalPatterns)
}

func TestRecordTraceWithoutToolsSkipsPattern(t *testing.T) {
	svc := newTestService(t)

	trace := bank.NewTrace("equity-analyst", "req-1", []bank.TraceStep{
		{Phase: bank.PhaseThink, Content: "pure reasoning, no tools"},
	}, bank.OutcomeSuccess)
	pat, created, err := svc.RecordTrace(context.Background(), trace)
	require.NoError(t, err)
	assert.Nil(t, pat)
	assert.False(t, created)
}

func TestRecordTraceRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		trace   *bank.Trace
		wantErr error
	}{
		{
			name:    "nil trace",
			trace:   nil,
			wantErr: bank.ErrInvalidTrace,
		},
		{
			name:    "no steps",
			trace:   bank.NewTrace("equity-analyst", "req-1", nil, bank.OutcomeSuccess),
			wantErr: bank.ErrEmptySteps,
		},
		{
			name: "bad phase",
			trace: bank.NewTrace("equity-analyst", "req-1", []bank.TraceStep{
				{Phase: "daydream"},
			}, bank.OutcomeSuccess),
			wantErr: bank.ErrInvalidPhase,
		},
		{
			name: "bad outcome",
			trace: bank.NewTrace("equity-analyst", "req-1", []bank.TraceStep{
				{Phase: bank.PhaseAct},
			}, "partial"),
			wantErr: bank.ErrInvalidOutcome,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.RecordTrace(ctx, tt.trace)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Rejected submissions must not reach the audit log.
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTraces)
}

func TestRecordTraceUnknownAgentKeepsTrace(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pat, created, err := svc.RecordTrace(ctx, successTrace("astrologer", "req-1", "chart_stars"))
	assert.ErrorIs(t, err, bank.ErrUnknownAgentType)
	assert.Nil(t, pat)
	assert.False(t, created)

	// The audit log is append-only; the mapping failure only blocks
	// pattern extraction.
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTraces)
	assert.Equal(t, 0, stats.TotalPatterns)
}

func TestRecordFeedbackRaisesReward(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pat, _, err := svc.RecordTrace(ctx, successTrace("credit-analyst", "req-1", "spread_model"))
	require.NoError(t, err)

	updated, err := svc.RecordFeedback(ctx, bank.NewFeedback("req-1", 1.0, false))
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, pat.ID, updated[0].ID)
	assert.Greater(t, updated[0].RewardScore, bank.InitialReward)
	assert.Equal(t, 1, updated[0].UsageCount)
}

func TestRecordFeedbackScoreDirection(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RecordTrace(ctx, successTrace("credit-analyst", "req-1", "spread_model"))
	require.NoError(t, err)

	// Perfect scores only raise the reward, zero scores only lower it.
	reward := bank.InitialReward
	for i := 0; i < 3; i++ {
		updated, err := svc.RecordFeedback(ctx, bank.NewFeedback("req-1", 1.0, true))
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.GreaterOrEqual(t, updated[0].RewardScore, reward)
		reward = updated[0].RewardScore
	}
	for i := 0; i < 3; i++ {
		updated, err := svc.RecordFeedback(ctx, bank.NewFeedback("req-1", 0.0, true))
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.LessOrEqual(t, updated[0].RewardScore, reward)
		reward = updated[0].RewardScore
	}
}

func TestRecordFeedbackUnmatchedRequestIsNoOp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	updated, err := svc.RecordFeedback(ctx, bank.NewFeedback("never-seen", 0.2, true))
	require.NoError(t, err)
	assert.Empty(t, updated)

	// The feedback record itself is still kept.
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFeedback)
}

func TestRecordFeedbackRejectsOutOfRangeScore(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.RecordFeedback(context.Background(), bank.NewFeedback("req-1", 1.5, false))
	assert.ErrorIs(t, err, bank.ErrInvalidScore)
}

func TestSearchPatternsFindsSimilarToolUse(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pat, _, err := svc.RecordTrace(ctx, successTrace("equity-analyst", "req-1", "fetch_fundamentals", "dcf_model"))
	require.NoError(t, err)
	_, _, err = svc.RecordTrace(ctx, successTrace("credit-analyst", "req-2", "spread_model"))
	require.NoError(t, err)

	// Query with the pattern's own embedding text for a near-exact match.
	query := bank.EmbeddingText("valuation", pat.ToolSequence, "equity-analyst")
	results, err := svc.SearchPatterns(ctx, query, "equity", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, pat.ID, results[0].Pattern.ID)
	assert.InDelta(t, 1.0, float64(results[0].Similarity), 1e-3)

	// The credit pattern lives in another domain and must not surface.
	for _, r := range results {
		assert.Equal(t, "equity", r.Pattern.Domain)
	}
}

func TestSearchPatternsMatchesBareTaskTypeQuery(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := svc.RecordTrace(ctx, successTrace("equity-analyst", fmt.Sprintf("req-%d", i), "wacc_calculator", "dcf_model"))
		require.NoError(t, err)
	}

	// A bare task type is the common retrieval query; it must clear the
	// default similarity floor without the caller spelling out the
	// canonical pattern text.
	results, err := svc.SearchPatterns(ctx, "valuation", "equity", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Pattern.UsageCount)
	assert.Greater(t, float64(results[0].Similarity), bank.DefaultMinSimilarity)
}

func TestSearchPatternsValidatesInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.SearchPatterns(ctx, "", "equity", 0, 0)
	assert.ErrorIs(t, err, bank.ErrEmptyQuery)

	_, err = svc.SearchPatterns(ctx, "dcf valuation", "", 0, 0)
	assert.ErrorIs(t, err, bank.ErrEmptyDomain)
}

func TestStatsServesStaleCountsWhenStoreFails(t *testing.T) {
	idx, err := store.NewChromemIndex(store.ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)
	st, err := store.NewEmbeddedStore(store.EmbeddedConfig{InMemory: true}, idx, zap.NewNop())
	require.NoError(t, err)

	inner := &failingStatsStore{Store: st}
	provider, err := embeddings.NewStaticProvider(64)
	require.NoError(t, err)
	svc, err := bank.NewService(inner, provider, nil, bank.ServiceConfig{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	_, _, err = svc.RecordTrace(ctx, successTrace("equity-analyst", "req-1", "dcf_model"))
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTraces)
	assert.False(t, stats.Stale)

	inner.fail = true
	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Stale)
	assert.Equal(t, 1, stats.TotalTraces)
}

// failingStatsStore fails Stats on demand while delegating everything else.
type failingStatsStore struct {
	bank.Store
	fail bool
}

func (s *failingStatsStore) Stats(ctx context.Context) (bank.Stats, error) {
	if s.fail {
		return bank.Stats{}, fmt.Errorf("stats scan: %w", store.ErrTransient)
	}
	return s.Store.Stats(ctx)
}

func TestFingerprintCanonicalization(t *testing.T) {
	a := bank.Fingerprint([]string{"DCF_Model", "fetch_fundamentals", "dcf_model"})
	b := bank.Fingerprint([]string{"fetch_fundamentals", "dcf_model"})
	assert.Equal(t, a, b)

	c := bank.Fingerprint([]string{"spread_model"})
	assert.NotEqual(t, a, c)
	assert.Len(t, c, 24)
}

func TestServiceRejectsNilDependencies(t *testing.T) {
	provider, err := embeddings.NewStaticProvider(8)
	require.NoError(t, err)

	_, err = bank.NewService(nil, provider, nil, bank.ServiceConfig{}, nil)
	assert.Error(t, err)
}

func TestTraceToolSequenceSpansActSteps(t *testing.T) {
	trace := bank.NewTrace("fx-strategist", "req-1", []bank.TraceStep{
		{Phase: bank.PhaseAct, ToolCalls: []string{"fetch_rates"}},
		{Phase: bank.PhaseThink, Content: "carry looks rich"},
		{Phase: bank.PhaseAct, ToolCalls: []string{"vol_surface", "fetch_rates"}},
	}, bank.OutcomeSuccess)

	assert.Equal(t, []string{"fetch_rates", "vol_surface", "fetch_rates"}, trace.ToolSequence())
	assert.WithinDuration(t, time.Now().UTC(), trace.CreatedAt, time.Minute)
}
