package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/embeddings"
	httpapi "github.com/quantmesh/patternbank/internal/http"
	"github.com/quantmesh/patternbank/internal/spike"
	"github.com/quantmesh/patternbank/internal/store"
)

type testStack struct {
	server *httpapi.Server
	svc    *bank.Service
}

func newTestStack(t *testing.T) *testStack {
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

	network, err := spike.NewNetwork(st, spike.Config{}, zap.NewNop())
	require.NoError(t, err)

	srv, err := httpapi.NewServer(svc, network, st, httpapi.Config{Addr: ":0"}, zap.NewNop())
	require.NoError(t, err)
	return &testStack{server: srv, svc: svc}
}

func (ts *testStack) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func traceBody(agentType, requestID string, tools ...string) httpapi.TraceRequest {
	return httpapi.TraceRequest{
		AgentType: agentType,
		RequestID: requestID,
		Outcome:   bank.OutcomeSuccess,
		Steps: []bank.TraceStep{
			{Phase: bank.PhaseObserve, Content: "pulling filings"},
			{Phase: bank.PhaseAct, ToolCalls: tools},
			{Phase: bank.PhaseReflect, Content: "done"},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httpapi.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
}

func TestRecordTraceEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("equity-analyst", "req-1", "fetch_fundamentals", "dcf_model"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[httpapi.TraceResponse](t, rec)
	assert.NotEmpty(t, resp.TraceID)
	require.NotNil(t, resp.Pattern)
	assert.True(t, resp.Created)
	assert.Equal(t, "equity", resp.Pattern.Domain)
	assert.Equal(t, "valuation", resp.Pattern.TaskType)
}

func TestRecordTraceEndpointRejectsUnknownAgent(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("astrologer", "req-1", "tarot"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordTraceEndpointRejectsMalformedBody(t *testing.T) {
	ts := newTestStack(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/traces",
		bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPatternEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("credit-analyst", "req-1", "spread_history"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[httpapi.TraceResponse](t, rec)
	require.NotNil(t, created.Pattern)

	rec = ts.do(t, http.MethodGet, "/api/v1/patterns/"+created.Pattern.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pat := decode[bank.Pattern](t, rec)
	assert.Equal(t, created.Pattern.ID, pat.ID)
	assert.Equal(t, "credit", pat.Domain)

	rec = ts.do(t, http.MethodGet, "/api/v1/patterns/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchPatternsEndpoint(t *testing.T) {
	ts := newTestStack(t)

	for i, tool := range []string{"dcf_model", "comps_screen"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/traces",
			traceBody("equity-analyst", fmt.Sprintf("req-%d", i), tool))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	query := url.QueryEscape(bank.EmbeddingText("valuation", []string{"dcf_model"}, "equity-analyst"))
	rec := ts.do(t, http.MethodGet, "/api/v1/patterns/search?q="+query+"&domain=equity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httpapi.SearchResponse](t, rec)
	assert.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, "equity", r.Pattern.Domain)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/patterns/search?domain=equity", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/patterns/search?q=anything&domain=equity&limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordFeedbackEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("risk-manager", "req-1", "var_report"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/feedback",
		httpapi.FeedbackRequest{RequestID: "req-1", Score: 1.0})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[httpapi.FeedbackResponse](t, rec)
	assert.NotEmpty(t, resp.FeedbackID)
	assert.Equal(t, 1, resp.PatternsUpdated)

	rec = ts.do(t, http.MethodPost, "/api/v1/feedback",
		httpapi.FeedbackRequest{RequestID: "req-1", Score: 1.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("fx-strategist", "req-1", "carry_screen"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[bank.Stats](t, rec)
	assert.Equal(t, 1, stats.TotalPatterns)
	assert.Equal(t, 1, stats.TotalTraces)
}

func TestFireSpikeEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("macro-economist", "req-1", "cpi_nowcast"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[httpapi.TraceResponse](t, rec)
	require.NotNil(t, created.Pattern)

	rec = ts.do(t, http.MethodPost, "/api/v1/spikes/"+created.Pattern.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httpapi.SpikeResponse](t, rec)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, 1, resp.Fired)

	rec = ts.do(t, http.MethodPost, "/api/v1/spikes/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRebuildLinksEndpoint(t *testing.T) {
	ts := newTestStack(t)

	// Two patterns co-occurring twice in the equity domain.
	for i := 0; i < 2; i++ {
		for j, tool := range []string{"dcf_model", "comps_screen"} {
			rec := ts.do(t, http.MethodPost, "/api/v1/traces",
				traceBody("equity-analyst", fmt.Sprintf("req-%d-%d", i, j), tool))
			require.Equal(t, http.StatusAccepted, rec.Code)
		}
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/links/rebuild?domain=equity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httpapi.RebuildResponse](t, rec)
	assert.Equal(t, 2, resp.Upserts["equity"])

	rec = ts.do(t, http.MethodPost, "/api/v1/links/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[httpapi.RebuildResponse](t, rec)
	assert.Contains(t, all.Upserts, "credit")
	assert.Equal(t, 2, all.Upserts["equity"])
}

func TestAnomaliesEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/anomalies", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/anomalies?domain=equity&window=30m&z=1.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httpapi.AnomalyResponse](t, rec)
	assert.Empty(t, resp.Anomalies)

	rec = ts.do(t, http.MethodGet, "/api/v1/anomalies?domain=equity&window=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttentionEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/traces",
		traceBody("equity-analyst", "req-1", "dcf_model"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	query := url.QueryEscape(bank.EmbeddingText("valuation", []string{"dcf_model"}, "equity-analyst"))
	rec = ts.do(t, http.MethodGet, "/api/v1/attention?q="+query+"&domain=equity&k=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[httpapi.AttentionResponse](t, rec)
	require.NotEmpty(t, resp.Weights)
	var total float64
	for _, w := range resp.Weights {
		total += w.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-6)

	rec = ts.do(t, http.MethodGet, "/api/v1/attention?q=anything&k=5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphStatsEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/graph", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/graph?domain=equity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[spike.GraphStats](t, rec)
	assert.Equal(t, 0, stats.Edges)
}

func TestNewServerValidatesDependencies(t *testing.T) {
	_, err := httpapi.NewServer(nil, nil, nil, httpapi.Config{}, zap.NewNop())
	assert.Error(t, err)
}
