package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/embeddings"
	"github.com/quantmesh/patternbank/internal/spike"
)

// Anomaly endpoint defaults.
const (
	defaultAnomalyWindow = time.Hour
	defaultAnomalyZ      = 2.0
)

// TraceRequest is the request body for POST /api/v1/traces.
type TraceRequest struct {
	AgentType string           `json:"agent_type"`
	RequestID string           `json:"request_id"`
	Steps     []bank.TraceStep `json:"steps"`
	Outcome   bank.Outcome     `json:"outcome"`
}

// TraceResponse is the response body for POST /api/v1/traces.
type TraceResponse struct {
	TraceID string `json:"trace_id"`

	// Pattern is the extracted pattern, when the episode produced one.
	Pattern *bank.Pattern `json:"pattern,omitempty"`
	Created bool          `json:"created,omitempty"`

	// Note explains why no pattern was stored, when learning was
	// skipped for an accepted trace.
	Note string `json:"note,omitempty"`
}

// FeedbackRequest is the request body for POST /api/v1/feedback.
type FeedbackRequest struct {
	RequestID string  `json:"request_id"`
	Score     float64 `json:"score"`
	Automated bool    `json:"automated"`
}

// FeedbackResponse is the response body for POST /api/v1/feedback.
type FeedbackResponse struct {
	FeedbackID      string `json:"feedback_id"`
	PatternsUpdated int    `json:"patterns_updated"`

	// Note explains why the score was not applied, when ingestion was
	// accepted but degraded.
	Note string `json:"note,omitempty"`
}

// SearchResponse is the response body for GET /api/v1/patterns/search.
type SearchResponse struct {
	Results []bank.ScoredPattern `json:"results"`
}

// SpikeResponse is the response body for POST /api/v1/spikes/:id.
type SpikeResponse struct {
	Events []spike.Event `json:"events"`
	Fired  int           `json:"fired"`
}

// RebuildResponse is the response body for POST /api/v1/links/rebuild.
type RebuildResponse struct {
	Upserts map[string]int `json:"upserts"`
}

// AnomalyResponse is the response body for GET /api/v1/anomalies.
type AnomalyResponse struct {
	Anomalies []spike.AnomalyRecord `json:"anomalies"`
}

// AttentionResponse is the response body for GET /api/v1/attention.
type AttentionResponse struct {
	Weights []spike.AttentionWeight `json:"weights"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRecordTrace ingests a reasoning trace. Accepted traces return 202
// whether or not a pattern was learned from them: learning is best-effort
// on top of the audit log.
func (s *Server) handleRecordTrace(c echo.Context) error {
	var req TraceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	trace := bank.NewTrace(req.AgentType, req.RequestID, req.Steps, req.Outcome)
	pat, created, err := s.bank.RecordTrace(c.Request().Context(), trace)
	if err != nil {
		if isValidationError(err) {
			return httpError(err)
		}
		// Learning is best-effort: the caller's analysis must not fail
		// because the bank could not keep up.
		note := "learning degraded"
		var qerr *embeddings.QualityError
		if errors.As(err, &qerr) {
			note = "embedding rejected by quality guard"
		}
		s.logger.Warn("trace ingestion degraded",
			zap.String("trace_id", trace.ID), zap.Error(err))
		return c.JSON(http.StatusAccepted, TraceResponse{TraceID: trace.ID, Note: note})
	}
	return c.JSON(http.StatusAccepted, TraceResponse{TraceID: trace.ID, Pattern: pat, Created: created})
}

func (s *Server) handleRecordFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fb := bank.NewFeedback(req.RequestID, req.Score, req.Automated)
	updated, err := s.bank.RecordFeedback(c.Request().Context(), fb)
	if err != nil {
		if isValidationError(err) {
			return httpError(err)
		}
		s.logger.Warn("feedback ingestion degraded",
			zap.String("request_id", fb.RequestID), zap.Error(err))
		return c.JSON(http.StatusAccepted, FeedbackResponse{
			FeedbackID: fb.ID,
			Note:       "feedback not applied",
		})
	}
	return c.JSON(http.StatusAccepted, FeedbackResponse{
		FeedbackID:      fb.ID,
		PatternsUpdated: len(updated),
	})
}

func (s *Server) handleGetPattern(c echo.Context) error {
	pat, err := s.bank.GetPattern(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if pat == nil {
		return echo.NewHTTPError(http.StatusNotFound, "pattern not found")
	}
	return c.JSON(http.StatusOK, pat)
}

func (s *Server) handleSearchPatterns(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return err
	}
	minSim, err := floatParam(c, "min_similarity", 0)
	if err != nil {
		return err
	}

	results, err := s.bank.SearchPatterns(c.Request().Context(),
		c.QueryParam("q"), c.QueryParam("domain"), limit, float32(minSim))
	if err != nil {
		return httpError(err)
	}
	if results == nil {
		results = []bank.ScoredPattern{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.bank.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleFireSpike(c echo.Context) error {
	events, err := s.network.FireSpike(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	fired := 0
	for _, ev := range events {
		if ev.DidFire {
			fired++
		}
	}
	return c.JSON(http.StatusOK, SpikeResponse{Events: events, Fired: fired})
}

// handleRebuildLinks rebuilds link graphs from trace history, for one
// domain or all of them.
func (s *Server) handleRebuildLinks(c echo.Context) error {
	ctx := c.Request().Context()
	domains := bank.Domains()
	if d := c.QueryParam("domain"); d != "" {
		domains = []string{d}
	}

	upserts := make(map[string]int, len(domains))
	for _, domain := range domains {
		n, err := s.network.BuildLinksFromTrajectories(ctx, domain)
		if err != nil {
			s.logger.Error("link rebuild failed",
				zap.String("domain", domain), zap.Error(err))
			return httpError(err)
		}
		upserts[domain] = n
	}
	return c.JSON(http.StatusOK, RebuildResponse{Upserts: upserts})
}

func (s *Server) handleAnomalies(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain parameter is required")
	}

	window := defaultAnomalyWindow
	if raw := c.QueryParam("window"); raw != "" {
		var err error
		if window, err = time.ParseDuration(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid window duration")
		}
	}
	z := defaultAnomalyZ
	if raw := c.QueryParam("z"); raw != "" {
		var err error
		if z, err = strconv.ParseFloat(raw, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid z threshold")
		}
	}

	anomalies, err := s.network.DetectAnomalies(c.Request().Context(), domain, window, z)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, AnomalyResponse{Anomalies: anomalies})
}

func (s *Server) handleAttention(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain parameter is required")
	}
	k, err := intParam(c, "k", 0)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	vec, err := s.bank.EmbedQuery(ctx, c.QueryParam("q"))
	if err != nil {
		return httpError(err)
	}
	weights, err := s.network.ComputeSpikeAttention(ctx, s.searcher, vec, domain, k)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, AttentionResponse{Weights: weights})
}

func (s *Server) handleGraphStats(c echo.Context) error {
	domain := c.QueryParam("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain parameter is required")
	}
	stats, err := s.network.GraphStats(c.Request().Context(), domain)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" parameter")
	}
	return v, nil
}

func floatParam(c echo.Context, name string, def float64) (float64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" parameter")
	}
	return v, nil
}
