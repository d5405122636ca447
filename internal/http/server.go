// Package http provides the HTTP API of the pattern bank service.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/spike"
	"github.com/quantmesh/patternbank/internal/store"
)

// BankService is the bank surface the API serves. *bank.Service
// satisfies it.
type BankService interface {
	RecordTrace(ctx context.Context, trace *bank.Trace) (*bank.Pattern, bool, error)
	RecordFeedback(ctx context.Context, fb *bank.Feedback) ([]*bank.Pattern, error)
	GetPattern(ctx context.Context, id string) (*bank.Pattern, error)
	SearchPatterns(ctx context.Context, query, domain string, limit int, minSimilarity float32) ([]bank.ScoredPattern, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Stats(ctx context.Context) (bank.Stats, error)
}

// SpikeNetwork is the spike surface the API serves. *spike.Network
// satisfies it.
type SpikeNetwork interface {
	FireSpike(ctx context.Context, sourceID string) ([]spike.Event, error)
	BuildLinksFromTrajectories(ctx context.Context, domain string) (int, error)
	DetectAnomalies(ctx context.Context, domain string, window time.Duration, zThreshold float64) ([]spike.AnomalyRecord, error)
	ComputeSpikeAttention(ctx context.Context, searcher spike.Searcher, queryVec []float32, domain string, k int) ([]spike.AttentionWeight, error)
	GraphStats(ctx context.Context, domain string) (spike.GraphStats, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	bank     BankService
	network  SpikeNetwork
	searcher spike.Searcher
	logger   *zap.Logger
	config   Config
}

// NewServer creates the HTTP server and registers routes.
func NewServer(bankSvc BankService, network SpikeNetwork, searcher spike.Searcher, cfg Config, logger *zap.Logger) (*Server, error) {
	if bankSvc == nil {
		return nil, fmt.Errorf("bank service cannot be nil")
	}
	if network == nil {
		return nil, fmt.Errorf("spike network cannot be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.ReadTimeout > 0 {
		e.Server.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		e.Server.WriteTimeout = cfg.WriteTimeout
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		bank:     bankSvc,
		network:  network,
		searcher: searcher,
		logger:   logger.Named("http"),
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/traces", s.handleRecordTrace)
	v1.POST("/feedback", s.handleRecordFeedback)
	v1.GET("/patterns/search", s.handleSearchPatterns)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.GET("/stats", s.handleStats)
	v1.POST("/spikes/:id", s.handleFireSpike)
	v1.POST("/links/rebuild", s.handleRebuildLinks)
	v1.GET("/anomalies", s.handleAnomalies)
	v1.GET("/attention", s.handleAttention)
	v1.GET("/graph", s.handleGraphStats)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps domain errors onto status codes. Validation failures are
// the caller's fault; an exhausted store is a service problem.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, spike.ErrUnknownPattern):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	case isValidationError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		bank.ErrInvalidTrace,
		bank.ErrEmptySteps,
		bank.ErrInvalidOutcome,
		bank.ErrInvalidPhase,
		bank.ErrEmptyAgentType,
		bank.ErrEmptyRequestID,
		bank.ErrInvalidFeedback,
		bank.ErrInvalidScore,
		bank.ErrUnknownAgentType,
		bank.ErrEmptyQuery,
		bank.ErrEmptyDomain,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
