package bank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/embeddings"
)

// ServiceConfig tunes the bank service.
type ServiceConfig struct {
	// SearchLimit is the default result cap for searches that do not
	// specify one.
	SearchLimit int `koanf:"search_limit"`

	// MinSimilarity is the default similarity floor for searches that do
	// not specify one.
	MinSimilarity float32 `koanf:"min_similarity"`

	// FeedbackAlpha is the EMA weight for external quality scores.
	FeedbackAlpha float64 `koanf:"feedback_alpha"`
}

// ApplyDefaults fills zero-valued fields.
func (c *ServiceConfig) ApplyDefaults() {
	if c.SearchLimit <= 0 {
		c.SearchLimit = DefaultSearchLimit
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.FeedbackAlpha <= 0 || c.FeedbackAlpha > 1 {
		c.FeedbackAlpha = FeedbackAlpha
	}
}

// Service owns the reasoning bank's write and read paths: trace ingestion
// with pattern extraction, feedback blending, and similarity retrieval.
// It is safe for concurrent use.
type Service struct {
	store    Store
	provider embeddings.Provider
	guard    *embeddings.Guard
	config   ServiceConfig
	logger   *zap.Logger
	metrics  *Metrics

	// lastStats caches the last successful stats computation so reads
	// degrade to stale data instead of failing with the store.
	statsMu   sync.RWMutex
	lastStats Stats
	haveStats bool
}

// NewService creates the bank service. A nil guard gets default bounds;
// a nil logger is replaced with a no-op.
func NewService(store Store, provider embeddings.Provider, guard *embeddings.Guard, cfg ServiceConfig, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("embedding provider cannot be nil")
	}
	if guard == nil {
		guard = embeddings.NewGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	return &Service{
		store:    store,
		provider: provider,
		guard:    guard,
		config:   cfg,
		logger:   logger.Named("bank"),
		metrics:  NewMetrics(logger),
	}, nil
}

// RecordTrace appends a trace to the audit log and, for successful
// episodes that used tools, extracts and upserts the tool-use pattern.
// The returned pattern is nil when the episode produced none. The trace
// is kept even when pattern extraction fails afterwards: the audit log
// is append-only and learning is best-effort on top of it.
func (s *Service) RecordTrace(ctx context.Context, trace *Trace) (*Pattern, bool, error) {
	if err := trace.Validate(); err != nil {
		return nil, false, err
	}

	if err := s.store.AppendTrace(ctx, trace); err != nil {
		return nil, false, fmt.Errorf("recording trace: %w", err)
	}
	s.metrics.RecordTrace(ctx, trace.AgentType, trace.Outcome)
	s.logger.Debug("trace recorded",
		zap.String("trace_id", trace.ID),
		zap.String("agent_type", trace.AgentType),
		zap.String("outcome", string(trace.Outcome)))

	// The trace is in the log regardless; an agent type outside the
	// mapping table is still the caller's error.
	taskType, err := TaskTypeFor(trace.AgentType)
	if err != nil {
		return nil, false, err
	}
	domain, err := DomainFor(taskType)
	if err != nil {
		return nil, false, err
	}

	if trace.Outcome != OutcomeSuccess {
		return nil, false, nil
	}
	tools := trace.ToolSequence()
	if len(tools) == 0 {
		return nil, false, nil
	}

	canonical := CanonicalTools(tools)
	fingerprint := Fingerprint(tools)
	text := EmbeddingText(taskType, canonical, trace.AgentType)

	vec, err := s.guard.ComputeValidated(ctx, s.provider, text, "pattern "+fingerprint)
	if err != nil {
		var qerr *embeddings.QualityError
		if errors.As(err, &qerr) {
			s.metrics.RecordGuardReject(ctx)
			s.logger.Warn("embedding rejected, pattern not stored",
				zap.String("trace_id", trace.ID),
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
		}
		return nil, false, fmt.Errorf("embedding pattern: %w", err)
	}

	pat, created, err := s.store.UpsertPattern(ctx, Upsert{
		Fingerprint:  fingerprint,
		Domain:       domain,
		TaskType:     taskType,
		AgentType:    trace.AgentType,
		ToolSequence: canonical,
		RequestID:    trace.RequestID,
		TraceID:      trace.ID,
		Embedding:    vec,
		OccurredAt:   trace.CreatedAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("upserting pattern: %w", err)
	}
	s.metrics.RecordUpsert(ctx, domain, created)
	s.logger.Info("pattern upserted",
		zap.String("pattern_id", pat.ID),
		zap.String("domain", domain),
		zap.Bool("created", created),
		zap.Int("usage_count", pat.UsageCount))
	return pat, created, nil
}

// RecordFeedback stores the feedback record and blends its score into
// every pattern that originated from the scored request. A request that
// matched no patterns is recorded and otherwise a no-op.
func (s *Service) RecordFeedback(ctx context.Context, fb *Feedback) ([]*Pattern, error) {
	if err := fb.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.AppendFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("recording feedback: %w", err)
	}

	updated, err := s.store.BlendFeedback(ctx, fb.RequestID, fb.Score, s.config.FeedbackAlpha)
	if err != nil {
		return nil, fmt.Errorf("blending feedback: %w", err)
	}
	s.metrics.RecordFeedback(ctx, len(updated))
	s.logger.Debug("feedback applied",
		zap.String("request_id", fb.RequestID),
		zap.Float64("score", fb.Score),
		zap.Int("patterns", len(updated)))
	return updated, nil
}

// GetPattern returns a pattern by ID, or (nil, nil) when absent.
func (s *Service) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	return s.store.GetPattern(ctx, id)
}

// SearchPatterns embeds the query in the canonical pattern template,
// guards the embedding and runs a domain-scoped similarity search. Zero
// limit and similarity floor take the configured defaults. Ties on
// similarity are broken by reward score, then by recency.
func (s *Service) SearchPatterns(ctx context.Context, query, domain string, limit int, minSimilarity float32) ([]ScoredPattern, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	if limit <= 0 {
		limit = s.config.SearchLimit
	}
	if minSimilarity <= 0 {
		minSimilarity = s.config.MinSimilarity
	}

	vec, err := s.guard.ComputeValidated(ctx, s.provider, QueryText(query), "query")
	if err != nil {
		var qerr *embeddings.QualityError
		if errors.As(err, &qerr) {
			s.metrics.RecordGuardReject(ctx)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := s.store.SearchPatterns(ctx, vec, domain, limit, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("searching patterns: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].Pattern.RewardScore != results[j].Pattern.RewardScore {
			return results[i].Pattern.RewardScore > results[j].Pattern.RewardScore
		}
		return results[i].Pattern.LastUsedAt.After(results[j].Pattern.LastUsedAt)
	})

	s.metrics.RecordSearch(ctx, domain, len(results))
	return results, nil
}

// EmbedQuery embeds free text with the query path and guards the result.
// Callers that need raw vectors (attention ranking) go through here so
// every vector in the system takes the same template and quality gate.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyQuery
	}
	return s.guard.ComputeValidated(ctx, s.provider, QueryText(text), "query")
}

// Stats returns current bank counts. When the store is unreachable the
// last successful counts are returned with Stale set, so dashboards keep
// rendering through storage incidents.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err == nil {
		s.statsMu.Lock()
		s.lastStats = stats
		s.haveStats = true
		s.statsMu.Unlock()
		return stats, nil
	}

	s.statsMu.RLock()
	cached, have := s.lastStats, s.haveStats
	s.statsMu.RUnlock()
	if !have {
		return Stats{}, fmt.Errorf("computing stats: %w", err)
	}

	s.logger.Warn("serving stale stats", zap.Error(err))
	cached.Stale = true
	return cached, nil
}

// Close releases the embedding provider and the store.
func (s *Service) Close() error {
	var errs []error
	if err := s.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedding provider: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
