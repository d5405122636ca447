package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/spike"
)

// RetryConfig tunes the transient-failure retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `koanf:"max_attempts"`

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration `koanf:"initial_interval"`

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration `koanf:"max_interval"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `koanf:"multiplier"`
}

// ApplyDefaults fills zero-valued fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
}

// Retrier runs operations with exponential backoff on transient failures.
// Permanent failures return immediately; exhausted retries surface as
// ErrUnavailable with the last cause attached.
type Retrier struct {
	config  RetryConfig
	logger  *zap.Logger
	metrics *Metrics
}

// NewRetrier creates a retrier. A nil logger is replaced with a no-op.
func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Retrier{
		config:  cfg,
		logger:  logger.Named("retry"),
		metrics: NewMetrics(logger),
	}
}

// Do runs fn, retrying transient errors with exponential backoff. Each
// call gets a fresh backoff schedule.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.InitialInterval
	bo.MaxInterval = r.config.MaxInterval
	bo.Multiplier = r.config.Multiplier
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation recovered",
					zap.String("op", op),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == r.config.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		r.metrics.RecordRetry(ctx, op)
		r.logger.Debug("retrying after transient error",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	r.metrics.RecordExhausted(ctx, op)
	r.logger.Warn("retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", r.config.MaxAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("%s after %d attempts: %w", op, r.config.MaxAttempts, errors.Join(ErrUnavailable, lastErr))
}

// ResilientStore wraps a bank.Store with the retry policy. Every wrapped
// call is a complete storage operation, so a retried attempt starts from
// the committed state of the previous one.
type ResilientStore struct {
	inner   bank.Store
	retrier *Retrier
}

var _ bank.Store = (*ResilientStore)(nil)

// NewResilientStore wraps inner with retries.
func NewResilientStore(inner bank.Store, retrier *Retrier) *ResilientStore {
	return &ResilientStore{inner: inner, retrier: retrier}
}

func (s *ResilientStore) UpsertPattern(ctx context.Context, up bank.Upsert) (*bank.Pattern, bool, error) {
	var (
		pat     *bank.Pattern
		created bool
	)
	err := s.retrier.Do(ctx, "upsert pattern", func(ctx context.Context) error {
		var err error
		pat, created, err = s.inner.UpsertPattern(ctx, up)
		return err
	})
	return pat, created, err
}

func (s *ResilientStore) GetPattern(ctx context.Context, id string) (*bank.Pattern, error) {
	var pat *bank.Pattern
	err := s.retrier.Do(ctx, "get pattern", func(ctx context.Context) error {
		var err error
		pat, err = s.inner.GetPattern(ctx, id)
		return err
	})
	return pat, err
}

func (s *ResilientStore) PatternByFingerprint(ctx context.Context, fingerprint string) (*bank.Pattern, error) {
	var pat *bank.Pattern
	err := s.retrier.Do(ctx, "get pattern by fingerprint", func(ctx context.Context) error {
		var err error
		pat, err = s.inner.PatternByFingerprint(ctx, fingerprint)
		return err
	})
	return pat, err
}

func (s *ResilientStore) BlendFeedback(ctx context.Context, requestID string, score, alpha float64) ([]*bank.Pattern, error) {
	var pats []*bank.Pattern
	err := s.retrier.Do(ctx, "blend feedback", func(ctx context.Context) error {
		var err error
		pats, err = s.inner.BlendFeedback(ctx, requestID, score, alpha)
		return err
	})
	return pats, err
}

func (s *ResilientStore) SearchPatterns(ctx context.Context, queryVec []float32, domain string, limit int, minSimilarity float32) ([]bank.ScoredPattern, error) {
	var results []bank.ScoredPattern
	err := s.retrier.Do(ctx, "search patterns", func(ctx context.Context) error {
		var err error
		results, err = s.inner.SearchPatterns(ctx, queryVec, domain, limit, minSimilarity)
		return err
	})
	return results, err
}

func (s *ResilientStore) AppendTrace(ctx context.Context, trace *bank.Trace) error {
	return s.retrier.Do(ctx, "append trace", func(ctx context.Context) error {
		return s.inner.AppendTrace(ctx, trace)
	})
}

func (s *ResilientStore) AppendFeedback(ctx context.Context, fb *bank.Feedback) error {
	return s.retrier.Do(ctx, "append feedback", func(ctx context.Context) error {
		return s.inner.AppendFeedback(ctx, fb)
	})
}

func (s *ResilientStore) Stats(ctx context.Context) (bank.Stats, error) {
	var stats bank.Stats
	err := s.retrier.Do(ctx, "stats", func(ctx context.Context) error {
		var err error
		stats, err = s.inner.Stats(ctx)
		return err
	})
	return stats, err
}

func (s *ResilientStore) Close() error {
	return s.inner.Close()
}

// ResilientRepository wraps a spike.Repository with the retry policy.
type ResilientRepository struct {
	inner   spike.Repository
	retrier *Retrier
}

var _ spike.Repository = (*ResilientRepository)(nil)

// NewResilientRepository wraps inner with retries.
func NewResilientRepository(inner spike.Repository, retrier *Retrier) *ResilientRepository {
	return &ResilientRepository{inner: inner, retrier: retrier}
}

func (r *ResilientRepository) UpsertLink(ctx context.Context, link spike.Link) error {
	return r.retrier.Do(ctx, "upsert link", func(ctx context.Context) error {
		return r.inner.UpsertLink(ctx, link)
	})
}

func (r *ResilientRepository) Links(ctx context.Context, sourceID string) ([]spike.Link, error) {
	var links []spike.Link
	err := r.retrier.Do(ctx, "list links", func(ctx context.Context) error {
		var err error
		links, err = r.inner.Links(ctx, sourceID)
		return err
	})
	return links, err
}

func (r *ResilientRepository) DomainLinks(ctx context.Context, domain string) ([]spike.Link, error) {
	var links []spike.Link
	err := r.retrier.Do(ctx, "list domain links", func(ctx context.Context) error {
		var err error
		links, err = r.inner.DomainLinks(ctx, domain)
		return err
	})
	return links, err
}

func (r *ResilientRepository) State(ctx context.Context, patternID string) (spike.State, error) {
	var st spike.State
	err := r.retrier.Do(ctx, "get spike state", func(ctx context.Context) error {
		var err error
		st, err = r.inner.State(ctx, patternID)
		return err
	})
	return st, err
}

func (r *ResilientRepository) PutState(ctx context.Context, st spike.State) error {
	return r.retrier.Do(ctx, "put spike state", func(ctx context.Context) error {
		return r.inner.PutState(ctx, st)
	})
}

func (r *ResilientRepository) ResetPotentials(ctx context.Context, domain string) (int, error) {
	var n int
	err := r.retrier.Do(ctx, "reset potentials", func(ctx context.Context) error {
		var err error
		n, err = r.inner.ResetPotentials(ctx, domain)
		return err
	})
	return n, err
}

func (r *ResilientRepository) RecordSpikes(ctx context.Context, domain string, at time.Time, patternIDs []string) error {
	return r.retrier.Do(ctx, "record spikes", func(ctx context.Context) error {
		return r.inner.RecordSpikes(ctx, domain, at, patternIDs)
	})
}

func (r *ResilientRepository) SpikeCounts(ctx context.Context, domain string, since time.Time) (map[string]int, error) {
	var counts map[string]int
	err := r.retrier.Do(ctx, "spike counts", func(ctx context.Context) error {
		var err error
		counts, err = r.inner.SpikeCounts(ctx, domain, since)
		return err
	})
	return counts, err
}

func (r *ResilientRepository) PatternIDs(ctx context.Context, domain string) ([]string, error) {
	var ids []string
	err := r.retrier.Do(ctx, "list pattern ids", func(ctx context.Context) error {
		var err error
		ids, err = r.inner.PatternIDs(ctx, domain)
		return err
	})
	return ids, err
}

func (r *ResilientRepository) PatternDomain(ctx context.Context, patternID string) (string, error) {
	var domain string
	err := r.retrier.Do(ctx, "get pattern domain", func(ctx context.Context) error {
		var err error
		domain, err = r.inner.PatternDomain(ctx, patternID)
		return err
	})
	return domain, err
}

func (r *ResilientRepository) Occurrences(ctx context.Context, domain string) ([]spike.Occurrence, error) {
	var occs []spike.Occurrence
	err := r.retrier.Do(ctx, "list occurrences", func(ctx context.Context) error {
		var err error
		occs, err = r.inner.Occurrences(ctx, domain)
		return err
	})
	return occs, err
}
