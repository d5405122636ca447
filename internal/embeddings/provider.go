package embeddings

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is the interface for embedding providers.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "fastembed" (default) or "static".
	Provider string `koanf:"provider"`

	// Model is the embedding model name (fastembed only).
	Model string `koanf:"model"`

	// CacheDir is the model cache directory (fastembed only).
	CacheDir string `koanf:"cache_dir"`

	// Dimension is the vector dimension (static only). Default 384.
	Dimension int `koanf:"dimension"`

	// RatePerSecond throttles embedding computation. 0 disables limiting.
	// Local ONNX inference saturates cores; callers on the request path
	// should not be able to starve each other.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// RateBurst is the limiter burst size. Default 4 when limiting.
	RateBurst int `koanf:"rate_burst"`
}

// NewProvider creates an embedding provider based on the configuration.
// A non-zero RatePerSecond wraps the provider in a rate limiter.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "fastembed", "":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "static":
		p, err = NewStaticProvider(cfg.Dimension)
	default:
		err = fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 4
		}
		p = &limitedProvider{
			Provider: p,
			limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		}
	}
	return p, nil
}

// limitedProvider throttles embedding computation with a token bucket.
type limitedProvider struct {
	Provider
	limiter *rate.Limiter
}

func (p *limitedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.EmbedDocuments(ctx, texts)
}

func (p *limitedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.EmbedQuery(ctx, text)
}
