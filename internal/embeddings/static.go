package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

// StaticProvider derives deterministic unit-norm vectors from token hashes.
// It needs no model download, which makes it the provider of choice for
// tests and model-less deployments. Vectors for texts sharing tokens are
// correlated, so similarity ordering is meaningful, if crude.
type StaticProvider struct {
	dimension int
}

// NewStaticProvider creates a static provider with the given dimension.
// Dimension defaults to 384 to match the FastEmbed default model.
func NewStaticProvider(dimension int) (*StaticProvider, error) {
	if dimension == 0 {
		dimension = 384
	}
	if dimension < 2 {
		return nil, fmt.Errorf("%w: dimension must be at least 2, got %d", ErrInvalidConfig, dimension)
	}
	return &StaticProvider{dimension: dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *StaticProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = p.embed(text)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *StaticProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return p.embed(text), nil
}

// Dimension returns the embedding dimension.
func (p *StaticProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op for the static provider.
func (p *StaticProvider) Close() error {
	return nil
}

// embed sums a seeded pseudo-random basis vector per token, then
// L2-normalizes. Same text always yields the same vector.
func (p *StaticProvider) embed(text string) []float32 {
	vec := make([]float64, p.dimension)
	tokens := tokenize(text)
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for i := range vec {
			vec[i] += rng.NormFloat64()
		}
	}
	if len(tokens) == 0 {
		// Degenerate input still yields a valid unit vector.
		rng := rand.New(rand.NewSource(1))
		for i := range vec {
			vec[i] = rng.NormFloat64()
		}
	}

	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, p.dimension)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', ';', ':', '.', '/', '-':
			return true
		}
		return false
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
