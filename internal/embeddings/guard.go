package embeddings

import (
	"context"
	"fmt"
	"math"
)

// Guard thresholds. Unit-normalized 384-dim embeddings have component
// variance around 1/384 ≈ 2.6e-3, comfortably above MinVariance; a
// near-constant vector indicates a broken embedding call.
const (
	// DefaultMinVariance is the minimum component variance accepted.
	DefaultMinVariance = 1e-3

	// DefaultMinNorm and DefaultMaxNorm bound the accepted L2 norm.
	// Embeddings are expected near-unit-normalized.
	DefaultMinNorm = 0.8
	DefaultMaxNorm = 1.2
)

// QualityError reports a rejected embedding with the measured statistics.
type QualityError struct {
	// Reason describes the failed check.
	Reason string

	// Context identifies what was being embedded, when known.
	Context string

	// Variance is the measured component variance.
	Variance float64

	// L2Norm is the measured L2 norm.
	L2Norm float64
}

func (e *QualityError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("embedding quality: %s (context=%s variance=%.6f l2_norm=%.4f)",
			e.Reason, e.Context, e.Variance, e.L2Norm)
	}
	return fmt.Sprintf("embedding quality: %s (variance=%.6f l2_norm=%.4f)", e.Reason, e.Variance, e.L2Norm)
}

// Guard validates computed embeddings before they are used or persisted.
// The zero value is not usable; use NewGuard.
type Guard struct {
	minVariance float64
	minNorm     float64
	maxNorm     float64
}

// NewGuard creates a guard with the default thresholds.
func NewGuard() *Guard {
	return &Guard{
		minVariance: DefaultMinVariance,
		minNorm:     DefaultMinNorm,
		maxNorm:     DefaultMaxNorm,
	}
}

// NewGuardWithBounds creates a guard with explicit thresholds.
func NewGuardWithBounds(minVariance, minNorm, maxNorm float64) *Guard {
	return &Guard{
		minVariance: minVariance,
		minNorm:     minNorm,
		maxNorm:     maxNorm,
	}
}

// Validate checks an embedding for emptiness, near-constant components and
// an out-of-band L2 norm. The context string is informational only.
func (g *Guard) Validate(vec []float32, embedContext string) error {
	if len(vec) == 0 {
		return &QualityError{Reason: "empty vector", Context: embedContext}
	}

	variance, norm := vectorStats(vec)

	if variance < g.minVariance {
		return &QualityError{
			Reason:   fmt.Sprintf("variance %.6f below minimum %.6f (near-constant vector)", variance, g.minVariance),
			Context:  embedContext,
			Variance: variance,
			L2Norm:   norm,
		}
	}
	if norm < g.minNorm || norm > g.maxNorm {
		return &QualityError{
			Reason:   fmt.Sprintf("l2 norm %.4f outside [%.2f, %.2f]", norm, g.minNorm, g.maxNorm),
			Context:  embedContext,
			Variance: variance,
			L2Norm:   norm,
		}
	}
	return nil
}

// ComputeValidated embeds text with the provider's query path and guards
// the result before it is allowed anywhere near I/O.
func (g *Guard) ComputeValidated(ctx context.Context, p Provider, text, embedContext string) ([]float32, error) {
	vec, err := p.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if err := g.Validate(vec, embedContext); err != nil {
		return nil, err
	}
	return vec, nil
}

// vectorStats returns component variance and L2 norm in one pass.
func vectorStats(vec []float32) (variance, norm float64) {
	n := float64(len(vec))
	var sum, sumSq float64
	for _, v := range vec {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	mean := sum / n
	variance = sumSq/n - mean*mean
	if variance < 0 {
		variance = 0 // float cancellation
	}
	norm = math.Sqrt(sumSq)
	return variance, norm
}
