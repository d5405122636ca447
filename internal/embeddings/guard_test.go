package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVector(dim int) []float32 {
	// Alternating components, normalized. Non-constant by construction.
	vec := make([]float32, dim)
	for i := range vec {
		if i%2 == 0 {
			vec[i] = 1
		} else {
			vec[i] = -1
		}
	}
	norm := float32(math.Sqrt(float64(dim)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func TestGuardValidate(t *testing.T) {
	g := NewGuard()

	t.Run("accepts unit-normalized non-constant vector", func(t *testing.T) {
		assert.NoError(t, g.Validate(unitVector(384), "test"))
	})

	t.Run("rejects empty vector", func(t *testing.T) {
		err := g.Validate(nil, "test")
		require.Error(t, err)
		var qe *QualityError
		require.ErrorAs(t, err, &qe)
		assert.Contains(t, qe.Reason, "empty")
	})

	t.Run("rejects constant vector", func(t *testing.T) {
		vec := make([]float32, 384)
		for i := range vec {
			vec[i] = 0.1
		}
		err := g.Validate(vec, "fill-0.1")
		require.Error(t, err)
		var qe *QualityError
		require.ErrorAs(t, err, &qe)
		assert.Less(t, qe.Variance, 0.001)
		assert.Contains(t, qe.Reason, "variance")
	})

	t.Run("rejects norm below band", func(t *testing.T) {
		vec := unitVector(384)
		for i := range vec {
			vec[i] *= 0.5
		}
		err := g.Validate(vec, "test")
		require.Error(t, err)
		var qe *QualityError
		require.ErrorAs(t, err, &qe)
		assert.InDelta(t, 0.5, qe.L2Norm, 0.01)
	})

	t.Run("rejects norm above band", func(t *testing.T) {
		vec := unitVector(384)
		for i := range vec {
			vec[i] *= 3
		}
		require.Error(t, g.Validate(vec, "test"))
	})
}

// failingProvider returns a constant vector to exercise the guard path.
type failingProvider struct{ StaticProvider }

func (p *failingProvider) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	vec := make([]float32, 384)
	for i := range vec {
		vec[i] = 0.1
	}
	return vec, nil
}

func TestComputeValidated(t *testing.T) {
	g := NewGuard()
	ctx := context.Background()

	t.Run("passes good vectors through", func(t *testing.T) {
		p, err := NewStaticProvider(384)
		require.NoError(t, err)
		vec, err := g.ComputeValidated(ctx, p, "task: valuation; tools: dcf_model", "pattern")
		require.NoError(t, err)
		assert.Len(t, vec, 384)
	})

	t.Run("blocks bad vectors before any caller sees them", func(t *testing.T) {
		_, err := g.ComputeValidated(ctx, &failingProvider{}, "anything", "pattern")
		var qe *QualityError
		require.True(t, errors.As(err, &qe))
	})
}

func TestStaticProviderDeterminism(t *testing.T) {
	p, err := NewStaticProvider(384)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	a, err := p.EmbedQuery(ctx, "task: valuation; tools: dcf_model, wacc_calculator")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "task: valuation; tools: dcf_model, wacc_calculator")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Related texts should score higher than unrelated ones.
	c, err := p.EmbedQuery(ctx, "task: valuation; tools: dcf_model")
	require.NoError(t, err)
	d, err := p.EmbedQuery(ctx, "task: tax; tools: depreciation_schedule")
	require.NoError(t, err)

	assert.Greater(t, cosine(a, c), cosine(a, d))

	// Guard accepts everything the provider emits.
	g := NewGuard()
	for _, vec := range [][]float32{a, c, d} {
		assert.NoError(t, g.Validate(vec, "static"))
	}
}

func TestStaticProviderEmbedDocuments(t *testing.T) {
	p, err := NewStaticProvider(64)
	require.NoError(t, err)

	vecs, err := p.EmbedDocuments(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 64)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
