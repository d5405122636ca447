package spike

import (
	"context"
	"fmt"
	"math"

	"github.com/quantmesh/patternbank/internal/bank"
)

// Attention blend weights: semantic similarity dominates, recent
// reinforcement (current potential) nudges.
const (
	attentionSimilarityWeight = 0.7
	attentionPotentialWeight  = 0.3
)

// Searcher is the retrieval dependency of the attention ranker.
// bank.Store satisfies it.
type Searcher interface {
	SearchPatterns(ctx context.Context, queryVec []float32, domain string, limit int, minSimilarity float32) ([]bank.ScoredPattern, error)
}

// AttentionWeight is one softmax-normalized candidate.
type AttentionWeight struct {
	PatternID  string  `json:"pattern_id"`
	Similarity float32 `json:"similarity"`
	Potential  float64 `json:"potential"`
	Raw        float64 `json:"raw_score"`
	Weight     float64 `json:"weight"`
}

// ComputeSpikeAttention ranks the top-k candidates of a domain for a
// query embedding. The raw score blends similarity with current (decayed)
// spike potential; the returned weights are softmax-normalized over the
// candidate set, so they sum to 1 whenever any candidate exists.
func (n *Network) ComputeSpikeAttention(ctx context.Context, searcher Searcher, queryVec []float32, domain string, k int) ([]AttentionWeight, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	if k <= 0 {
		k = bank.DefaultSearchLimit
	}

	candidates, err := searcher.SearchPatterns(ctx, queryVec, domain, k, 0)
	if err != nil {
		return nil, fmt.Errorf("searching candidates: %w", err)
	}
	if len(candidates) == 0 {
		return []AttentionWeight{}, nil
	}

	now := n.now()
	weights := make([]AttentionWeight, 0, len(candidates))
	for _, c := range candidates {
		st, err := n.decayedState(ctx, c.Pattern.ID, now)
		if err != nil {
			return nil, err
		}
		raw := attentionSimilarityWeight*float64(c.Similarity) + attentionPotentialWeight*st.Potential
		weights = append(weights, AttentionWeight{
			PatternID:  c.Pattern.ID,
			Similarity: c.Similarity,
			Potential:  st.Potential,
			Raw:        raw,
		})
	}

	// Softmax with max subtraction for numeric stability.
	maxRaw := weights[0].Raw
	for _, w := range weights[1:] {
		if w.Raw > maxRaw {
			maxRaw = w.Raw
		}
	}
	var denom float64
	for i := range weights {
		weights[i].Weight = math.Exp(weights[i].Raw - maxRaw)
		denom += weights[i].Weight
	}
	for i := range weights {
		weights[i].Weight /= denom
	}
	return weights, nil
}
