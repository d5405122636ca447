package store

import "context"

// Hit is one nearest-neighbor result from a vector index.
type Hit struct {
	// ID is the pattern ID.
	ID string

	// Similarity is cosine similarity to the query, higher is closer.
	Similarity float32
}

// VectorIndex stores pattern embeddings and answers domain-scoped
// nearest-neighbor queries. Embeddings are always precomputed and guarded
// before they get here; an index never computes embeddings itself.
type VectorIndex interface {
	// Upsert stores or replaces the embedding for a pattern ID.
	Upsert(ctx context.Context, id, domain string, vec []float32) error

	// Search returns up to limit hits in domain with similarity >=
	// minSimilarity, ordered by similarity descending.
	Search(ctx context.Context, vec []float32, domain string, limit int, minSimilarity float32) ([]Hit, error)

	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int, error)

	// Close releases index resources.
	Close() error
}
