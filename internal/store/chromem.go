package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means
	// in-memory only (tests).
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// Collection is the collection name. Default: "patterns".
	Collection string `koanf:"collection"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "patterns"
	}
}

// ChromemIndex is a VectorIndex backed by chromem-go, an embeddable pure
// Go vector database with gob persistence. No external service needed.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewChromemIndex creates a chromem-backed index. With a Path set the
// index persists across restarts; without one it lives in memory.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, perr := expandHome(cfg.Path)
		if perr != nil {
			return nil, fmt.Errorf("expanding path: %w", perr)
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	// Embeddings are always precomputed; the embedding func must never
	// be reached.
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index ready",
		zap.String("collection", cfg.Collection),
		zap.Bool("persistent", cfg.Path != ""),
	)
	return &ChromemIndex{db: db, collection: collection, logger: logger}, nil
}

func rejectEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("chromem index received text to embed; embeddings must be precomputed")
}

// Upsert stores or replaces the embedding for a pattern ID.
func (x *ChromemIndex) Upsert(ctx context.Context, id, domain string, vec []float32) error {
	if id == "" || domain == "" {
		return fmt.Errorf("%w: id and domain are required", ErrInvalidConfig)
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.collection.AddDocument(ctx, chromem.Document{
		ID:        id,
		Metadata:  map[string]string{"domain": domain},
		Embedding: vec,
	})
	if err != nil {
		return fmt.Errorf("upserting embedding %s: %w", id, err)
	}
	return nil
}

// Search returns up to limit hits in domain above the similarity floor.
func (x *ChromemIndex) Search(ctx context.Context, vec []float32, domain string, limit int, minSimilarity float32) ([]Hit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	// chromem requires nResults <= document count, and the domain filter
	// can shrink the candidate set below any requested k. Query across
	// the whole collection and truncate afterwards; collections here are
	// small enough that exact scoring is the cheap part.
	count := x.collection.Count()
	if count == 0 {
		return []Hit{}, nil
	}

	results, err := x.collection.QueryEmbedding(ctx, vec, count, map[string]string{"domain": domain}, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]Hit, 0, limit)
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Similarity: r.Similarity})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// Count returns the number of stored embeddings.
func (x *ChromemIndex) Count(_ context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.collection.Count(), nil
}

// Close is a no-op; chromem persists synchronously.
func (x *ChromemIndex) Close() error {
	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
