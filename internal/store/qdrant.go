package store

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig configures the Qdrant-backed vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (6334, not the 6333 REST port).
	Port int `koanf:"port"`

	// UseTLS enables TLS on the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// APIKey is the optional API key for authentication.
	APIKey string `koanf:"api_key"`

	// Collection is the collection name holding pattern embeddings.
	Collection string `koanf:"collection"`

	// VectorSize is the embedding dimension; required so the collection
	// can be created on first run.
	VectorSize int `koanf:"vector_size"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int `koanf:"max_message_size"`

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// ApplyDefaults fills zero-valued fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "patterns"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: qdrant vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex is the Qdrant-backed VectorIndex, for deployments where the
// index must be shared or survive independently of the service. Point IDs
// are the pattern UUIDs; the domain rides along as a keyword payload field
// so searches can filter server-side.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	timeout    time.Duration
	logger     *zap.Logger
}

var _ VectorIndex = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	x := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		timeout:    cfg.RequestTimeout,
		logger:     logger.Named("qdrant"),
	}
	if err := x.ensureCollection(ctx, uint64(cfg.VectorSize)); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant index ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection))
	return x, nil
}

func (x *QdrantIndex) ensureCollection(ctx context.Context, vectorSize uint64) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("checking collection %q: %w", x.collection, err)
	}
	if exists {
		return nil
	}

	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", x.collection, err)
	}
	return nil
}

// Upsert writes a pattern embedding keyed by the pattern ID.
func (x *QdrantIndex) Upsert(ctx context.Context, id, domain string, vec []float32) error {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: map[string]*qdrant.Value{
				"domain": {Kind: &qdrant.Value_StringValue{StringValue: domain}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upserting point %s: %w", id, err)
	}
	return nil
}

// Search runs a domain-filtered nearest-neighbor query. The similarity
// floor is applied server-side via the score threshold.
func (x *QdrantIndex) Search(ctx context.Context, vec []float32, domain string, limit int, minSimilarity float32) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	results, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(minSimilarity),
		WithPayload:    qdrant.NewWithPayload(false),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "domain",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: domain},
						},
					},
				},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection %q: %w", x.collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id := r.Id.GetUuid()
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: r.Score})
	}
	return hits, nil
}

// Count returns the number of indexed points.
func (x *QdrantIndex) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	n, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: x.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting collection %q: %w", x.collection, err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}
