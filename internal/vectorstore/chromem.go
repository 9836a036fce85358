package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("ecotone.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps everything
	// in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection this store reads and writes.
	Collection string

	// VectorSize is the expected embedding dimension. Default: 384.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ChromemStore implements Store on top of chromem-go. Several stores may
// share one database through Collection.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the database and collection.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	store, err := newChromemCollection(db, cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("chromem store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("vector_size", cfg.VectorSize),
	)
	return store, nil
}

func newChromemCollection(db *chromem.DB, cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	// Vectors are always supplied by the caller; a nil embedding func would
	// make chromem fall back to its OpenAI default.
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}
	return &ChromemStore{db: db, collection: collection, config: cfg, logger: logger}, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

// Collection returns a store over another collection of the same database.
func (s *ChromemStore) Collection(name string) (*ChromemStore, error) {
	if name == s.config.Collection {
		return s, nil
	}
	cfg := s.config
	cfg.Collection = name
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newChromemCollection(s.db, cfg, s.logger)
}

// Search queries the collection by vector. A zero vector has no direction,
// so it is replaced by a uniform query vector and the call effectively lists
// documents.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("k", topK),
	)

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}

	// chromem requires nResults <= doc count
	count := s.collection.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	if topK > count {
		topK = count
	}

	if IsZero(vector, 0) {
		vector = uniformQuery(len(vector))
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Text:     r.Content,
			Score:    r.Similarity,
			Metadata: decodeMetadata(r.Metadata),
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("searched chromem collection", zap.Int("k", topK), zap.Int("results", len(hits)))
	return hits, nil
}

// Upsert replaces any document with the same id.
func (s *ChromemStore) Upsert(ctx context.Context, doc Document) (string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	// chromem normalizes stored vectors; a zero vector would become NaN.
	if IsZero(doc.Vector, 0) {
		return "", ErrEmptyVector
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("collection", s.config.Collection), attribute.String("id", doc.ID))

	// AddDocument overwrites an existing id.
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Text,
		Metadata:  encodeMetadata(doc.Metadata),
		Embedding: append([]float32(nil), doc.Vector...),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("adding document %s: %w", doc.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return doc.ID, nil
}

// Get returns the stored document. Stored vectors are unit-normalized.
func (s *ChromemStore) Get(ctx context.Context, id string) (*Document, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Get")
	defer span.End()

	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &Document{
		ID:       doc.ID,
		Text:     doc.Content,
		Vector:   doc.Embedding,
		Metadata: decodeMetadata(doc.Metadata),
	}, nil
}

// Neighbors returns the nearest other documents to id.
func (s *ChromemStore) Neighbors(ctx context.Context, id string) ([]Neighbor, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hits, err := s.Search(ctx, doc.Vector, neighborLimit+1)
	if err != nil {
		return nil, err
	}
	return neighborsFromHits(id, hits), nil
}

// Len returns the number of documents in the collection.
func (s *ChromemStore) Len() int {
	return s.collection.Count()
}

// Close is a no-op; persistent databases write through on every change.
func (s *ChromemStore) Close() error {
	s.logger.Debug("chromem store closed")
	return nil
}

func uniformQuery(dim int) []float32 {
	v := make([]float32, dim)
	x := float32(1 / math.Sqrt(float64(dim)))
	for i := range v {
		v[i] = x
	}
	return v
}

// encodeMetadata stores each value as JSON so numbers and booleans survive
// chromem's string-only metadata.
func encodeMetadata(md map[string]any) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		b, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprintf("%v", v)
			continue
		}
		out[k] = string(b)
	}
	return out
}

func decodeMetadata(md map[string]string) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, raw := range md {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			out[k] = raw
			continue
		}
		out[k] = v
	}
	return out
}

var _ Store = (*ChromemStore)(nil)
