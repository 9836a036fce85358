// Package vectorstore provides the nearest-neighbor memory stores consumed by
// the divergence engine and the invariant store.
//
// Every backend works on caller-supplied vectors; embedding happens upstream.
// Each Store is bound to one collection at construction time.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"go.uber.org/zap"
)

// Sentinel errors for vector store operations.
var (
	// ErrNotFound is returned by Get when the id does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrNeighborsUnsupported is returned when the backend has no graph
	// neighbor lookup.
	ErrNeighborsUnsupported = errors.New("graph neighbors not supported")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("failed to connect to store")

	// ErrEmptyVector indicates an upsert without an embedding.
	ErrEmptyVector = errors.New("empty vector")
)

// Hit is one search result.
type Hit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Document is a stored record.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Vector   []float32      `json:"embedding"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Neighbor is one structural neighbor of a document.
type Neighbor struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Store is a single-collection nearest-neighbor backend.
type Store interface {
	// Search returns up to topK hits ordered by descending score.
	Search(ctx context.Context, vector []float32, topK int) ([]Hit, error)

	// Upsert inserts or replaces a document and returns its id. An empty id
	// is assigned by the backend.
	Upsert(ctx context.Context, doc Document) (string, error)

	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Neighbors returns structural neighbors of id. Backends without a
	// neighbor lookup return ErrNeighborsUnsupported.
	Neighbors(ctx context.Context, id string) ([]Neighbor, error)

	// Close releases backend resources.
	Close() error
}

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects uppercase, special characters, path
// traversal and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// New opens the backend selected by cfg.Provider.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", cfg.Provider), zap.String("collection", cfg.Collection))

	var (
		store Store
		err   error
	)
	switch cfg.Provider {
	case "chromem":
		store, err = NewChromemStore(ChromemConfig{
			Path:       config.ExpandPath(cfg.Path),
			Collection: cfg.Collection,
			VectorSize: cfg.VectorSize,
		}, logger)
	case "qdrant":
		store, err = NewQdrantStore(QdrantConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			APIKey:         cfg.APIKey.Value(),
			UseTLS:         cfg.UseTLS,
			CollectionName: cfg.Collection,
			VectorSize:     uint64(cfg.VectorSize),
			RequestTimeout: cfg.Timeout,
		}, logger)
	case "rest":
		store, err = NewRESTStore(RESTConfig{
			BaseURL:    cfg.URL,
			Collection: cfg.Collection,
			Timeout:    cfg.Timeout,
		}, logger)
	case "memory":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("%w: unsupported store provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(store, cfg.Provider), nil
}
