package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// neighborLimit is the number of structural neighbors returned per document
// by backends that derive neighbors from vector proximity.
const neighborLimit = 3

// MemoryStore keeps documents in process memory. Searches are exact cosine
// scans. A zero query vector lists documents in insertion order with score 0.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	order []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Search returns up to topK documents by descending cosine similarity.
func (m *MemoryStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	zero := IsZero(vector, 0)
	hits := make([]Hit, 0, len(m.order))
	for _, id := range m.order {
		doc := m.docs[id]
		var score float32
		if !zero {
			score = float32(Cosine(vector, doc.Vector))
		}
		hits = append(hits, Hit{ID: id, Text: doc.Text, Score: score, Metadata: copyMetadata(doc.Metadata)})
	}
	if !zero {
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Upsert stores a copy of doc.
func (m *MemoryStore) Upsert(ctx context.Context, doc Document) (string, error) {
	if len(doc.Vector) == 0 {
		return "", ErrEmptyVector
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.Vector = append([]float32(nil), doc.Vector...)
	doc.Metadata = copyMetadata(doc.Metadata)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; !exists {
		m.order = append(m.order, doc.ID)
	}
	m.docs[doc.ID] = doc
	return doc.ID, nil
}

// Get returns a copy of the stored document.
func (m *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	doc.Vector = append([]float32(nil), doc.Vector...)
	doc.Metadata = copyMetadata(doc.Metadata)
	return &doc, nil
}

// Neighbors returns the nearest other documents to id.
func (m *MemoryStore) Neighbors(ctx context.Context, id string) ([]Neighbor, error) {
	doc, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hits, err := m.Search(ctx, doc.Vector, neighborLimit+1)
	if err != nil {
		return nil, err
	}
	return neighborsFromHits(id, hits), nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func neighborsFromHits(self string, hits []Hit) []Neighbor {
	out := make([]Neighbor, 0, neighborLimit)
	for _, h := range hits {
		if h.ID == self {
			continue
		}
		out = append(out, Neighbor{Text: h.Text, Label: fmt.Sprintf("similar:%.2f", h.Score)})
		if len(out) == neighborLimit {
			break
		}
	}
	return out
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
