package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var restTracer = otel.Tracer("ecotone.vectorstore.rest")

// RESTConfig configures a client for the substrate REST API (see
// internal/http).
type RESTConfig struct {
	BaseURL    string
	Collection string
	Timeout    time.Duration
}

// RESTStore talks to a graph-embedding substrate over HTTP:
//
//	POST /search               {embedding, top_k, collection} -> {results: [...]}
//	POST /documents            {id, text, embedding, collection, metadata} -> {id}
//	GET  /documents/{id}?collection=c       -> {id, text, embedding, metadata}
//	GET  /graph/neighbors/{id}?collection=c -> {neighbors: [{text, label}]}
type RESTStore struct {
	config RESTConfig
	client *http.Client
	logger *zap.Logger
}

// NewRESTStore creates a client. No request is made until first use.
func NewRESTStore(cfg RESTConfig, logger *zap.Logger) (*RESTStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: base URL: %v", ErrInvalidConfig, err)
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTStore{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// SearchRequest is the body of POST /search.
type SearchRequest struct {
	Embedding  []float32 `json:"embedding"`
	TopK       int       `json:"top_k"`
	Collection string    `json:"collection"`
}

// SearchResponse is the body returned by POST /search.
type SearchResponse struct {
	Results []Hit `json:"results"`
}

// UpsertRequest is the body of POST /documents.
type UpsertRequest struct {
	ID         string         `json:"id,omitempty"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"embedding"`
	Collection string         `json:"collection"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UpsertResponse is the body returned by POST /documents.
type UpsertResponse struct {
	ID string `json:"id"`
}

// NeighborsResponse is the body returned by GET /graph/neighbors/{id}.
type NeighborsResponse struct {
	Neighbors []Neighbor `json:"neighbors"`
}

// Search posts the query vector.
func (s *RESTStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	ctx, span := restTracer.Start(ctx, "RESTStore.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection), attribute.Int("k", topK))

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	var resp SearchResponse
	err := s.do(ctx, http.MethodPost, "/search", SearchRequest{
		Embedding:  vector,
		TopK:       topK,
		Collection: s.config.Collection,
	}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(resp.Results)))
	span.SetStatus(codes.Ok, "success")
	return resp.Results, nil
}

// Upsert posts the document.
func (s *RESTStore) Upsert(ctx context.Context, doc Document) (string, error) {
	ctx, span := restTracer.Start(ctx, "RESTStore.Upsert")
	defer span.End()

	if len(doc.Vector) == 0 {
		return "", ErrEmptyVector
	}

	var resp UpsertResponse
	err := s.do(ctx, http.MethodPost, "/documents", UpsertRequest{
		ID:         doc.ID,
		Text:       doc.Text,
		Embedding:  doc.Vector,
		Collection: s.config.Collection,
		Metadata:   doc.Metadata,
	}, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if resp.ID == "" {
		resp.ID = doc.ID
	}
	return resp.ID, nil
}

// Get fetches a document with its embedding.
func (s *RESTStore) Get(ctx context.Context, id string) (*Document, error) {
	ctx, span := restTracer.Start(ctx, "RESTStore.Get")
	defer span.End()

	var doc Document
	if err := s.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id)+s.collectionQuery(), nil, &doc); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &doc, nil
}

// Neighbors fetches graph neighbors. A 404 or 405 from the server means the
// endpoint is absent.
func (s *RESTStore) Neighbors(ctx context.Context, id string) ([]Neighbor, error) {
	ctx, span := restTracer.Start(ctx, "RESTStore.Neighbors")
	defer span.End()

	var resp NeighborsResponse
	err := s.do(ctx, http.MethodGet, "/graph/neighbors/"+url.PathEscape(id)+s.collectionQuery(), nil, &resp)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp.Neighbors, nil
}

// Close releases idle connections.
func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RESTStore) collectionQuery() string {
	return "?collection=" + url.QueryEscape(s.config.Collection)
}

func (s *RESTStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/graph/"):
		return ErrNeighborsUnsupported
	case resp.StatusCode == http.StatusMethodNotAllowed && strings.HasPrefix(path, "/graph/"):
		return ErrNeighborsUnsupported
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

var _ Store = (*RESTStore)(nil)
