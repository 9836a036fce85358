package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("ecotone.vectorstore.qdrant")

// Payload keys reserved by QdrantStore.
const (
	payloadText  = "text"
	payloadDocID = "doc_id"
)

// pointNamespace derives deterministic point UUIDs from document ids.
var pointNamespace = uuid.MustParse("6f0c1c4e-5b1d-4c52-9a47-e0c07e3a9d11")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port). Default: 6334.
	Port int

	APIKey string
	UseTLS bool

	// CollectionName is the collection this store reads and writes. It is
	// created on first use.
	CollectionName string

	// VectorSize is the dimensionality of embeddings.
	VectorSize uint64

	// Distance is the similarity metric. Default: Cosine.
	Distance qdrant.Distance

	// MaxRetries is the maximum number of retry attempts for transient
	// failures. Default: 3.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry. Default: 1s.
	RetryBackoff time.Duration

	// RequestTimeout bounds each call. Default: 10s.
	RequestTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes. Default: 50MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.Distance == 0 {
		c.Distance = qdrant.Distance_Cosine
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.CollectionName)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store using Qdrant's native gRPC client.
//
// Qdrant point ids must be UUIDs or integers, so each document id is mapped
// to a name-based UUID and kept verbatim in the doc_id payload field.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects, health-checks and ensures the collection exists.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}
	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func(ctx context.Context) error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.CollectionName)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.CollectionName, err)
	}
	if exists {
		return nil
	}

	err = s.retryOperation(ctx, "create_collection", func(ctx context.Context) error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: s.config.Distance,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.CollectionName, err)
	}
	s.logger.Info("created qdrant collection", zap.Uint64("vector_size", s.config.VectorSize))
	return nil
}

// retryOperation retries transient failures with exponential backoff. Each
// attempt gets its own RequestTimeout.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func(context.Context) error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		err := operation(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		if attempt >= s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		s.logger.Debug("retrying qdrant operation",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// Search runs a vector query. A zero vector scrolls the collection instead,
// returning up to topK points with score 0.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.CollectionName),
		attribute.Int("k", topK),
	)

	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}

	var hits []Hit
	var err error
	if IsZero(vector, 0) {
		hits, err = s.scroll(ctx, topK)
	} else {
		hits, err = s.query(ctx, vector, topK)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", s.config.CollectionName, err)
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func (s *QdrantStore) query(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "search", func(ctx context.Context) error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.CollectionName,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(results))
	for i, p := range results {
		id, text, md := splitPayload(p.GetPayload())
		if id == "" {
			id = extractPointID(p.GetId())
		}
		hits[i] = Hit{ID: id, Text: text, Score: p.GetScore(), Metadata: md}
	}
	return hits, nil
}

func (s *QdrantStore) scroll(ctx context.Context, topK int) ([]Hit, error) {
	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "scroll", func(ctx context.Context) error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.CollectionName,
			Limit:          qdrant.PtrOf(uint32(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(points))
	for i, p := range points {
		id, text, md := splitPayload(p.GetPayload())
		if id == "" {
			id = extractPointID(p.GetId())
		}
		hits[i] = Hit{ID: id, Text: text, Metadata: md}
	}
	return hits, nil
}

// Upsert writes one point.
func (s *QdrantStore) Upsert(ctx context.Context, doc Document) (string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()

	if len(doc.Vector) == 0 {
		return "", ErrEmptyVector
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("collection", s.config.CollectionName), attribute.String("id", doc.ID))

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(doc.ID)),
		Vectors: qdrant.NewVectors(doc.Vector...),
		Payload: buildPayload(doc),
	}

	err := s.retryOperation(ctx, "upsert", func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.CollectionName,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("upserting point %s: %w", doc.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return doc.ID, nil
}

// Get retrieves one point with its vector.
func (s *QdrantStore) Get(ctx context.Context, id string) (*Document, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Get")
	defer span.End()

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "get", func(ctx context.Context) error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.CollectionName,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(id))},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("getting point %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	p := points[0]
	docID, text, md := splitPayload(p.GetPayload())
	if docID == "" {
		docID = id
	}
	return &Document{
		ID:       docID,
		Text:     text,
		Vector:   extractVectorOutput(p.GetVectors()),
		Metadata: md,
	}, nil
}

// Neighbors returns the nearest other points to id.
func (s *QdrantStore) Neighbors(ctx context.Context, id string) ([]Neighbor, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsZero(doc.Vector, 0) {
		return nil, ErrNeighborsUnsupported
	}
	hits, err := s.query(ctx, doc.Vector, neighborLimit+1)
	if err != nil {
		return nil, err
	}
	return neighborsFromHits(id, hits), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// PointID maps a document id to its Qdrant point UUID. UUID ids pass through.
func PointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func buildPayload(doc Document) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		if val := toValue(v); val != nil {
			payload[k] = val
		}
	}
	payload[payloadText] = qdrant.NewValueString(doc.Text)
	payload[payloadDocID] = qdrant.NewValueString(doc.ID)
	return payload
}

func toValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case nil:
		return qdrant.NewValueNull()
	case string:
		return qdrant.NewValueString(val)
	case bool:
		return qdrant.NewValueBool(val)
	case int:
		return qdrant.NewValueInt(int64(val))
	case int64:
		return qdrant.NewValueInt(val)
	case float32:
		return qdrant.NewValueDouble(float64(val))
	case float64:
		return qdrant.NewValueDouble(val)
	case []string:
		items := make([]*qdrant.Value, len(val))
		for i, s := range val {
			items[i] = qdrant.NewValueString(s)
		}
		return qdrant.NewValueFromList(items...)
	default:
		return qdrant.NewValueString(fmt.Sprintf("%v", val))
	}
}

func splitPayload(payload map[string]*qdrant.Value) (id, text string, md map[string]any) {
	md = make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case payloadText:
			text = v.GetStringValue()
		case payloadDocID:
			id = v.GetStringValue()
		default:
			md[k] = fromValue(v)
		}
	}
	return id, text, md
}

func fromValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_ListValue:
		items := val.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = fromValue(item)
		}
		return out
	default:
		return nil
	}
}

func extractPointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func extractVectorOutput(vectors *qdrant.VectorsOutput) []float32 {
	if vectors == nil {
		return nil
	}
	if vec := vectors.GetVector(); vec != nil {
		if dense := vec.GetDense(); dense != nil {
			return dense.GetData()
		}
	}
	return nil
}

var _ Store = (*QdrantStore)(nil)
