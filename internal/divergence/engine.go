// Package divergence measures how far two memory stores disagree about what
// is relevant to the current context.
//
// Both stores are searched with the same query embedding. Each store's hit
// texts are re-embedded and averaged into a centroid; the cosine of the two
// centroids is the semantic alignment and its complement is the topic
// novelty. Measurements are cached per monologue and reused while the query
// embedding stays close to the cached one.
//
// The engine is observational: it never returns an error to its caller.
package divergence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/patterns"
	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ecotone.divergence")

var errNoStore = errors.New("store not configured")

const (
	queryEmbedChars  = 1000
	hitEmbedChars    = 500
	excerptChars     = 200
	neighborChars    = 150
	maxNeighborIDs   = 3
	maxNeighborsEach = 3
	embedTimeout     = 30 * time.Second
)

// Embedder produces query and document embeddings.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the part of vectorstore.Store the engine uses.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]vectorstore.Hit, error)
	Neighbors(ctx context.Context, id string) ([]vectorstore.Neighbor, error)
}

// AnchorScanner finds pattern anchors in text.
type AnchorScanner interface {
	Scan(text string) []patterns.Anchor
}

// Input is the conversational context for one measurement.
type Input struct {
	UserMessage string
	History     string
}

// Engine measures divergence between store A and store B.
type Engine struct {
	embedder Embedder
	storeA   Searcher
	storeB   Searcher
	scanner  AnchorScanner
	cfg      config.DivergenceConfig
	logger   *zap.Logger
	metrics  *Metrics
}

// NewEngine creates an engine. scanner may be nil. Zero config values fall
// back to the compiled defaults.
func NewEngine(embedder Embedder, storeA, storeB Searcher, scanner AnchorScanner, cfg config.DivergenceConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.Default().Divergence
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.CacheDistance <= 0 {
		cfg.CacheDistance = def.CacheDistance
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.HistoryTail <= 0 {
		cfg.HistoryTail = def.HistoryTail
	}
	if cfg.MinQueryLength <= 0 {
		cfg.MinQueryLength = def.MinQueryLength
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = def.SearchTimeout
	}
	if cfg.NeighborsTimeout <= 0 {
		cfg.NeighborsTimeout = def.NeighborsTimeout
	}
	return &Engine{
		embedder: embedder,
		storeA:   storeA,
		storeB:   storeB,
		scanner:  scanner,
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(logger),
	}
}

// Threshold returns the high-tension threshold.
func (e *Engine) Threshold() float64 {
	return e.cfg.Threshold
}

// Measure computes (or reuses) the tension snapshot for in. It returns false
// when there was nothing to measure: too little context, no hits in either
// store, or a failure that left only store A usable. memo may be nil.
func (e *Engine) Measure(ctx context.Context, in Input, memo Memo) (snap *Snapshot, ok bool) {
	ctx, span := tracer.Start(ctx, "divergence.Measure")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("anchor tension measurement panicked, operating on store A only",
				zap.Any("panic", r))
			span.SetStatus(codes.Error, fmt.Sprint(r))
			e.metrics.recordResult(ctx, resultDegraded)
			snap, ok = nil, false
		}
	}()

	tail := sanitize.Tail(in.History, e.cfg.HistoryTail)
	query := strings.TrimSpace(in.UserMessage + "\n" + tail)
	if len([]rune(query)) < e.cfg.MinQueryLength {
		e.metrics.recordResult(ctx, resultSkipped)
		return nil, false
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	queryVec, err := e.embedder.EmbedQuery(embedCtx, sanitize.Truncate(query, queryEmbedChars))
	cancel()
	if err != nil || len(queryVec) == 0 {
		e.logger.Warn("anchor tension: query embedding failed, operating on store A only", zap.Error(err))
		span.RecordError(err)
		e.metrics.recordResult(ctx, resultDegraded)
		return nil, false
	}

	if cached := cachedEntry(memo); cached != nil && !cached.Degraded && cached.Snapshot != nil {
		dist := 1 - vectorstore.Cosine(queryVec, cached.QueryEmbedding)
		if dist < e.cfg.CacheDistance {
			e.logger.Debug("anchor tension cache hit", zap.Float64("cos_dist", dist))
			if cached.Snapshot.HighTension(e.cfg.Threshold) {
				memo.SetHighTension(cached.Snapshot)
			} else {
				memo.SetHighTension(nil)
			}
			span.SetAttributes(attribute.Bool("cache_hit", true))
			e.metrics.recordResult(ctx, resultCacheHit)
			return cached.Snapshot, true
		}
	}

	hitsA, errA := e.searchA(ctx, queryVec)
	hitsB, errB := e.search(ctx, e.storeB, queryVec)
	storeBFailed := errB != nil
	if storeBFailed {
		e.logger.Warn("anchor tension: store B unreachable, store A only", zap.Error(errB))
		e.metrics.recordStoreFailure(ctx, "b")
	}

	if len(hitsA) == 0 && len(hitsB) == 0 {
		e.logger.Debug("anchor tension: no memories in either store")
		e.metrics.recordResult(ctx, resultEmpty)
		return nil, false
	}

	snap = &Snapshot{
		StoreATexts:  excerpts(hitsA),
		StoreBTexts:  excerpts(hitsB),
		StoreAFailed: errA != nil,
		StoreBFailed: storeBFailed,
	}
	for _, h := range hitsB {
		if h.ID != "" {
			snap.StoreBIDs = append(snap.StoreBIDs, h.ID)
		}
	}

	alignment, embedded := e.alignment(ctx, hitsA, hitsB)
	snap.SemanticAlignment = alignment
	snap.TopicNovelty = 1 - snap.SemanticAlignment

	if e.scanner != nil {
		snap.PatternAnchors = e.scanner.Scan(in.UserMessage + "\n" + tail)
	}

	high := snap.HighTension(e.cfg.Threshold)
	if high {
		snap.GraphNeighbors = e.neighbors(ctx, snap.StoreBIDs)
	}

	if memo != nil {
		if high {
			memo.SetHighTension(snap)
		} else {
			memo.SetHighTension(nil)
		}
		memo.SetCached(Cached{
			QueryEmbedding: queryVec,
			Snapshot:       snap,
			Degraded:       errA != nil || storeBFailed || !embedded,
		})
		memo.SetInjection(snap.Injection(e.cfg.Threshold))
	}

	span.SetAttributes(
		attribute.Float64("topic_novelty", snap.TopicNovelty),
		attribute.Int("store_a_hits", len(hitsA)),
		attribute.Int("store_b_hits", len(hitsB)),
		attribute.Int("pattern_anchors", len(snap.PatternAnchors)),
	)
	span.SetStatus(codes.Ok, "measured")
	e.metrics.recordResult(ctx, resultMeasured)
	e.metrics.recordNovelty(ctx, snap.TopicNovelty)

	e.logger.Info("anchor tension measured",
		zap.Float64("topic_novelty", snap.TopicNovelty),
		zap.Float64("semantic_alignment", snap.SemanticAlignment),
		zap.Int("store_a_hits", len(hitsA)),
		zap.Int("store_b_hits", len(hitsB)),
		zap.Int("pattern_anchors", len(snap.PatternAnchors)),
		zap.Bool("high_tension", high),
	)
	return snap, true
}

func cachedEntry(memo Memo) *Cached {
	if memo == nil {
		return nil
	}
	return memo.Cached()
}

// searchA searches store A, dropping hits below the relevance floor. On error
// it returns no hits along with the error.
func (e *Engine) searchA(ctx context.Context, vec []float32) ([]vectorstore.Hit, error) {
	hits, err := e.search(ctx, e.storeA, vec)
	if err != nil {
		e.logger.Warn("anchor tension: store A search failed", zap.Error(err))
		e.metrics.recordStoreFailure(ctx, "a")
		return nil, err
	}
	kept := make([]vectorstore.Hit, 0, len(hits))
	for _, h := range hits {
		if float64(h.Score) >= e.cfg.StoreAMinRelevance {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

func (e *Engine) search(ctx context.Context, s Searcher, vec []float32) ([]vectorstore.Hit, error) {
	if s == nil {
		return nil, errNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()
	hits, err := s.Search(ctx, vec, e.cfg.TopK)
	if err != nil {
		return nil, err
	}
	if len(hits) > e.cfg.TopK {
		hits = hits[:e.cfg.TopK]
	}
	return hits, nil
}

// alignment re-embeds both hit sets and returns the clamped cosine of their
// centroids. Anything short of two usable centroids yields 1.0; embedded is
// false only when the re-embedding call itself failed.
func (e *Engine) alignment(ctx context.Context, hitsA, hitsB []vectorstore.Hit) (alignment float64, embedded bool) {
	if len(hitsA) == 0 || len(hitsB) == 0 {
		return 1.0, true
	}

	texts := make([]string, 0, len(hitsA)+len(hitsB))
	for _, h := range hitsA {
		texts = append(texts, sanitize.Truncate(h.Text, hitEmbedChars))
	}
	for _, h := range hitsB {
		texts = append(texts, sanitize.Truncate(h.Text, hitEmbedChars))
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		e.logger.Warn("anchor tension: re-embedding hits failed", zap.Error(err))
		return 1.0, false
	}

	centroidA := vectorstore.Centroid(vecs[:len(hitsA)])
	centroidB := vectorstore.Centroid(vecs[len(hitsA):])
	if centroidA == nil || centroidB == nil {
		return 1.0, true
	}
	return clamp(vectorstore.Cosine(centroidA, centroidB), 0, 1), true
}

// neighbors collects best-effort structural context for the first store B
// ids. Every error, including ErrNeighborsUnsupported, is swallowed.
func (e *Engine) neighbors(ctx context.Context, ids []string) []string {
	if len(ids) > maxNeighborIDs {
		ids = ids[:maxNeighborIDs]
	}
	var out []string
	for _, id := range ids {
		nctx, cancel := context.WithTimeout(ctx, e.cfg.NeighborsTimeout)
		found, err := e.storeB.Neighbors(nctx, id)
		cancel()
		if err != nil {
			e.logger.Debug("graph neighbors unavailable", zap.String("id", id), zap.Error(err))
			continue
		}
		if len(found) > maxNeighborsEach {
			found = found[:maxNeighborsEach]
		}
		for _, n := range found {
			text := n.Text
			if text == "" {
				text = n.Label
			}
			if text = sanitize.Truncate(text, neighborChars); text != "" {
				out = append(out, text)
			}
		}
	}
	return out
}

func excerpts(hits []vectorstore.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, sanitize.Truncate(h.Text, excerptChars))
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
