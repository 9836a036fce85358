// Package invariant stores recurring gate failures as structured, weighted
// records ("epitaphs") in the store B collection.
//
// Epitaphs are content-addressed by (failure_code, context_shape,
// collapse_mode): a recurrence boosts the existing record instead of adding a
// near-duplicate. Each coaching use decays the effective weight; nothing is
// ever deleted. The text of a record is a short summary used only for
// embedding similarity.
//
// Every backend failure degrades to a no-op. Nothing in this package reads
// or writes turn-scoped state.
package invariant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ecotone.invariant")

var (
	// ErrZeroVector is returned when a write would store a missing or
	// all-zero embedding.
	ErrZeroVector = errors.New("missing or zero embedding")

	// ErrNotEpitaph is returned when a document is not an epitaph.
	ErrNotEpitaph = errors.New("document is not an epitaph")
)

const (
	decayFactor     = 0.95
	ageDecayFactor  = 0.98
	shapeBonus      = 0.2
	dedupeSearchK   = 20
	overfetch       = 3
	zeroCheckPrefix = 10
	dormantFloor    = 0.1
	lockPerception  = "perception"
)

// Backend is the part of vectorstore.Store the invariant store uses.
type Backend interface {
	Search(ctx context.Context, vector []float32, topK int) ([]vectorstore.Hit, error)
	Upsert(ctx context.Context, doc vectorstore.Document) (string, error)
	Get(ctx context.Context, id string) (*vectorstore.Document, error)
}

// Fields are the inputs of Create.
type Fields struct {
	Vector                []float32
	ContextShape          string
	CollapseMode          string
	CorrectiveDisposition string
	TriggerSignature      string
	DriftBand             string
	Weight                float64
	FailureCode           string
	Source                string
	SourceEvent           string
}

// Candidate is one ranked retrieval result.
type Candidate struct {
	Epitaph
	Score                 float64 `json:"score"`
	RankScore             float64 `json:"rank_score"`
	AgeDays               float64 `json:"age_days"`
	HypotheticalAgeWeight float64 `json:"hypothetical_age_weight"`
}

// Store is the epitaph store.
type Store struct {
	backend    Backend
	sink       audit.Sink
	boostDelta float64
	minWeight  float64
	topK       int
	dimension  int
	snapshotK  int
	logger     *zap.Logger
	metrics    *Metrics
	now        func() time.Time
}

// NewStore creates an epitaph store over backend. dimension is the vector
// size of the collection, used for zero-vector listing.
func NewStore(backend Backend, sink audit.Sink, cfg config.InvariantConfig, dimension int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	def := config.Default().Invariant
	if cfg.BoostDelta <= 0 {
		cfg.BoostDelta = def.BoostDelta
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = def.MinWeight
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.SnapshotSize <= 0 {
		cfg.SnapshotSize = def.SnapshotSize
	}
	if dimension <= 0 {
		dimension = 384
	}
	return &Store{
		backend:    backend,
		sink:       sink,
		boostDelta: cfg.BoostDelta,
		minWeight:  cfg.MinWeight,
		topK:       cfg.TopK,
		dimension:  dimension,
		snapshotK:  cfg.SnapshotSize,
		logger:     logger,
		metrics:    NewMetrics(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// BoostDelta returns the configured boost increment.
func (s *Store) BoostDelta() float64 { return s.boostDelta }

// MinWeight returns the configured retrieval floor.
func (s *Store) MinWeight() float64 { return s.minWeight }

// TopK returns the configured retrieval size.
func (s *Store) TopK() int { return s.topK }

// Create inserts an epitaph, or boosts and returns the existing one when a
// record with the same dedupe hash is found. A failed or missed duplicate
// search falls back to a lookup by the deterministic id, so an existing
// record is boosted rather than overwritten.
func (s *Store) Create(ctx context.Context, f Fields) (id string, err error) {
	ctx, span := tracer.Start(ctx, "invariant.Create")
	defer span.End()
	defer func() { s.metrics.record(ctx, "create", err) }()

	if vectorstore.IsZero(f.Vector, zeroCheckPrefix) {
		return "", ErrZeroVector
	}

	shape := NormalizeShape(f.ContextShape)
	hash := DedupeHash(f.FailureCode, shape, f.CollapseMode)
	span.SetAttributes(attribute.String("dedupe_hash", hash), attribute.String("failure_code", f.FailureCode))

	hits, err := s.backend.Search(ctx, f.Vector, dedupeSearchK)
	if err != nil {
		s.logger.Warn("epitaph duplicate search failed, checking by id", zap.Error(err))
	}
	for _, h := range hits {
		if h.ID == "" || str(h.Metadata, keyType, "") != TypeEpitaph || str(h.Metadata, keyDedupeHash, "") != hash {
			continue
		}
		s.Boost(ctx, h.ID, s.boostDelta)
		span.SetAttributes(attribute.Bool("deduplicated", true))
		return h.ID, nil
	}

	id = EpitaphID(f.FailureCode, hash)
	if doc, gerr := s.backend.Get(ctx, id); gerr == nil && str(doc.Metadata, keyType, "") == TypeEpitaph {
		s.logger.Debug("epitaph found by id after duplicate search", zap.String("epitaph_id", id))
		s.Boost(ctx, id, s.boostDelta)
		span.SetAttributes(attribute.Bool("deduplicated", true))
		return id, nil
	}

	now := s.now()
	ep := Epitaph{
		ID:                    id,
		ContextShape:          shape,
		CollapseMode:          f.CollapseMode,
		CorrectiveDisposition: f.CorrectiveDisposition,
		TriggerSignature:      f.TriggerSignature,
		DriftBand:             f.DriftBand,
		Weight:                f.Weight,
		UsesCount:             0,
		EffectiveWeight:       f.Weight,
		RecurrenceCount:       1,
		DedupeHash:            hash,
		Source:                f.Source,
		SourceEvent:           f.SourceEvent,
		FailureCode:           f.FailureCode,
		CreatedAt:             now,
		LastSeen:              now,
		Locked:                true,
		LockType:              lockPerception,
	}

	if _, err := s.backend.Upsert(ctx, vectorstore.Document{
		ID:       ep.ID,
		Text:     Summary(shape, f.CollapseMode, f.TriggerSignature),
		Vector:   f.Vector,
		Metadata: ep.ToMetadata(),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("storing epitaph: %w", err)
	}

	audit.Emit(s.sink, audit.EventEpitaphCreated, audit.Fields{
		"epitaph_id":    ep.ID,
		"context_shape": shape,
		"failure_code":  f.FailureCode,
		"source":        f.Source,
		"weight":        f.Weight,
	})
	s.logger.Info("epitaph created",
		zap.String("epitaph_id", ep.ID),
		zap.String("context_shape", shape),
		zap.String("failure_code", f.FailureCode),
	)
	return ep.ID, nil
}

// Retrieve returns up to topK epitaphs ranked by
// shape bonus * 0.2 + effective weight * similarity. Age is computed for
// observability only and does not affect ranking. Errors yield no results.
func (s *Store) Retrieve(ctx context.Context, vector []float32, shapeHint string, topK int, minWeight float64) []Candidate {
	ctx, span := tracer.Start(ctx, "invariant.Retrieve")
	defer span.End()

	if topK <= 0 {
		topK = s.topK
	}
	hits, err := s.backend.Search(ctx, vector, topK*overfetch)
	s.metrics.record(ctx, "retrieve", err)
	if err != nil {
		s.logger.Warn("epitaph retrieval failed", zap.Error(err))
		return nil
	}

	now := s.now()
	var candidates []Candidate
	for _, h := range hits {
		ep, ok := FromMetadata(h.ID, h.Metadata)
		if !ok || ep.EffectiveWeight < minWeight {
			continue
		}
		bonus := 0.0
		if shapeHint != "" && ep.ContextShape == shapeHint {
			bonus = 1.0
		}
		score := float64(h.Score)
		age := ep.AgeDays(now)
		candidates = append(candidates, Candidate{
			Epitaph:               ep,
			Score:                 score,
			RankScore:             bonus*shapeBonus + ep.EffectiveWeight*score,
			AgeDays:               round(age, 1),
			HypotheticalAgeWeight: round(ep.EffectiveWeight*math.Pow(ageDecayFactor, age), 4),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RankScore > candidates[j].RankScore
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	for _, c := range candidates {
		audit.Emit(s.sink, audit.EventEpitaphRetrieved, audit.Fields{
			"epitaph_id":              c.ID,
			"rank_score":              c.RankScore,
			"age_days":                c.AgeDays,
			"hypothetical_age_weight": c.HypotheticalAgeWeight,
			"effective_weight":        c.EffectiveWeight,
			"recurrence_count":        c.RecurrenceCount,
		})
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates
}

// Decay records one successful coaching use: uses_count += 1 and
// effective_weight = weight * 0.95^uses_count.
func (s *Store) Decay(ctx context.Context, id string) bool {
	ctx, span := tracer.Start(ctx, "invariant.Decay")
	defer span.End()

	doc, ep, err := s.load(ctx, id)
	if err != nil {
		s.metrics.record(ctx, "decay", err)
		s.logger.Debug("epitaph decay skipped", zap.String("epitaph_id", id), zap.Error(err))
		return false
	}

	uses := ep.UsesCount + 1
	eff := round(ep.Weight*math.Pow(decayFactor, float64(uses)), 6)
	doc.Metadata[keyUsesCount] = uses
	doc.Metadata[keyEffectiveWeight] = eff

	if err := s.writeBack(ctx, doc); err != nil {
		s.metrics.record(ctx, "decay", err)
		return false
	}
	s.metrics.record(ctx, "decay", nil)

	audit.Emit(s.sink, audit.EventEpitaphDecayed, audit.Fields{
		"epitaph_id":           id,
		"new_effective_weight": eff,
		"uses_count":           uses,
		"age_days":             round(ep.AgeDays(s.now()), 1),
	})
	return true
}

// Boost records a recurrence: weight rises by delta (capped at 1), the
// effective weight resets to it and uses_count returns to 0.
func (s *Store) Boost(ctx context.Context, id string, delta float64) bool {
	ctx, span := tracer.Start(ctx, "invariant.Boost")
	defer span.End()

	doc, ep, err := s.load(ctx, id)
	if err != nil {
		s.metrics.record(ctx, "boost", err)
		s.logger.Debug("epitaph boost skipped", zap.String("epitaph_id", id), zap.Error(err))
		return false
	}

	now := s.now()
	weight := round(math.Min(1.0, ep.Weight+delta), 4)
	recurrence := ep.RecurrenceCount + 1
	doc.Metadata[keyWeight] = weight
	doc.Metadata[keyUsesCount] = 0
	doc.Metadata[keyEffectiveWeight] = weight
	doc.Metadata[keyRecurrenceCount] = recurrence
	doc.Metadata[keyLastSeen] = formatTime(now)

	if err := s.writeBack(ctx, doc); err != nil {
		s.metrics.record(ctx, "boost", err)
		return false
	}
	s.metrics.record(ctx, "boost", nil)

	audit.Emit(s.sink, audit.EventEpitaphBoosted, audit.Fields{
		"epitaph_id":       id,
		"new_weight":       weight,
		"recurrence_count": recurrence,
		"days_since_last":  round(daysSince(ep.LastSeen, now), 1),
	})
	s.logger.Info("epitaph boosted",
		zap.String("epitaph_id", id),
		zap.Float64("weight", weight),
		zap.Int("recurrence_count", recurrence),
	)
	return true
}

// Get returns one epitaph.
func (s *Store) Get(ctx context.Context, id string) (*Epitaph, error) {
	_, ep, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *Store) load(ctx context.Context, id string) (*vectorstore.Document, Epitaph, error) {
	doc, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, Epitaph{}, err
	}
	ep, ok := FromMetadata(id, doc.Metadata)
	if !ok {
		return nil, Epitaph{}, ErrNotEpitaph
	}
	return doc, ep, nil
}

// writeBack upserts doc unless its embedding is missing or zero.
func (s *Store) writeBack(ctx context.Context, doc *vectorstore.Document) error {
	if vectorstore.IsZero(doc.Vector, zeroCheckPrefix) {
		s.logger.Warn("refusing to write back epitaph with missing or zero embedding", zap.String("epitaph_id", doc.ID))
		return ErrZeroVector
	}
	if _, err := s.backend.Upsert(ctx, *doc); err != nil {
		s.logger.Warn("epitaph write-back failed", zap.String("epitaph_id", doc.ID), zap.Error(err))
		return err
	}
	return nil
}

// Volume summarizes the epitaph pool.
type Volume struct {
	Total           int     `json:"total_epitaphs"`
	Active          int     `json:"active_count"`
	Dormant         int     `json:"dormant_count"`
	MeanAgeDays     float64 `json:"mean_age_days"`
	MaxAgeDays      float64 `json:"max_age_days"`
	MeanWeight      float64 `json:"mean_weight"`
	WeightBelowHalf int     `json:"weight_below_half"`
}

// VolumeSnapshot lists the pool with a zero-vector search and emits a
// volume_snapshot event.
func (s *Store) VolumeSnapshot(ctx context.Context) (Volume, error) {
	ctx, span := tracer.Start(ctx, "invariant.VolumeSnapshot")
	defer span.End()

	hits, err := s.backend.Search(ctx, make([]float32, s.dimension), s.snapshotK)
	s.metrics.record(ctx, "snapshot", err)
	if err != nil {
		return Volume{}, fmt.Errorf("listing epitaphs: %w", err)
	}

	now := s.now()
	var v Volume
	var ageSum, weightSum float64
	ages := 0
	for _, h := range hits {
		ep, ok := FromMetadata(h.ID, h.Metadata)
		if !ok {
			continue
		}
		v.Total++
		weightSum += ep.EffectiveWeight
		if ep.EffectiveWeight >= dormantFloor {
			v.Active++
		}
		if ep.EffectiveWeight < 0.5 {
			v.WeightBelowHalf++
		}
		if !ep.CreatedAt.IsZero() {
			age := ep.AgeDays(now)
			ageSum += age
			ages++
			v.MaxAgeDays = math.Max(v.MaxAgeDays, age)
		}
	}
	v.Dormant = v.Total - v.Active
	if ages > 0 {
		v.MeanAgeDays = round(ageSum/float64(ages), 1)
		v.MaxAgeDays = round(v.MaxAgeDays, 1)
	}
	if v.Total > 0 {
		v.MeanWeight = round(weightSum/float64(v.Total), 3)
	}

	audit.Emit(s.sink, audit.EventVolumeSnapshot, audit.Fields{
		"total_epitaphs":    v.Total,
		"active_count":      v.Active,
		"dormant_count":     v.Dormant,
		"mean_age_days":     v.MeanAgeDays,
		"max_age_days":      v.MaxAgeDays,
		"mean_weight":       v.MeanWeight,
		"weight_below_half": v.WeightBelowHalf,
	})
	return v, nil
}
