package invariant

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
)

// TypeEpitaph marks epitaph documents in the shared store B collection.
const TypeEpitaph = "epitaph"

// Context shapes. The set is closed; anything else normalizes to
// ShapeUnclassified.
const (
	ShapeIntegrationGap          = "integration_gap"
	ShapeEarlyCollapse           = "early_collapse"
	ShapeSubstratePoverty        = "substrate_poverty"
	ShapePerformativeIntegration = "performative_integration"
	ShapeAnchorDeparture         = "anchor_departure"
	ShapeUngroundedSynthesis     = "ungrounded_synthesis"
	ShapeConvergingConstraints   = "converging_constraints"
	ShapeIdentityPressure        = "identity_pressure"
	ShapeNovelTerritory          = "novel_territory"
	ShapeSteadyState             = "steady_state"
	ShapeUnclassified            = "unclassified"
)

var validShapes = map[string]bool{
	ShapeIntegrationGap:          true,
	ShapeEarlyCollapse:           true,
	ShapeSubstratePoverty:        true,
	ShapePerformativeIntegration: true,
	ShapeAnchorDeparture:         true,
	ShapeUngroundedSynthesis:     true,
	ShapeConvergingConstraints:   true,
	ShapeIdentityPressure:        true,
	ShapeNovelTerritory:          true,
	ShapeSteadyState:             true,
	ShapeUnclassified:            true,
}

// Gate failure codes.
const (
	CodeSideIgnored               = "SIDE_IGNORED"
	CodeSmoothingCollapse         = "SMOOTHING_COLLAPSE"
	CodeInsufficientGrounding     = "INSUFFICIENT_GROUNDING"
	CodeAcknowledgedNotIntegrated = "ACKNOWLEDGED_NOT_INTEGRATED"
	CodePriorDivergence           = "PRIOR_DIVERGENCE"
	CodeUngroundedSynthesis       = "UNGROUNDED_SYNTHESIS"
	CodeShallowPass               = "SHALLOW_PASS"
	CodeUnknown                   = "UNKNOWN"
	CodeJournalObservation        = "JOURNAL_OBSERVATION"
)

// FailureShapes maps a gate failure code to its context shape.
var FailureShapes = map[string]string{
	CodeSideIgnored:               ShapeIntegrationGap,
	CodeSmoothingCollapse:         ShapeEarlyCollapse,
	CodeInsufficientGrounding:     ShapeSubstratePoverty,
	CodeAcknowledgedNotIntegrated: ShapePerformativeIntegration,
	CodePriorDivergence:           ShapeAnchorDeparture,
	CodeUngroundedSynthesis:       ShapeUngroundedSynthesis,
}

// FailureWeights maps a gate failure code to its base weight.
var FailureWeights = map[string]float64{
	CodeSmoothingCollapse:         0.90,
	CodeSideIgnored:               0.85,
	CodeAcknowledgedNotIntegrated: 0.80,
	CodePriorDivergence:           0.75,
	CodeUngroundedSynthesis:       0.70,
	CodeInsufficientGrounding:     0.50,
}

const defaultFailureWeight = 0.60

// ShapeFor returns the context shape for a failure code.
func ShapeFor(failureCode string) string {
	if s, ok := FailureShapes[failureCode]; ok {
		return s
	}
	return ShapeUnclassified
}

// WeightFor returns the base weight for a failure code.
func WeightFor(failureCode string) float64 {
	if w, ok := FailureWeights[failureCode]; ok {
		return w
	}
	return defaultFailureWeight
}

// NormalizeShape maps free-form shape labels onto the closed vocabulary.
func NormalizeShape(shape string) string {
	if validShapes[shape] {
		return shape
	}
	if folded := sanitize.Identifier(shape); validShapes[folded] {
		return folded
	}
	return ShapeUnclassified
}

// Drift bands.
const (
	BandLow    = "low"
	BandMedium = "medium"
	BandHigh   = "high"
)

// DriftBand buckets a drift score.
func DriftBand(drift float64) string {
	switch {
	case drift < 0.5:
		return BandLow
	case drift < 0.8:
		return BandMedium
	default:
		return BandHigh
	}
}

// DedupeHash is the content address of an epitaph. Only the three
// structural fields participate.
func DedupeHash(failureCode, contextShape, collapseMode string) string {
	return sanitize.ShortHash(failureCode + "|" + contextShape + "|" + collapseMode)
}

// EpitaphID builds the document id for an epitaph.
func EpitaphID(failureCode, dedupeHash string) string {
	return "epitaph:" + strings.ToLower(failureCode) + ":" + dedupeHash
}

// Summary is the short invariant text stored for embedding similarity.
func Summary(contextShape, collapseMode, triggerSignature string) string {
	return fmt.Sprintf("%s: %s under %s", contextShape, collapseMode, triggerSignature)
}

// Epitaph is a structured record of a past integration failure.
type Epitaph struct {
	ID                    string    `json:"id"`
	ContextShape          string    `json:"context_shape"`
	CollapseMode          string    `json:"collapse_mode"`
	CorrectiveDisposition string    `json:"corrective_disposition"`
	TriggerSignature      string    `json:"trigger_signature"`
	DriftBand             string    `json:"drift_band"`
	Weight                float64   `json:"weight"`
	UsesCount             int       `json:"uses_count"`
	EffectiveWeight       float64   `json:"effective_weight"`
	RecurrenceCount       int       `json:"recurrence_count"`
	DedupeHash            string    `json:"dedupe_hash"`
	Source                string    `json:"source"`
	SourceEvent           string    `json:"source_event"`
	FailureCode           string    `json:"failure_code"`
	CreatedAt             time.Time `json:"created_at"`
	LastSeen              time.Time `json:"last_seen"`
	Locked                bool      `json:"locked"`
	LockType              string    `json:"lock_type"`
}

// Metadata keys.
const (
	keyType                  = "type"
	keyLocked                = "locked"
	keyLockType              = "lock_type"
	keyContextShape          = "context_shape"
	keyCollapseMode          = "collapse_mode"
	keyCorrectiveDisposition = "corrective_disposition"
	keyTriggerSignature      = "trigger_signature"
	keyDriftBand             = "drift_band"
	keyWeight                = "weight"
	keyUsesCount             = "uses_count"
	keyEffectiveWeight       = "effective_weight"
	keyRecurrenceCount       = "recurrence_count"
	keyDedupeHash            = "dedupe_hash"
	keySource                = "source"
	keySourceEvent           = "source_event"
	keyFailureCode           = "failure_code"
	keyCreatedAt             = "created_at"
	keyLastSeen              = "last_seen"
)

// ToMetadata renders the epitaph as store metadata.
func (e Epitaph) ToMetadata() map[string]any {
	return map[string]any{
		keyType:                  TypeEpitaph,
		keyLocked:                e.Locked,
		keyLockType:              e.LockType,
		keyContextShape:          e.ContextShape,
		keyCollapseMode:          e.CollapseMode,
		keyCorrectiveDisposition: e.CorrectiveDisposition,
		keyTriggerSignature:      e.TriggerSignature,
		keyDriftBand:             e.DriftBand,
		keyWeight:                e.Weight,
		keyUsesCount:             e.UsesCount,
		keyEffectiveWeight:       e.EffectiveWeight,
		keyRecurrenceCount:       e.RecurrenceCount,
		keyDedupeHash:            e.DedupeHash,
		keySource:                e.Source,
		keySourceEvent:           e.SourceEvent,
		keyFailureCode:           e.FailureCode,
		keyCreatedAt:             formatTime(e.CreatedAt),
		keyLastSeen:              formatTime(e.LastSeen),
	}
}

// FromMetadata parses store metadata. It reports false when the metadata
// does not describe an epitaph. Missing fields take their defaults.
func FromMetadata(id string, md map[string]any) (Epitaph, bool) {
	if str(md, keyType, "") != TypeEpitaph {
		return Epitaph{}, false
	}
	locked, _ := md[keyLocked].(bool)
	return Epitaph{
		ID:                    id,
		ContextShape:          str(md, keyContextShape, ShapeUnclassified),
		CollapseMode:          str(md, keyCollapseMode, ""),
		CorrectiveDisposition: str(md, keyCorrectiveDisposition, ""),
		TriggerSignature:      str(md, keyTriggerSignature, ""),
		DriftBand:             str(md, keyDriftBand, BandMedium),
		Weight:                num(md, keyWeight, 0.5),
		UsesCount:             integer(md, keyUsesCount, 0),
		EffectiveWeight:       num(md, keyEffectiveWeight, 0),
		RecurrenceCount:       integer(md, keyRecurrenceCount, 1),
		DedupeHash:            str(md, keyDedupeHash, ""),
		Source:                str(md, keySource, ""),
		SourceEvent:           str(md, keySourceEvent, ""),
		FailureCode:           str(md, keyFailureCode, ""),
		CreatedAt:             parseTime(str(md, keyCreatedAt, "")),
		LastSeen:              parseTime(str(md, keyLastSeen, "")),
		Locked:                locked,
		LockType:              str(md, keyLockType, ""),
	}, true
}

// AgeDays returns the fractional days since creation, or 0 when unknown.
func (e Epitaph) AgeDays(now time.Time) float64 {
	return daysSince(e.CreatedAt, now)
}

func daysSince(t, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return now.Sub(t).Hours() / 24
}

func str(md map[string]any, key, def string) string {
	if s, ok := md[key].(string); ok {
		return s
	}
	return def
}

// num reads a number regardless of how the backend decoded it.
func num(md map[string]any, key string, def float64) float64 {
	switch v := md[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func integer(md map[string]any, key string, def int) int {
	if _, ok := md[key]; !ok {
		return def
	}
	return int(math.Round(num(md, key, float64(def))))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// naive ISO timestamps are UTC
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
