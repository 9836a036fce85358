package divergence

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ecotone/internal/patterns"
)

// Snapshot is one tension measurement.
type Snapshot struct {
	// TopicNovelty is 1 - SemanticAlignment, in [0,1].
	TopicNovelty      float64           `json:"topic_novelty"`
	SemanticAlignment float64           `json:"semantic_alignment"`
	StoreATexts       []string          `json:"store_a_texts"`
	StoreBTexts       []string          `json:"store_b_texts"`
	StoreBIDs         []string          `json:"store_b_ids,omitempty"`
	PatternAnchors    []patterns.Anchor `json:"pattern_anchors"`
	GraphNeighbors    []string          `json:"graph_neighbors,omitempty"`
	StoreAFailed      bool              `json:"store_a_failed,omitempty"`
	StoreBFailed      bool              `json:"store_b_failed,omitempty"`
}

// HighTension reports whether the snapshot is at or above threshold.
func (s *Snapshot) HighTension(threshold float64) bool {
	return s != nil && s.TopicNovelty >= threshold
}

const (
	maxStructuralNeighbors = 5
	maxStructuralTexts     = 3
	maxInjectedAnchors     = 8
)

// Injection renders the prompt blocks for this snapshot: the anchor tension
// and structural context block when tension is high and store B had hits,
// and the pattern resonance block whenever anchors were found. Returns ""
// when neither applies.
func (s *Snapshot) Injection(threshold float64) string {
	if s == nil {
		return ""
	}
	var b strings.Builder

	if s.HighTension(threshold) && len(s.StoreBTexts) > 0 {
		items := s.GraphNeighbors
		if len(items) > maxStructuralNeighbors {
			items = items[:maxStructuralNeighbors]
		}
		if len(items) == 0 {
			items = s.StoreBTexts
			if len(items) > maxStructuralTexts {
				items = items[:maxStructuralTexts]
			}
		}

		fmt.Fprintf(&b, "\n\n[ANCHOR TENSION: %.2f]\n", s.TopicNovelty)
		fmt.Fprintf(&b, "Your episodic recall and topological memory show semantic alignment of %.2f for this context.\n\n", s.SemanticAlignment)
		b.WriteString("[STRUCTURAL CONTEXT]\n")
		for _, item := range items {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
		b.WriteString("[/STRUCTURAL CONTEXT]\n\n")
		b.WriteString("Analyze this divergence: is each item undiscovered, stale, parallel-valid, noise, or an actionable gap?")
	}

	if len(s.PatternAnchors) > 0 {
		anchors := s.PatternAnchors
		if len(anchors) > maxInjectedAnchors {
			anchors = anchors[:maxInjectedAnchors]
		}
		b.WriteString("\n\n[PATTERN RESONANCE]\n")
		fmt.Fprintf(&b, "Current context maps to %d civilization patterns:\n", len(s.PatternAnchors))
		for _, a := range anchors {
			fmt.Fprintf(&b, "  - %q (%s, %s)\n", a.Term, a.ModuleID, a.Domain)
		}
		b.WriteString("[/PATTERN RESONANCE]\n\n")
		b.WriteString("These are long-lived narrative invariants. If your response diverges from them, note the departure; it may be valid.")
	}

	return b.String()
}

// Cached is the monologue-scoped cache entry written after every measurement.
type Cached struct {
	QueryEmbedding []float32
	Snapshot       *Snapshot
	// Degraded marks a measurement that did not reach both stores, or whose
	// hits could not be re-embedded. Degraded entries are never served.
	Degraded bool
}

// Memo is the turn-scoped state the engine reads and writes.
type Memo interface {
	// Cached returns the last cache entry, or nil.
	Cached() *Cached
	// SetCached replaces the cache entry.
	SetCached(Cached)
	// SetHighTension sets the high-tension slot; nil clears it.
	SetHighTension(*Snapshot)
	// SetInjection stores rendered prompt blocks; "" clears them.
	SetInjection(string)
}
