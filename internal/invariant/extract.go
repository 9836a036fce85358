package invariant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/patterns"
	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
	"go.uber.org/zap"
)

// ErrNoExtraction is returned when the model reply carries no usable fields.
var ErrNoExtraction = errors.New("no structural fields extracted")

const (
	extractorSystem = "You are a structural pattern extractor. Return ONLY valid JSON."

	sourceEcotone = "ecotone"
	sourceJournal = "journal"

	defaultCollapse = "unknown_collapse"
	defaultTrigger  = "unknown_trigger"

	recentFailureWindow = 5 * time.Minute
)

const synthesisPrompt = `A response failed the memory integration gate.

Failure code: %s
Drift score: %s
Pattern anchors: %s
Evidence: %s

Describe the structural pattern of this failure, not its content.
Return ONLY valid JSON with these fields:
{
  "collapse_mode": "what went wrong, 3-5 words",
  "corrective_disposition": "what posture prevents this, one sentence",
  "trigger_signature": "what conditions trigger this, 3-5 words"
}

JSON only.`

// Failure is one gate failure awaiting extraction.
type Failure struct {
	FailureCode    string
	Evidence       string
	DriftScore     float64
	PatternAnchors []patterns.Anchor
}

// extraction is the model reply shape for both extraction prompts.
type extraction struct {
	CollapseMode          string `json:"collapse_mode"`
	CorrectiveDisposition string `json:"corrective_disposition"`
	TriggerSignature      string `json:"trigger_signature"`
	ContextShapeGuess     string `json:"context_shape_guess"`
}

func parseExtraction(reply string) (extraction, error) {
	reply = llm.StripFences(reply)
	if reply == "" {
		return extraction{}, ErrNoExtraction
	}
	var ex extraction
	if err := json.Unmarshal([]byte(reply), &ex); err != nil {
		return extraction{}, fmt.Errorf("%w: %v", ErrNoExtraction, err)
	}
	return ex, nil
}

// Embedder embeds invariant summaries.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Extractor turns gate failures into epitaphs.
type Extractor struct {
	caller   llm.Caller
	embedder Embedder
	store    *Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewExtractor creates an extractor.
func NewExtractor(caller llm.Caller, embedder Embedder, store *Store, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		caller:   caller,
		embedder: embedder,
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process extracts the structural fields of f and creates (or boosts) the
// matching epitaph. Shape and weight come from the failure code, never from
// the model.
func (x *Extractor) Process(ctx context.Context, f Failure) (string, error) {
	if x.caller == nil {
		return "", fmt.Errorf("%w: no utility model configured", ErrNoExtraction)
	}
	shape := ShapeFor(f.FailureCode)

	anchors := "none"
	if len(f.PatternAnchors) > 0 {
		terms := make([]string, 0, 5)
		for i, a := range f.PatternAnchors {
			if i == 5 {
				break
			}
			terms = append(terms, a.Term)
		}
		anchors = strings.Join(terms, ", ")
	}

	prompt := fmt.Sprintf(synthesisPrompt,
		f.FailureCode,
		fmt.Sprintf("%.2f", f.DriftScore),
		anchors,
		sanitize.Truncate(f.Evidence, 500),
	)
	reply, err := x.caller.Call(ctx, extractorSystem, prompt)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", f.FailureCode, err)
	}
	ex, err := parseExtraction(reply)
	if err != nil {
		return "", err
	}

	collapse := orDefault(ex.CollapseMode, defaultCollapse)
	trigger := orDefault(ex.TriggerSignature, defaultTrigger)

	vec, err := x.embedder.EmbedQuery(ctx, Summary(shape, collapse, trigger))
	if err != nil {
		return "", fmt.Errorf("embedding invariant: %w", err)
	}

	now := x.now()
	return x.store.Create(ctx, Fields{
		Vector:                vec,
		ContextShape:          shape,
		CollapseMode:          collapse,
		CorrectiveDisposition: ex.CorrectiveDisposition,
		TriggerSignature:      trigger,
		DriftBand:             DriftBand(f.DriftScore),
		Weight:                WeightFor(f.FailureCode),
		FailureCode:           f.FailureCode,
		Source:                sourceEcotone,
		SourceEvent:           "ecotone_" + now.Format("2006-01-02_150405"),
	})
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

var feedbackCode = regexp.MustCompile(`\[ECOTONE GATE FAILURE: (\w+)\]`)

// FeedbackCode parses the failure code out of staged gate feedback.
func FeedbackCode(feedback string) string {
	if m := feedbackCode.FindStringSubmatch(feedback); m != nil {
		return m[1]
	}
	return CodeUnknown
}

// Staged is the gate feedback left on the turn state when the monologue ended.
type Staged struct {
	Feedback       string
	DriftScore     float64
	PatternAnchors []patterns.Anchor
}

// CollectFailures gathers the failures of one monologue: the staged feedback
// first, then journaled gate entries from the last five minutes that are not
// shallow passes. Each failure code appears once. Codes in skip are left out.
func CollectFailures(staged Staged, entries []audit.GateEntry, now time.Time, skip map[string]bool) []Failure {
	var out []Failure
	seen := make(map[string]bool)

	if staged.Feedback != "" {
		code := FeedbackCode(staged.Feedback)
		seen[code] = true
		if !skip[code] {
			out = append(out, Failure{
				FailureCode:    code,
				Evidence:       staged.Feedback,
				DriftScore:     staged.DriftScore,
				PatternAnchors: staged.PatternAnchors,
			})
		}
	}

	for _, e := range entries {
		if e.Timestamp.IsZero() || now.Sub(e.Timestamp) > recentFailureWindow {
			continue
		}
		if e.ShallowPass || e.FailureCode == "" || e.FailureCode == CodeShallowPass {
			continue
		}
		if seen[e.FailureCode] {
			continue
		}
		seen[e.FailureCode] = true
		if skip[e.FailureCode] {
			continue
		}
		out = append(out, Failure{
			FailureCode: e.FailureCode,
			Evidence:    e.Evidence,
			DriftScore:  e.DriftScore,
		})
	}
	return out
}
