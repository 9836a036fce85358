package invariant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/patterns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, float32(len(text)), 0, 0}, nil
}

// recordingCaller replies with a fixed string and remembers every prompt.
type recordingCaller struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (c *recordingCaller) Call(_ context.Context, system, message string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, system+"\n"+message)
	return c.reply, c.err
}

const fencedExtraction = "```json\n" + `{"collapse_mode": "premature balance", "corrective_disposition": "Hold both readings.", "trigger_signature": "high novelty comparison"}` + "\n```"

func TestExtractor_Process(t *testing.T) {
	s, backend, _ := newTestStore(t)
	caller := &recordingCaller{reply: fencedExtraction}
	emb := &fakeEmbedder{}
	x := NewExtractor(caller, emb, s, nil)
	x.now = func() time.Time { return fixedNow }

	id, err := x.Process(context.Background(), Failure{
		FailureCode:    CodeSmoothingCollapse,
		Evidence:       "matched false-balance pattern",
		DriftScore:     0.85,
		PatternAnchors: []patterns.Anchor{{Term: "commons"}, {Term: "quota"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Len())

	ep, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ShapeEarlyCollapse, ep.ContextShape)
	assert.Equal(t, 0.90, ep.Weight)
	assert.Equal(t, BandHigh, ep.DriftBand)
	assert.Equal(t, "premature balance", ep.CollapseMode)
	assert.Equal(t, "Hold both readings.", ep.CorrectiveDisposition)
	assert.Equal(t, "ecotone", ep.Source)
	assert.Equal(t, "ecotone_2026-03-14_120000", ep.SourceEvent)

	require.Len(t, caller.prompts, 1)
	assert.Contains(t, caller.prompts[0], extractorSystem)
	assert.Contains(t, caller.prompts[0], "Drift score: 0.85")
	assert.Contains(t, caller.prompts[0], "Pattern anchors: commons, quota")
	assert.Equal(t, []string{"early_collapse: premature balance under high novelty comparison"}, emb.texts)
}

func TestExtractor_DefaultsAndFailures(t *testing.T) {
	s, backend, _ := newTestStore(t)
	caller := &recordingCaller{reply: `{"corrective_disposition": ""}`}
	x := NewExtractor(caller, &fakeEmbedder{}, s, nil)

	id, err := x.Process(context.Background(), Failure{FailureCode: "NEW_CODE", Evidence: strings.Repeat("e", 900)})
	require.NoError(t, err)
	ep, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "unknown_collapse", ep.CollapseMode)
	assert.Equal(t, "unknown_trigger", ep.TriggerSignature)
	assert.Equal(t, ShapeUnclassified, ep.ContextShape)
	assert.Equal(t, 0.60, ep.Weight)
	assert.Equal(t, BandLow, ep.DriftBand)
	assert.Contains(t, caller.prompts[0], "Pattern anchors: none")
	assert.NotContains(t, caller.prompts[0], strings.Repeat("e", 501))

	for _, reply := range []string{"", "not json", "```json\n{broken\n```"} {
		caller.reply = reply
		_, err := x.Process(context.Background(), Failure{FailureCode: CodeSideIgnored})
		assert.ErrorIs(t, err, ErrNoExtraction, reply)
	}

	caller.reply = ""
	caller.err = llm.ErrInvalidConfig
	_, err = x.Process(context.Background(), Failure{FailureCode: CodeSideIgnored})
	assert.ErrorIs(t, err, llm.ErrInvalidConfig)

	caller.err = nil
	caller.reply = fencedExtraction
	x.embedder = &fakeEmbedder{err: errors.New("embedder down")}
	_, err = x.Process(context.Background(), Failure{FailureCode: CodeSideIgnored})
	assert.Error(t, err)
	assert.Equal(t, 1, backend.Len())
}

func TestFeedbackCode(t *testing.T) {
	assert.Equal(t, CodeSideIgnored, FeedbackCode("[ECOTONE GATE FAILURE: SIDE_IGNORED] store B ignored"))
	assert.Equal(t, CodeUnknown, FeedbackCode("something went wrong"))
}

func TestCollectFailures(t *testing.T) {
	now := fixedNow
	entries := []audit.GateEntry{
		{Timestamp: now.Add(-time.Minute), FailureCode: CodeSmoothingCollapse, Evidence: "dup of staged"},
		{Timestamp: now.Add(-2 * time.Minute), FailureCode: CodePriorDivergence, Evidence: "departed", DriftScore: 0.7},
		{Timestamp: now.Add(-10 * time.Minute), FailureCode: CodeSideIgnored, Evidence: "too old"},
		{Timestamp: now.Add(-time.Minute), FailureCode: CodeShallowPass, ShallowPass: true},
		{Timestamp: now.Add(-time.Minute), FailureCode: CodeInsufficientGrounding, ShallowPass: true},
		{Timestamp: now.Add(-time.Minute), FailureCode: ""},
		{Timestamp: now.Add(-time.Minute), FailureCode: CodePriorDivergence, Evidence: "second"},
		{Timestamp: now.Add(-time.Minute), FailureCode: CodeUngroundedSynthesis},
	}
	staged := Staged{
		Feedback:       "[ECOTONE GATE FAILURE: SMOOTHING_COLLAPSE] both sides have merit",
		DriftScore:     0.75,
		PatternAnchors: []patterns.Anchor{{Term: "commons"}},
	}

	got := CollectFailures(staged, entries, now, nil)
	require.Len(t, got, 3)
	assert.Equal(t, CodeSmoothingCollapse, got[0].FailureCode)
	assert.Equal(t, 0.75, got[0].DriftScore)
	assert.Len(t, got[0].PatternAnchors, 1)
	assert.Equal(t, CodePriorDivergence, got[1].FailureCode)
	assert.Equal(t, "departed", got[1].Evidence)
	assert.Equal(t, CodeUngroundedSynthesis, got[2].FailureCode)

	got = CollectFailures(staged, entries, now, map[string]bool{CodeSmoothingCollapse: true, CodeUngroundedSynthesis: true})
	require.Len(t, got, 1)
	assert.Equal(t, CodePriorDivergence, got[0].FailureCode)

	assert.Empty(t, CollectFailures(Staged{}, nil, now, nil))
}
