package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/patterns"
	"github.com/fyrsmithlabs/ecotone/internal/turn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	reply   string
	err     error
	calls   int
	prompts []string
}

func (f *fakeCaller) Call(_ context.Context, _, message string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, message)
	return f.reply, f.err
}

type fakeDecayer struct{ ids []string }

func (f *fakeDecayer) Decay(_ context.Context, id string) bool {
	f.ids = append(f.ids, id)
	return true
}

type fakeRecorder struct {
	mu       sync.Mutex
	failures []invariant.Failure
}

func (f *fakeRecorder) Record(fl invariant.Failure) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fl)
	return true
}

type fixture struct {
	gate     *Gate
	caller   *fakeCaller
	decayer  *fakeDecayer
	recorder *fakeRecorder
	journal  *audit.Journal
	sink     *audit.MemorySink
	history  *turn.SliceHistory
	state    *turn.State
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	f := &fixture{
		caller:   &fakeCaller{reply: reply},
		decayer:  &fakeDecayer{},
		recorder: &fakeRecorder{},
		journal:  audit.NewJournal(t.TempDir()),
		sink:     audit.NewMemorySink(),
		history:  &turn.SliceHistory{},
		state:    turn.New(),
	}
	f.gate = New(f.caller, config.Default().Gate,
		WithDecayer(f.decayer),
		WithRecorder(f.recorder),
		WithJournal(f.journal),
		WithSink(f.sink),
	)
	f.history.Append("user question")
	f.history.Append("assistant response")
	return f
}

func (f *fixture) entries(t *testing.T) []audit.GateEntry {
	t.Helper()
	entries, err := f.journal.GateEntries(time.Now())
	require.NoError(t, err)
	return entries
}

func tension(novelty float64) *divergence.Snapshot {
	return &divergence.Snapshot{
		TopicNovelty:      novelty,
		SemanticAlignment: 1 - novelty,
		StoreATexts:       []string{"Quota auctions cut overfishing in the 2019 pilot."},
		StoreBTexts:       []string{"Commons governance clusters with community monitoring."},
		PatternAnchors:    []patterns.Anchor{{Term: "commons", ModuleID: "ostrom", Domain: "priors"}},
	}
}

const prose = "The pilot data and the commons literature point in different directions, and the monitoring question decides between them."

func TestEvaluate_SkipsWithoutActivation(t *testing.T) {
	f := newFixture(t, `{"pass": false, "failure_code": "SIDE_IGNORED"}`)
	ctx := context.Background()

	assert.Equal(t, OutcomeSkipped, f.gate.Evaluate(ctx, prose, f.history, f.state))
	assert.Equal(t, OutcomeSkipped, f.gate.Evaluate(ctx, prose, f.history, nil))

	f.state.SetHighTension(tension(0.75))
	tool := `{"tool_name": "search", "tool_args": {"query": "both approaches have merit and more padding here"}}`
	assert.Equal(t, OutcomeSkipped, f.gate.Evaluate(ctx, tool, f.history, f.state))
	assert.Equal(t, OutcomeSkipped, f.gate.Evaluate(ctx, "   Both have merit.   ", f.history, f.state))

	assert.Equal(t, 0, f.caller.calls)
	assert.Equal(t, 2, f.history.Len())
	assert.Equal(t, 0, f.state.Retries())
	assert.Empty(t, f.entries(t))
	assert.Empty(t, f.sink.Events())
}

func TestEvaluate_SmoothingCollapseWithoutModelCall(t *testing.T) {
	f := newFixture(t, `{"pass": true}`)
	f.state.SetHighTension(tension(0.75))
	f.state.SetCoachedIDs([]string{"epitaph:side_ignored:abc"})

	response := "Both approaches have merit, and the best path forward is to keep an open mind about it."
	out := f.gate.Evaluate(context.Background(), response, f.history, f.state)

	assert.Equal(t, OutcomeRetry, out)
	assert.Equal(t, 0, f.caller.calls)
	assert.Equal(t, []string{"user question"}, f.history.Messages())
	assert.Equal(t, 1, f.state.Retries())
	assert.Equal(t, invariant.CodeSmoothingCollapse, f.state.LastFailureCode())

	feedback := f.state.Feedback()
	assert.True(t, strings.HasPrefix(feedback, "[ECOTONE GATE FAILURE: SMOOTHING_COLLAPSE] Pattern matched: 'both.{0,20}merit'"))
	assert.Contains(t, feedback, "Example store A item: 'Quota auctions cut overfishing in the 2019 pilot.'")
	assert.Contains(t, feedback, "Example store B item: 'Commons governance clusters with community monitoring.'")
	assert.Contains(t, feedback, "Pattern resonance detected: commons.")

	require.Len(t, f.recorder.failures, 1)
	assert.Equal(t, invariant.CodeSmoothingCollapse, f.recorder.failures[0].FailureCode)
	assert.Equal(t, 0.75, f.recorder.failures[0].DriftScore)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, invariant.CodeSmoothingCollapse, entries[0].FailureCode)
	assert.Equal(t, audit.CheckRegex, entries[0].CheckType)
	assert.Equal(t, 0, entries[0].RetryNumber)
	assert.False(t, entries[0].ShallowPass)
	assert.Equal(t, 1, entries[0].PatternAnchors)
	assert.Equal(t, 1, entries[0].ChorusEpitaphCount)
	assert.Len(t, entries[0].ResponseHash, 16)

	events := f.sink.ByType(audit.EventChorusOutcome)
	require.Len(t, events, 1)
	assert.Equal(t, "fail", events[0].Fields["gate_result"])
	assert.Equal(t, invariant.CodeSmoothingCollapse, events[0].Fields["failure_code"])
	assert.Equal(t, []string{"epitaph:side_ignored:abc"}, f.state.CoachedIDs(), "coached ids survive a retry")
}

func TestEvaluate_ShallowPassAtCap(t *testing.T) {
	f := newFixture(t, "")
	f.state.SetHighTension(tension(0.75))
	f.state.StageRetry("old feedback", invariant.CodeSideIgnored)
	f.state.StageRetry("old feedback", invariant.CodeSideIgnored)

	out := f.gate.Evaluate(context.Background(), "On one hand the pilot worked; on the other hand the commons theory says otherwise.", f.history, f.state)

	assert.Equal(t, OutcomeShallowPass, out)
	assert.Equal(t, 2, f.history.Len(), "history is not popped at the cap")
	assert.Equal(t, 0, f.state.Retries())
	assert.Empty(t, f.state.Feedback())

	require.Len(t, f.recorder.failures, 1)
	assert.Equal(t, invariant.CodeSmoothingCollapse, f.recorder.failures[0].FailureCode)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, invariant.CodeShallowPass, entries[0].FailureCode)
	assert.True(t, entries[0].ShallowPass)
	assert.Equal(t, 2, entries[0].RetryNumber)

	events := f.sink.ByType(audit.EventChorusOutcome)
	require.Len(t, events, 1)
	assert.Equal(t, "shallow_pass", events[0].Fields["gate_result"])
	assert.Equal(t, invariant.CodeShallowPass, events[0].Fields["failure_code"])
}

func TestEvaluate_PassDecaysCoachedEpitaphs(t *testing.T) {
	f := newFixture(t, "```json\n{\"pass\": true, \"evidence\": \"names both\"}\n```")
	f.state.SetHighTension(tension(0.75))
	f.state.SetCoachedIDs([]string{"epitaph:a:1", "epitaph:b:2"})
	f.state.StageRetry("feedback", invariant.CodeSideIgnored)

	out := f.gate.Evaluate(context.Background(), prose, f.history, f.state)

	assert.Equal(t, OutcomePass, out)
	assert.Equal(t, 1, f.caller.calls)
	assert.Equal(t, []string{"epitaph:a:1", "epitaph:b:2"}, f.decayer.ids)
	assert.Empty(t, f.state.CoachedIDs())
	assert.Equal(t, 0, f.state.Retries())
	assert.Empty(t, f.state.Feedback())
	assert.Empty(t, f.recorder.failures)
	assert.Equal(t, 2, f.history.Len())

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].FailureCode)
	assert.Equal(t, audit.CheckModel, entries[0].CheckType)
	assert.Equal(t, 2, entries[0].ChorusEpitaphCount)

	events := f.sink.ByType(audit.EventChorusOutcome)
	require.Len(t, events, 1)
	assert.Equal(t, "pass", events[0].Fields["gate_result"])
	assert.Nil(t, events[0].Fields["failure_code"])
	assert.Equal(t, 0.75, events[0].Fields["drift_score"])
}

func TestEvaluate_ModelAudit(t *testing.T) {
	f := newFixture(t, `{"pass": false, "failure_code": "SIDE_IGNORED", "evidence": "store B never mentioned"}`)
	f.state.SetHighTension(tension(0.65))

	// below the smoothing floor the regex layer does not run
	response := "Both approaches have merit, and the best path forward is to keep an open mind about it."
	out := f.gate.Evaluate(context.Background(), response, f.history, f.state)

	assert.Equal(t, OutcomeRetry, out)
	require.Equal(t, 1, f.caller.calls)
	assert.Contains(t, f.caller.prompts[0], "topic novelty 0.65")
	assert.Contains(t, f.caller.prompts[0], `"term": "commons"`)
	assert.Contains(t, f.caller.prompts[0], response)
	assert.True(t, strings.HasPrefix(f.state.Feedback(), "[ECOTONE GATE FAILURE: SIDE_IGNORED] store B never mentioned"))

	f.caller.reply = `{"pass": false}`
	f.gate.Evaluate(context.Background(), response, f.history, f.state)
	assert.Equal(t, invariant.CodeUnknown, f.state.LastFailureCode())
}

func TestEvaluate_FailsOpen(t *testing.T) {
	for name, caller := range map[string]*fakeCaller{
		"error":      {err: errors.New("timeout")},
		"empty":      {reply: ""},
		"not json":   {reply: "I think it passed"},
		"no pass":    {reply: `{"evidence": "fine"}`},
		"null fence": {reply: "```\n{}\n```"},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "")
			f.caller = caller
			f.gate.caller = caller
			f.state.SetHighTension(tension(0.75))

			assert.Equal(t, OutcomePass, f.gate.Evaluate(context.Background(), prose, f.history, f.state))
			assert.Equal(t, 1, caller.calls)
			assert.Equal(t, 2, f.history.Len())
		})
	}
}

type fakeRedactor struct{}

func (fakeRedactor) RedactString(s string) string {
	return strings.ReplaceAll(s, "hunter2-token", "[REDACTED:test]")
}

func TestEvaluate_RedactsAuditAndEvidence(t *testing.T) {
	f := newFixture(t, `{"pass": false, "failure_code": "SIDE_IGNORED", "evidence": "quotes hunter2-token verbatim"}`)
	f.gate = New(f.caller, config.Default().Gate,
		WithRecorder(f.recorder),
		WithJournal(f.journal),
		WithSink(f.sink),
		WithRedactor(fakeRedactor{}),
	)
	f.state.SetHighTension(tension(0.65))

	response := prose + " The ledger key is hunter2-token."
	assert.Equal(t, OutcomeRetry, f.gate.Evaluate(context.Background(), response, f.history, f.state))

	require.Len(t, f.caller.prompts, 1)
	assert.NotContains(t, f.caller.prompts[0], "hunter2-token")
	assert.Contains(t, f.caller.prompts[0], "[REDACTED:test]")

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "quotes [REDACTED:test] verbatim", entries[0].Evidence)

	require.Len(t, f.recorder.failures, 1)
	assert.NotContains(t, f.recorder.failures[0].Evidence, "hunter2-token")
	assert.Contains(t, f.state.Feedback(), "quotes [REDACTED:test] verbatim")
}

func TestEvaluate_Grounding(t *testing.T) {
	f := newFixture(t, `{"pass": true}`)
	f.state.SetHighTension(&divergence.Snapshot{TopicNovelty: 0.9})

	assert.Equal(t, OutcomeRetry, f.gate.Evaluate(context.Background(), prose, f.history, f.state))
	assert.Equal(t, 0, f.caller.calls)
	assert.Contains(t, f.state.Feedback(), "INSUFFICIENT_GROUNDING")
	assert.Contains(t, f.state.Feedback(), "Example store A item: 'an episodic recall item'")
	assert.Contains(t, f.state.Feedback(), "Example store B item: 'a topological context item'")
	assert.NotContains(t, f.state.Feedback(), "Pattern resonance")
}

func TestCheckGrounding_MetaRatio(t *testing.T) {
	v := checkGrounding(
		[]string{"The ecotone extension measures drift", "FAISS index notes"},
		[]string{"RuVector graph layout", "epitaph lifecycle", "Quota auctions cut overfishing"},
		0.80,
	)
	require.NotNil(t, v)
	assert.Equal(t, invariant.CodeInsufficientGrounding, v.FailureCode)
	assert.Equal(t, "4/5 unique texts (80%) are system-meta content. No domain-relevant substrate available for integration.", v.Evidence)

	assert.Nil(t, checkGrounding([]string{"ecotone", "fish"}, nil, 0.80))
}

func TestCheckSmoothing(t *testing.T) {
	cases := []struct {
		name     string
		response string
		flagged  bool
	}{
		{"merit", "Both approaches have merit here.", true},
		{"valid", "BOTH readings are VALID.", true},
		{"balance", "We are striking a balance.", true},
		{"hands", "On one hand it is cheap. On the other, it is slow.", true},
		{"perspective", "Each perspective adds value.", true},
		{"sides", "Both sides are important.", true},
		{"fenced", "Result:\n```\nboth are valid\n```\nThe pilot wins.", false},
		{"json", `Reply {"note": "both are valid", "inner": {"x": 1}} then a decision.`, false},
		{"decisive", "The pilot data wins because monitoring was absent in the commons cases.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := checkSmoothing(tc.response)
			if tc.flagged {
				require.NotNil(t, v)
				assert.Equal(t, invariant.CodeSmoothingCollapse, v.FailureCode)
				assert.Equal(t, audit.CheckRegex, v.CheckType)
			} else {
				assert.Nil(t, v)
			}
		})
	}
}

func TestIsToolCall(t *testing.T) {
	assert.True(t, IsToolCall(`  {"tool_name": "x"}`))
	assert.False(t, IsToolCall(`{"answer": "x"}`))
	assert.False(t, IsToolCall(`use "tool_name" wisely`))
}
