package monologue

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/gate"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/logging"
	"github.com/fyrsmithlabs/ecotone/internal/turn"
	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var queryVec = []float32{0.5, 0.5, 0.5, 0.5}

type fakeEmbedder struct{ vectors map[string][]float32 }

func (f *fakeEmbedder) vec(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	return queryVec
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vec(text), nil
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vec(t)
	}
	return out, nil
}

type fakeSearcher struct{ hits []vectorstore.Hit }

func (f *fakeSearcher) Search(context.Context, []float32, int) ([]vectorstore.Hit, error) {
	return f.hits, nil
}

func (f *fakeSearcher) Neighbors(context.Context, string) ([]vectorstore.Neighbor, error) {
	return nil, vectorstore.ErrNeighborsUnsupported
}

func hits(texts ...string) []vectorstore.Hit {
	out := make([]vectorstore.Hit, len(texts))
	for i, t := range texts {
		out[i] = vectorstore.Hit{ID: "id-" + t, Text: t, Score: 0.9}
	}
	return out
}

const extraction = `{"collapse_mode": "premature balance", "corrective_disposition": "Name the tension first.", "trigger_signature": "high novelty comparison"}`

func TestRuntime_ClosedLoop(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	journal := audit.NewJournal(t.TempDir())
	log := logging.NewTestLogger()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"quota auctions": {1, 0, 0, 0},
		"shared ledger":  {0, 0.3, 0, 0},
		"commons rules":  {0, 0, 1, 0},
	}}
	engine := divergence.NewEngine(emb,
		&fakeSearcher{hits: hits("quota auctions", "shared ledger")},
		&fakeSearcher{hits: hits("shared ledger", "commons rules")},
		nil, config.Default().Divergence, nil)

	backend := vectorstore.NewMemoryStore()
	store := invariant.NewStore(backend, sink, config.Default().Invariant, 4, nil)
	extractor := invariant.NewExtractor(llm.CallerFunc(func(context.Context, string, string) (string, error) {
		return extraction, nil
	}), emb, store, nil)
	recorder := invariant.NewRecorder(extractor, store, nil, config.Default().Invariant, nil)

	auditor := llm.CallerFunc(func(context.Context, string, string) (string, error) {
		return `{"pass": true}`, nil
	})
	g := gate.New(auditor, config.Default().Gate,
		gate.WithDecayer(store),
		gate.WithRecorder(recorder),
		gate.WithJournal(journal),
		gate.WithSink(sink),
	)

	rt := New(Deps{
		Engine:    engine,
		Gate:      g,
		Retriever: store,
		Recorder:  recorder,
		Journal:   journal,
		Sink:      sink,
		Logger:    log.Logger,
	}, Options{TopK: 5, MinWeight: 0.1})

	in := divergence.Input{UserMessage: "how should the fishery quota work?", History: "earlier turns"}
	history := &turn.SliceHistory{}
	history.Append("how should the fishery quota work?")

	// first attempt: high tension, nothing to coach with yet
	p := rt.BeforeResponse(ctx, in)
	require.NotNil(t, p.Snapshot)
	assert.GreaterOrEqual(t, p.Snapshot.TopicNovelty, 0.60)
	assert.Contains(t, p.Injection, "[ANCHOR TENSION:")
	assert.Empty(t, p.Coaching)
	assert.Len(t, sink.ByType(audit.EventChorusSilence), 1)

	history.Append("Both approaches have merit, and the best path forward is to keep an open mind about it.")
	out := rt.AfterResponse(ctx, history.Messages()[1], history)
	assert.Equal(t, gate.OutcomeRetry, out)
	assert.Equal(t, 1, history.Len())

	require.Eventually(t, func() bool { return backend.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// retry: feedback staged, the new epitaph coaches with the shape hint
	p = rt.BeforeResponse(ctx, in)
	assert.Contains(t, p.Feedback, "[ECOTONE GATE FAILURE: SMOOTHING_COLLAPSE]")
	require.Len(t, p.Coaching, 1)
	assert.Equal(t, invariant.ShapeEarlyCollapse, p.Coaching[0].ContextShape)
	epitaphID := p.Coaching[0].ID
	assert.Equal(t, []string{epitaphID}, rt.State().CoachedIDs())

	activations := sink.ByType(audit.EventChorusActivation)
	require.Len(t, activations, 1)
	assert.Equal(t, invariant.ShapeEarlyCollapse, activations[0].Fields["shape_hint"])

	good := "The auction pilot and the commons rules disagree on monitoring, and the ledger decides: auctions only where catch is observable."
	history.Append(good)
	assert.Equal(t, gate.OutcomePass, rt.AfterResponse(ctx, good, history))
	assert.Equal(t, 2, history.Len())
	assert.Empty(t, rt.State().Feedback())

	ep, err := store.Get(ctx, epitaphID)
	require.NoError(t, err)
	assert.Equal(t, 1, ep.UsesCount)

	require.NoError(t, rt.EndMonologue(ctx))
	assert.Equal(t, 1, backend.Len(), "the gate already recorded the failure")
	assert.Len(t, sink.ByType(audit.EventVolumeSnapshot), 1)
	assert.Len(t, sink.ByType(audit.EventChorusOutcome), 2)

	log.AssertLogged(t, zapcore.InfoLevel, "monologue ended")
	log.AssertField(t, "monologue ended", "monologue.id", rt.ID())
}

type fakeMeasurer struct {
	snap *divergence.Snapshot
}

func (f *fakeMeasurer) Measure(_ context.Context, _ divergence.Input, memo divergence.Memo) (*divergence.Snapshot, bool) {
	if f.snap == nil {
		return nil, false
	}
	memo.SetHighTension(f.snap)
	memo.SetCached(divergence.Cached{QueryEmbedding: queryVec, Snapshot: f.snap})
	return f.snap, true
}

type fakeBackground struct {
	recorded  map[string]bool
	failures  []invariant.Failure
	synced    []string
	snapshots int
	closed    bool
}

func (f *fakeBackground) Record(fl invariant.Failure) bool {
	f.failures = append(f.failures, fl)
	return true
}
func (f *fakeBackground) Recorded() map[string]bool { return f.recorded }
func (f *fakeBackground) Snapshot() bool            { f.snapshots++; return true }
func (f *fakeBackground) Sync(path string) bool     { f.synced = append(f.synced, path); return true }
func (f *fakeBackground) Close() error              { f.closed = true; return nil }

type nopGate struct{}

func (nopGate) Evaluate(context.Context, string, turn.History, *turn.State) gate.Outcome {
	return gate.OutcomeSkipped
}

func TestRuntime_EndMonologueCollectsStagedFailures(t *testing.T) {
	ctx := context.Background()
	snap := &divergence.Snapshot{TopicNovelty: 0.82}
	bg := &fakeBackground{recorded: map[string]bool{}}
	rt := New(Deps{Engine: &fakeMeasurer{snap: snap}, Gate: nopGate{}, Recorder: bg}, Options{JournalPath: "/var/lib/ecotone/epitaphs.jsonl"})

	rt.BeforeResponse(ctx, divergence.Input{UserMessage: "long enough message"})
	rt.State().StageRetry("[ECOTONE GATE FAILURE: PRIOR_DIVERGENCE] departed from the anchors", invariant.CodePriorDivergence)

	require.NoError(t, rt.EndMonologue(ctx))
	require.Len(t, bg.failures, 1)
	assert.Equal(t, invariant.CodePriorDivergence, bg.failures[0].FailureCode)
	assert.Equal(t, 0.82, bg.failures[0].DriftScore)
	assert.Equal(t, []string{"/var/lib/ecotone/epitaphs.jsonl"}, bg.synced)
	assert.Equal(t, 1, bg.snapshots)
	assert.True(t, bg.closed)

	bg = &fakeBackground{recorded: map[string]bool{invariant.CodePriorDivergence: true}}
	rt = New(Deps{Engine: &fakeMeasurer{snap: snap}, Gate: nopGate{}, Recorder: bg}, Options{})
	rt.BeforeResponse(ctx, divergence.Input{UserMessage: "long enough message"})
	rt.State().StageRetry("[ECOTONE GATE FAILURE: PRIOR_DIVERGENCE] departed", invariant.CodePriorDivergence)
	require.NoError(t, rt.EndMonologue(ctx))
	assert.Empty(t, bg.failures)
	assert.Empty(t, bg.synced)
}

type recordingRetriever struct {
	topK      int
	minWeight float64
}

func (f *recordingRetriever) Retrieve(_ context.Context, _ []float32, _ string, topK int, minWeight float64) []invariant.Candidate {
	f.topK = topK
	f.minWeight = minWeight
	return nil
}

func TestRuntime_ZeroOptionsUseRetrievalDefaults(t *testing.T) {
	snap := &divergence.Snapshot{TopicNovelty: 0.82}
	retriever := &recordingRetriever{}
	rt := New(Deps{Engine: &fakeMeasurer{snap: snap}, Gate: nopGate{}, Retriever: retriever}, Options{})

	rt.BeforeResponse(context.Background(), divergence.Input{UserMessage: "long enough message"})
	assert.Equal(t, 5, retriever.topK)
	assert.Equal(t, 0.1, retriever.minWeight, "dormant epitaphs stay below the floor")

	rt = New(Deps{Engine: &fakeMeasurer{snap: snap}, Gate: nopGate{}, Retriever: retriever}, Options{TopK: 2, MinWeight: 0.4})
	rt.BeforeResponse(context.Background(), divergence.Input{UserMessage: "long enough message"})
	assert.Equal(t, 2, retriever.topK)
	assert.Equal(t, 0.4, retriever.minWeight)
}

func TestRuntime_NoMeasurementIsSilent(t *testing.T) {
	sink := audit.NewMemorySink()
	store := invariant.NewStore(vectorstore.NewMemoryStore(), sink, config.Default().Invariant, 4, nil)
	rt := New(Deps{Engine: &fakeMeasurer{}, Gate: nopGate{}, Retriever: store, Sink: sink}, Options{})
	rt.State().SetCoachedIDs([]string{"stale"})

	p := rt.BeforeResponse(context.Background(), divergence.Input{UserMessage: "hi"})
	assert.Nil(t, p.Snapshot)
	assert.Empty(t, p.Coaching)
	assert.Empty(t, rt.State().CoachedIDs())

	silence := sink.ByType(audit.EventChorusSilence)
	require.Len(t, silence, 1)
	assert.Equal(t, "no_measurement", silence[0].Fields["reason"])
	assert.NoError(t, rt.EndMonologue(context.Background()))
}
