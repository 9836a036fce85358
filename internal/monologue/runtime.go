// Package monologue wires the divergence engine, the integrity gate and the
// invariant store into the three lifecycle points of one agent monologue:
// before each response, after each response and at the end.
package monologue

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/gate"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/logging"
	"github.com/fyrsmithlabs/ecotone/internal/turn"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Measurer measures divergence for one turn.
type Measurer interface {
	Measure(ctx context.Context, in divergence.Input, memo divergence.Memo) (*divergence.Snapshot, bool)
}

// Evaluator is the integrity gate.
type Evaluator interface {
	Evaluate(ctx context.Context, response string, history turn.History, state *turn.State) gate.Outcome
}

// Retriever looks up coaching epitaphs.
type Retriever interface {
	Retrieve(ctx context.Context, vector []float32, shapeHint string, topK int, minWeight float64) []invariant.Candidate
}

// Background is the invariant recorder.
type Background interface {
	Record(f invariant.Failure) bool
	Recorded() map[string]bool
	Snapshot() bool
	Sync(path string) bool
	Close() error
}

// Deps are the collaborators of a Runtime. Retriever, Recorder and Journal
// are optional.
type Deps struct {
	Engine    Measurer
	Gate      Evaluator
	Retriever Retriever
	Recorder  Background
	Journal   *audit.Journal
	Sink      audit.Sink
	Logger    *logging.Logger
}

// Options tune coaching retrieval and end-of-monologue work.
type Options struct {
	TopK        int
	MinWeight   float64
	JournalPath string
}

// Prompt is what BeforeResponse contributes to the next model call.
type Prompt struct {
	Snapshot  *divergence.Snapshot
	Injection string
	Feedback  string
	Coaching  []invariant.Candidate
}

// Runtime owns the turn state of one monologue.
type Runtime struct {
	id    string
	deps  Deps
	opts  Options
	state *turn.State
	now   func() time.Time
}

// New starts a monologue.
func New(deps Deps, opts Options) *Runtime {
	if deps.Sink == nil {
		deps.Sink = audit.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	def := config.Default().Invariant
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MinWeight <= 0 {
		opts.MinWeight = def.MinWeight
	}
	return &Runtime{
		id:    uuid.NewString(),
		deps:  deps,
		opts:  opts,
		state: turn.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the monologue id.
func (r *Runtime) ID() string { return r.id }

// State returns the turn state.
func (r *Runtime) State() *turn.State { return r.state }

func (r *Runtime) context(ctx context.Context) context.Context {
	return logging.WithMonologueID(ctx, r.id)
}

// BeforeResponse measures divergence for the upcoming response and retrieves
// coaching epitaphs for it.
func (r *Runtime) BeforeResponse(ctx context.Context, in divergence.Input) Prompt {
	ctx = r.context(ctx)

	snap, ok := r.deps.Engine.Measure(ctx, in, r.state)
	p := Prompt{
		Injection: r.state.Injection(),
		Feedback:  r.state.Feedback(),
	}
	if ok {
		p.Snapshot = snap
		r.deps.Logger.Debug(ctx, "divergence measured",
			zap.Float64("topic_novelty", snap.TopicNovelty),
			zap.Int("store_a_hits", len(snap.StoreATexts)),
			zap.Int("store_b_hits", len(snap.StoreBTexts)),
			zap.Int("pattern_anchors", len(snap.PatternAnchors)),
		)
	}
	p.Coaching = r.coach(ctx, snap, ok)
	return p
}

func (r *Runtime) coach(ctx context.Context, snap *divergence.Snapshot, measured bool) []invariant.Candidate {
	if r.deps.Retriever == nil {
		return nil
	}
	cached := r.state.Cached()
	if !measured || cached == nil || len(cached.QueryEmbedding) == 0 {
		r.state.SetCoachedIDs(nil)
		audit.Emit(r.deps.Sink, audit.EventChorusSilence, audit.Fields{"reason": "no_measurement"})
		return nil
	}

	hint := ""
	if code := r.state.LastFailureCode(); code != "" {
		hint = invariant.ShapeFor(code)
	}
	candidates := r.deps.Retriever.Retrieve(ctx, cached.QueryEmbedding, hint, r.opts.TopK, r.opts.MinWeight)
	if len(candidates) == 0 {
		r.state.SetCoachedIDs(nil)
		audit.Emit(r.deps.Sink, audit.EventChorusSilence, audit.Fields{
			"reason":        "no_epitaphs",
			"topic_novelty": snap.TopicNovelty,
		})
		return nil
	}

	ids := make([]string, len(candidates))
	ages := make([]float64, len(candidates))
	weights := make([]float64, len(candidates))
	hypothetical := make([]float64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		ages[i] = c.AgeDays
		weights[i] = c.EffectiveWeight
		hypothetical[i] = c.HypotheticalAgeWeight
	}
	r.state.SetCoachedIDs(ids)

	audit.Emit(r.deps.Sink, audit.EventChorusActivation, audit.Fields{
		"epitaph_ids":              ids,
		"epitaph_ages":             ages,
		"epitaph_weights":          weights,
		"hypothetical_age_weights": hypothetical,
		"drift_band":               invariant.DriftBand(snap.TopicNovelty),
		"topic_novelty":            snap.TopicNovelty,
		"shape_hint":               hint,
	})
	r.deps.Logger.Info(ctx, "coaching epitaphs retrieved", zap.Strings("epitaph_ids", ids), zap.String("shape_hint", hint))
	return candidates
}

// AfterResponse runs the integrity gate on response.
func (r *Runtime) AfterResponse(ctx context.Context, response string, history turn.History) gate.Outcome {
	ctx = r.context(ctx)
	outcome := r.deps.Gate.Evaluate(ctx, response, history, r.state)
	if outcome != gate.OutcomeSkipped {
		r.deps.Logger.Info(ctx, "integrity gate evaluated",
			zap.String("outcome", string(outcome)),
			zap.Int("retries", r.state.Retries()),
		)
	}
	return outcome
}

// EndMonologue records the failures the gate has not already recorded,
// schedules a journal sync and a volume snapshot, and drains the recorder.
// Work still running after the drain timeout is abandoned.
func (r *Runtime) EndMonologue(ctx context.Context) error {
	ctx = r.context(ctx)
	if r.deps.Recorder == nil {
		return nil
	}

	staged := invariant.Staged{Feedback: r.state.Feedback()}
	if snap := r.lastSnapshot(); snap != nil {
		staged.DriftScore = snap.TopicNovelty
		staged.PatternAnchors = snap.PatternAnchors
	}

	var entries []audit.GateEntry
	if r.deps.Journal != nil {
		var err error
		entries, err = r.deps.Journal.GateEntries(r.now())
		if err != nil {
			r.deps.Logger.Warn(ctx, "gate journal unreadable", zap.Error(err))
		}
	}

	failures := invariant.CollectFailures(staged, entries, r.now(), r.deps.Recorder.Recorded())
	for _, f := range failures {
		r.deps.Recorder.Record(f)
	}
	if r.opts.JournalPath != "" {
		r.deps.Recorder.Sync(r.opts.JournalPath)
	}
	r.deps.Recorder.Snapshot()

	r.deps.Logger.Info(ctx, "monologue ended", zap.Int("failures_collected", len(failures)))

	if err := r.deps.Recorder.Close(); err != nil {
		if errors.Is(err, invariant.ErrDrainTimeout) {
			r.deps.Logger.Warn(ctx, "background epitaph work abandoned", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func (r *Runtime) lastSnapshot() *divergence.Snapshot {
	if snap := r.state.HighTension(); snap != nil {
		return snap
	}
	if cached := r.state.Cached(); cached != nil {
		return cached.Snapshot
	}
	return nil
}
