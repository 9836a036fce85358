// Package gate implements the integrity gate: a post-response validator that
// runs only when the divergence engine flagged high tension for the turn.
//
// The validator ladder is grounding check, then a regex smoothing precheck
// above the smoothing floor, then a utility model audit. A failing response
// is retracted from history and retried with concrete feedback, up to
// MaxRetries; after that it is accepted as a shallow pass.
package gate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
	"github.com/fyrsmithlabs/ecotone/internal/turn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ecotone.gate")

// Outcome is the result of one evaluation.
type Outcome string

// Outcomes.
const (
	// OutcomeSkipped means the gate did not activate. Nothing changed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomePass means the response integrated the divergence.
	OutcomePass Outcome = "pass"
	// OutcomeRetry means the response was retracted and feedback staged.
	OutcomeRetry Outcome = "fail"
	// OutcomeShallowPass means the response failed at the retry cap and was
	// let through.
	OutcomeShallowPass Outcome = "shallow_pass"
)

// Decayer records a successful coaching use of an epitaph.
type Decayer interface {
	Decay(ctx context.Context, id string) bool
}

// Recorder schedules a failure for epitaph extraction. It must not block.
type Recorder interface {
	Record(f invariant.Failure) bool
}

// Redactor scrubs credentials from text before it is sent to the utility
// model or persisted.
type Redactor interface {
	RedactString(content string) string
}

// Gate evaluates responses against the high-tension snapshot on the turn
// state.
type Gate struct {
	caller   llm.Caller
	decayer  Decayer
	recorder Recorder
	redactor Redactor
	journal  *audit.Journal
	sink     audit.Sink
	logger   *zap.Logger
	metrics  *Metrics

	maxRetries     int
	smoothingFloor float64
	metaThreshold  float64
	minLength      int
	auditTimeout   time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithDecayer sets the epitaph decayer used on pass.
func WithDecayer(d Decayer) Option {
	return func(g *Gate) { g.decayer = d }
}

// WithRecorder sets the failure recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithRedactor sets the secret redactor applied to audited responses and
// to evidence.
func WithRedactor(r Redactor) Option {
	return func(g *Gate) { g.redactor = r }
}

// WithJournal sets the gate journal.
func WithJournal(j *audit.Journal) Option {
	return func(g *Gate) { g.journal = j }
}

// WithSink sets the telemetry sink.
func WithSink(s audit.Sink) Option {
	return func(g *Gate) { g.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gate. caller performs the model audit.
func New(caller llm.Caller, cfg config.GateConfig, opts ...Option) *Gate {
	def := config.Default().Gate
	if cfg.SmoothingFloor <= 0 {
		cfg.SmoothingFloor = def.SmoothingFloor
	}
	if cfg.MetaThreshold <= 0 {
		cfg.MetaThreshold = def.MetaThreshold
	}
	if cfg.MinResponseLength <= 0 {
		cfg.MinResponseLength = def.MinResponseLength
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = def.AuditTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	g := &Gate{
		caller:         caller,
		sink:           audit.NopSink{},
		logger:         zap.NewNop(),
		maxRetries:     cfg.MaxRetries,
		smoothingFloor: cfg.SmoothingFloor,
		metaThreshold:  cfg.MetaThreshold,
		minLength:      cfg.MinResponseLength,
		auditTimeout:   cfg.AuditTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics = NewMetrics(g.logger)
	return g
}

// IsToolCall reports whether response is a tool invocation rather than prose.
func IsToolCall(response string) bool {
	trimmed := strings.TrimSpace(response)
	return strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"tool_name"`)
}

// Evaluate runs the gate on response. history loses its last message when
// the response is retracted for retry.
func (g *Gate) Evaluate(ctx context.Context, response string, history turn.History, state *turn.State) Outcome {
	if state == nil {
		return OutcomeSkipped
	}
	snap := state.HighTension()
	if snap == nil {
		return OutcomeSkipped
	}
	trimmed := strings.TrimSpace(response)
	if IsToolCall(trimmed) || len([]rune(trimmed)) < g.minLength {
		return OutcomeSkipped
	}

	ctx, span := tracer.Start(ctx, "gate.Evaluate")
	defer span.End()

	verdict := g.validate(ctx, response, snap)
	verdict.Evidence = g.redact(verdict.Evidence)
	retries := state.Retries()
	span.SetAttributes(
		attribute.Bool("pass", verdict.Pass),
		attribute.String("check_type", verdict.CheckType),
		attribute.Int("retry", retries),
	)

	var outcome Outcome
	switch {
	case verdict.Pass:
		outcome = g.pass(ctx, response, snap, verdict, state)
	case retries >= g.maxRetries:
		outcome = g.shallowPass(response, snap, verdict, retries, state)
	default:
		outcome = g.retry(response, snap, verdict, retries, history, state)
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	g.metrics.recordOutcome(ctx, outcome, verdict)
	return outcome
}

// validate runs the ladder. The first failing layer wins.
func (g *Gate) validate(ctx context.Context, response string, snap *divergence.Snapshot) Verdict {
	if v := checkGrounding(snap.StoreATexts, snap.StoreBTexts, g.metaThreshold); v != nil {
		return *v
	}
	if snap.TopicNovelty > g.smoothingFloor {
		if v := checkSmoothing(response); v != nil {
			return *v
		}
	}
	if g.caller == nil {
		return Verdict{Pass: true, CheckType: audit.CheckModel}
	}
	return *g.audit(ctx, response, snap)
}

func (g *Gate) redact(s string) string {
	if g.redactor == nil || s == "" {
		return s
	}
	return g.redactor.RedactString(s)
}

func (g *Gate) pass(ctx context.Context, response string, snap *divergence.Snapshot, v Verdict, state *turn.State) Outcome {
	coached := state.TakeCoachedIDs()
	g.journalEntry(response, snap, v, state.Retries(), false, len(coached))
	state.ClearRetry()

	if g.decayer != nil {
		for _, id := range coached {
			g.decayer.Decay(ctx, id)
		}
	}
	g.emitOutcome(coached, OutcomePass, nil, snap.TopicNovelty)
	g.logger.Info("ecotone gate passed", zap.Float64("tension", snap.TopicNovelty), zap.String("check_type", v.CheckType))
	return OutcomePass
}

func (g *Gate) retry(response string, snap *divergence.Snapshot, v Verdict, retries int, history turn.History, state *turn.State) Outcome {
	coached := state.CoachedIDs()
	g.journalEntry(response, snap, v, retries, false, len(coached))
	g.emitOutcome(coached, OutcomeRetry, v.FailureCode, snap.TopicNovelty)

	if history != nil {
		history.PopLast()
	}
	n := state.StageRetry(Feedback(v, snap), v.FailureCode)
	g.record(v, snap)

	g.logger.Warn("ecotone gate blocked response",
		zap.String("failure_code", v.FailureCode),
		zap.String("check_type", v.CheckType),
		zap.Int("retry", n),
		zap.Int("max_retries", g.maxRetries),
	)
	return OutcomeRetry
}

func (g *Gate) shallowPass(response string, snap *divergence.Snapshot, v Verdict, retries int, state *turn.State) Outcome {
	coached := state.CoachedIDs()
	g.journalEntry(response, snap, v, retries, true, len(coached))
	g.record(v, snap)
	g.emitOutcome(coached, OutcomeShallowPass, invariant.CodeShallowPass, snap.TopicNovelty)
	state.ClearRetry()

	g.logger.Warn("ecotone shallow pass",
		zap.Int("retries", retries),
		zap.String("failure_code", v.FailureCode),
		zap.Float64("tension", snap.TopicNovelty),
	)
	return OutcomeShallowPass
}

func (g *Gate) record(v Verdict, snap *divergence.Snapshot) {
	if g.recorder == nil {
		return
	}
	g.recorder.Record(invariant.Failure{
		FailureCode:    v.FailureCode,
		Evidence:       v.Evidence,
		DriftScore:     snap.TopicNovelty,
		PatternAnchors: snap.PatternAnchors,
	})
}

// Feedback renders the retry instructions staged for the next attempt.
func Feedback(v Verdict, snap *divergence.Snapshot) string {
	exampleA := "an episodic recall item"
	if len(snap.StoreATexts) > 0 {
		exampleA = sanitize.Truncate(snap.StoreATexts[0], 200)
	}
	exampleB := "a topological context item"
	if len(snap.StoreBTexts) > 0 {
		exampleB = sanitize.Truncate(snap.StoreBTexts[0], 200)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[ECOTONE GATE FAILURE: %s] %s\n", v.FailureCode, v.Evidence)
	b.WriteString("Your previous response was blocked. You must ENGAGE with the divergent memory context: not reconcile it, but analyze it.\n")
	b.WriteString("For each unique item, categorize it as undiscovered, stale, parallel-valid, noise or actionable gap. Use what is relevant.\n")
	fmt.Fprintf(&b, "Example store A item: '%s'\n", exampleA)
	fmt.Fprintf(&b, "Example store B item: '%s'", exampleB)

	if len(snap.PatternAnchors) > 0 {
		n := len(snap.PatternAnchors)
		if n > 5 {
			n = 5
		}
		terms := make([]string, n)
		for i := range terms {
			terms[i] = snap.PatternAnchors[i].Term
		}
		fmt.Fprintf(&b, "\nPattern resonance detected: %s. Consider how these civilization patterns relate to your response.", strings.Join(terms, ", "))
	}
	return b.String()
}

func (g *Gate) journalEntry(response string, snap *divergence.Snapshot, v Verdict, retry int, shallow bool, coached int) {
	if g.journal == nil {
		return
	}
	code := v.FailureCode
	if shallow {
		code = invariant.CodeShallowPass
	}
	entry := audit.GateEntry{
		Timestamp:          time.Now().UTC(),
		DriftScore:         round4(snap.TopicNovelty),
		FailureCode:        code,
		CheckType:          v.CheckType,
		Evidence:           sanitize.Truncate(v.Evidence, 500),
		ResponseHash:       sanitize.ShortHash(response),
		RetryNumber:        retry,
		ShallowPass:        shallow,
		PatternAnchors:     len(snap.PatternAnchors),
		ChorusEpitaphCount: coached,
	}
	if err := g.journal.Append(entry); err != nil {
		g.logger.Warn("gate journal write failed", zap.Error(err))
	}
}

func (g *Gate) emitOutcome(ids []string, result Outcome, failureCode any, drift float64) {
	if ids == nil {
		ids = []string{}
	}
	if s, ok := failureCode.(string); ok && s == "" {
		failureCode = nil
	}
	audit.Emit(g.sink, audit.EventChorusOutcome, audit.Fields{
		"epitaph_ids":  ids,
		"gate_result":  string(result),
		"failure_code": failureCode,
		"drift_score":  round4(drift),
	})
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
