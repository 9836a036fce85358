package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
	"go.uber.org/zap"
)

// SystemMetaKeywords mark memory texts that describe the agent's own
// machinery rather than domain substance.
var SystemMetaKeywords = []string{
	"extension", "ecotone", "drift_tracker", "faiss", "ruvector",
	"quiver", "memory_sync", "monologue_end", "message_loop",
	"collective center", "extras_persistent", "loop_data",
	"agent.system.tool", "superintendent", "harpoon", "boris_strike",
	"ghost_chorus", "epitaph", "perception_lock", "coaching",
	"corrective_disposition",
}

// smoothingPatterns catch obvious false balance.
var smoothingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)both.{0,20}valid`),
	regexp.MustCompile(`(?i)both.{0,20}merit`),
	regexp.MustCompile(`(?i)striking a balance`),
	regexp.MustCompile(`(?i)on one hand.{0,500}on the other`),
	regexp.MustCompile(`(?i)each perspective.{0,20}value`),
	regexp.MustCompile(`(?i)both sides.{0,20}important`),
}

var (
	codeFence = regexp.MustCompile("```[\\s\\S]*?```")
	jsonBlock = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// Verdict is the result of the validator ladder.
type Verdict struct {
	Pass        bool   `json:"pass"`
	FailureCode string `json:"failure_code,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
	CheckType   string `json:"check_type"`
}

func fail(code, checkType, evidence string) *Verdict {
	return &Verdict{FailureCode: code, CheckType: checkType, Evidence: evidence}
}

// checkGrounding flags a substrate with nothing, or almost nothing, but
// system-meta content. It returns nil when the substrate is usable.
func checkGrounding(storeA, storeB []string, metaThreshold float64) *Verdict {
	texts := make([]string, 0, len(storeA)+len(storeB))
	texts = append(texts, storeA...)
	texts = append(texts, storeB...)
	if len(texts) == 0 {
		return fail(invariant.CodeInsufficientGrounding, audit.CheckGrounding,
			"Both memory systems returned empty unique texts; no substrate to integrate.")
	}

	meta := 0
	for _, t := range texts {
		if isSystemMeta(t) {
			meta++
		}
	}
	ratio := float64(meta) / float64(len(texts))
	if ratio >= metaThreshold {
		return fail(invariant.CodeInsufficientGrounding, audit.CheckGrounding, fmt.Sprintf(
			"%d/%d unique texts (%.0f%%) are system-meta content. No domain-relevant substrate available for integration.",
			meta, len(texts), ratio*100))
	}
	return nil
}

func isSystemMeta(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range SystemMetaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// checkSmoothing matches false-balance phrasing in the prose of response.
// Code fences and JSON blocks are stripped first.
func checkSmoothing(response string) *Verdict {
	prose := codeFence.ReplaceAllString(response, "")
	prose = jsonBlock.ReplaceAllString(prose, "")
	for _, p := range smoothingPatterns {
		if p.MatchString(prose) {
			return fail(invariant.CodeSmoothingCollapse, audit.CheckRegex, fmt.Sprintf(
				"Pattern matched: '%s'; tension smoothed over without integration.",
				strings.TrimPrefix(p.String(), "(?i)")))
		}
	}
	return nil
}

const auditorSystem = "You are a memory integration auditor. Return ONLY valid JSON."

const auditPrompt = `Two memory systems disagreed about what is relevant to this conversation (topic novelty %s).

Episodic recall (store A) returned:
%s

Topological memory (store B) returned:
%s

Long-lived pattern anchors matched:
%s

The agent responded:
"""
%s
"""

Did the response genuinely integrate the divergent memory context, analyzing what each side contributes, rather than ignoring one side or smoothing the tension over?

Return ONLY valid JSON:
{
  "pass": true or false,
  "failure_code": "SIDE_IGNORED | SMOOTHING_COLLAPSE | ACKNOWLEDGED_NOT_INTEGRATED | PRIOR_DIVERGENCE | UNGROUNDED_SYNTHESIS, or null when passing",
  "evidence": "one sentence citing the response"
}`

// auditReply is the model's answer. A missing pass field means pass.
type auditReply struct {
	Pass        *bool   `json:"pass"`
	FailureCode *string `json:"failure_code"`
	Evidence    string  `json:"evidence"`
}

// audit asks the utility model to judge integration quality. Every error,
// empty reply or unparsable reply passes.
func (g *Gate) audit(ctx context.Context, response string, snap *divergence.Snapshot) *Verdict {
	ctx, cancel := context.WithTimeout(ctx, g.auditTimeout)
	defer cancel()

	anchors := snap.PatternAnchors
	if len(anchors) > 5 {
		anchors = anchors[:5]
	}
	prompt := fmt.Sprintf(auditPrompt,
		fmt.Sprintf("%.2f", snap.TopicNovelty),
		indentJSON(firstN(snap.StoreATexts, 5)),
		indentJSON(firstN(snap.StoreBTexts, 5)),
		indentJSON(anchors),
		sanitize.Truncate(g.redact(response), 2000),
	)

	g.metrics.recordModelCall(ctx)
	reply, err := g.caller.Call(ctx, auditorSystem, prompt)
	if err != nil {
		g.logger.Warn("utility model error, failing open", zap.Error(err))
		return &Verdict{Pass: true, CheckType: audit.CheckModel}
	}
	reply = llm.StripFences(reply)
	if reply == "" {
		return &Verdict{Pass: true, CheckType: audit.CheckModel, Evidence: "utility model returned nothing"}
	}

	var parsed auditReply
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		g.logger.Warn("utility model reply not JSON, failing open", zap.Error(err))
		return &Verdict{Pass: true, CheckType: audit.CheckModel}
	}

	v := &Verdict{Pass: true, CheckType: audit.CheckModel, Evidence: parsed.Evidence}
	if parsed.Pass != nil {
		v.Pass = *parsed.Pass
	}
	if !v.Pass {
		v.FailureCode = invariant.CodeUnknown
		if parsed.FailureCode != nil && *parsed.FailureCode != "" {
			v.FailureCode = *parsed.FailureCode
		}
	}
	return v
}

func firstN(texts []string, n int) []string {
	if texts == nil {
		return []string{}
	}
	if len(texts) > n {
		return texts[:n]
	}
	return texts
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}
