package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Redactor replaces detected secrets with [REDACTED:rule-id] markers. A nil
// or disabled Redactor returns text unchanged.
type Redactor struct {
	rules  gitleaksConfig.Config
	logger *zap.Logger
}

// New loads the default Gitleaks rules plus the configured allowlist.
// It returns nil, nil when redaction is disabled.
func New(cfg config.SecretsConfig, logger *zap.Logger) (*Redactor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allow, err := LoadAllowlist(config.ExpandPath(cfg.AllowlistPath))
	if err != nil {
		return nil, err
	}

	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	rules := base.Config
	if len(allow.Regexes) > 0 {
		applyAllowlist(&rules, allow)
	}

	logger.Debug("secret redaction enabled",
		zap.Int("rules", len(rules.Rules)),
		zap.Int("allowlist", len(allow.Regexes)),
	)
	return &Redactor{rules: rules, logger: logger}, nil
}

// Detect scans content. A fresh detector is used per call because Gitleaks
// detectors accumulate findings.
func (r *Redactor) Detect(content string) []Finding {
	if r == nil || content == "" {
		return nil
	}
	found := detect.NewDetector(r.rules).DetectString(content)
	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out
}

// Redact returns content with every detected secret replaced, and the number
// of findings.
func (r *Redactor) Redact(content string) (string, int) {
	findings := r.Detect(content)
	if len(findings) == 0 {
		return content, 0
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	for _, f := range findings {
		content = strings.ReplaceAll(content, f.Match, "[REDACTED:"+f.RuleID+"]")
	}

	r.logger.Debug("redacted secrets", zap.Int("findings", len(findings)))
	return content, len(findings)
}

// RedactString is Redact without the count.
func (r *Redactor) RedactString(content string) string {
	out, _ := r.Redact(content)
	return out
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "ecotone allowlist",
	}
	for _, pattern := range allow.Regexes {
		// validated by LoadAllowlist
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allow.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
