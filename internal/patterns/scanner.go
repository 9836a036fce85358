// Package patterns scans text for terms declared in long-lived "priors" rule
// files.
//
// Rule files live in one directory and look like
//
//	{"id": "...", "domain": "...", "patterns": {"detect": ["term", ...]}}
//
// in JSON, YAML or TOML. All terms are compiled into one case-insensitive
// alternation, longest term first, so overlapping hits resolve to the longer
// term.
package patterns

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// DefaultDomain is used when a rule file omits its domain.
const DefaultDomain = "priors"

// Anchor is one term hit.
type Anchor struct {
	Term     string `json:"term"`
	ModuleID string `json:"module_id"`
	Domain   string `json:"domain"`
	Position int    `json:"position"`
}

// Rule is one declarative rule file.
type Rule struct {
	ID       string `koanf:"id" toml:"id"`
	Domain   string `koanf:"domain" toml:"domain"`
	Patterns struct {
		Detect []string `koanf:"detect" toml:"detect"`
	} `koanf:"patterns" toml:"patterns"`
}

type entry struct {
	moduleID string
	domain   string
}

// Scanner matches rule terms in text. The zero value matches nothing. A
// Scanner is safe for concurrent use.
type Scanner struct {
	matcher *regexp.Regexp
	lookup  map[string]entry
}

// NewScanner compiles rules. Terms are lowercased; when two rules declare the
// same term the later one wins.
func NewScanner(rules []Rule) *Scanner {
	lookup := make(map[string]entry)
	for _, r := range rules {
		domain := r.Domain
		if domain == "" {
			domain = DefaultDomain
		}
		for _, term := range r.Patterns.Detect {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			lookup[term] = entry{moduleID: r.ID, domain: domain}
		}
	}
	if len(lookup) == 0 {
		return &Scanner{}
	}

	terms := make([]string, 0, len(lookup))
	for t := range lookup {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	escaped := make([]string, len(terms))
	for i, t := range terms {
		escaped[i] = regexp.QuoteMeta(t)
	}

	return &Scanner{
		matcher: regexp.MustCompile("(?i)" + strings.Join(escaped, "|")),
		lookup:  lookup,
	}
}

// Len returns the number of distinct terms.
func (s *Scanner) Len() int {
	if s == nil {
		return 0
	}
	return len(s.lookup)
}

// Scan returns the first hit of each distinct term in order of appearance.
// Positions are byte offsets into the lowercased text.
func (s *Scanner) Scan(text string) []Anchor {
	if s == nil || s.matcher == nil || text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	seen := make(map[string]bool)
	var out []Anchor
	for _, loc := range s.matcher.FindAllStringIndex(lower, -1) {
		term := lower[loc[0]:loc[1]]
		if seen[term] {
			continue
		}
		seen[term] = true
		e, ok := s.lookup[term]
		if !ok {
			continue
		}
		out = append(out, Anchor{Term: term, ModuleID: e.moduleID, Domain: e.domain, Position: loc[0]})
	}
	return out
}

// LoadDir reads every .json, .yaml, .yml and .toml file in dir, sorted by
// name. Unreadable or malformed files are skipped with a warning. A missing
// directory yields no rules.
func LoadDir(dir string, logger *zap.Logger) ([]Rule, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading patterns dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []Rule
	for _, name := range names {
		path := filepath.Join(dir, name)
		rule, err := loadFile(path)
		if errors.Is(err, errUnsupportedExt) {
			continue
		}
		if err != nil {
			logger.Warn("skipping pattern rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

var errUnsupportedExt = errors.New("unsupported rule file extension")

func loadFile(path string) (Rule, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var rule Rule

	switch ext {
	case ".json", ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return rule, err
		}
		// JSON is valid YAML, so one parser covers both.
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return rule, fmt.Errorf("parsing: %w", err)
		}
		if err := k.Unmarshal("", &rule); err != nil {
			return rule, fmt.Errorf("decoding: %w", err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &rule); err != nil {
			return rule, fmt.Errorf("parsing: %w", err)
		}
	default:
		return rule, errUnsupportedExt
	}

	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return rule, nil
}

// Cache loads and compiles the rule directory once, on first use.
type Cache struct {
	dir    string
	logger *zap.Logger

	once    sync.Once
	scanner *Scanner
}

// NewCache creates a lazily-loaded scanner for dir.
func NewCache(dir string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, logger: logger}
}

// Scanner returns the compiled scanner. Load failures yield an empty scanner.
func (c *Cache) Scanner() *Scanner {
	c.once.Do(func() {
		rules, err := LoadDir(c.dir, c.logger)
		if err != nil {
			c.logger.Warn("pattern rules unavailable", zap.String("dir", c.dir), zap.Error(err))
		}
		c.scanner = NewScanner(rules)
		c.logger.Debug("pattern scanner compiled",
			zap.Int("rules", len(rules)),
			zap.Int("terms", c.scanner.Len()),
		)
	})
	return c.scanner
}

// Scan is shorthand for Scanner().Scan(text).
func (c *Cache) Scan(text string) []Anchor {
	return c.Scanner().Scan(text)
}
