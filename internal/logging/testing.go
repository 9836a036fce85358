package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that records every entry at TraceLevel and above,
// context fields included.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger with the default config.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		logs:   logs,
	}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// Messages returns the recorded messages in order.
func (t *TestLogger) Messages() []string {
	entries := t.logs.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func (t *TestLogger) find(level zapcore.Level, snippet string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.logs.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, snippet) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged fails tb unless an entry at level contains snippet.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if len(t.find(level, snippet)) == 0 {
		tb.Errorf("no %v entry containing %q; have %q", level, snippet, t.Messages())
	}
}

// AssertNotLogged fails tb if an entry at level contains snippet.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if n := len(t.find(level, snippet)); n > 0 {
		tb.Errorf("found %d %v entries containing %q", n, level, snippet)
	}
}

// AssertField fails tb unless an entry containing snippet carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, snippet, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(snippet).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v", snippet, key, want)
}
