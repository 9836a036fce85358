package sanitize

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "already canonical", input: "early_collapse", expected: "early_collapse"},
		{name: "spaces", input: "Early Collapse", expected: "early_collapse"},
		{name: "hyphens", input: "anchor-departure", expected: "anchor_departure"},
		{name: "multiple underscores collapsed", input: "foo___bar", expected: "foo_bar"},
		{name: "leading/trailing underscores trimmed", input: "_foo_bar_", expected: "foo_bar"},
		{name: "empty string", input: "", expected: DefaultIdentifier},
		{name: "only specials", input: "!!!", expected: DefaultIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Identifier(tt.input)
			if result != tt.expected {
				t.Errorf("Identifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIdentifier_LengthLimit(t *testing.T) {
	result1 := Identifier(strings.Repeat("a", 100))
	result2 := Identifier(strings.Repeat("a", 99) + "b")

	if len(result1) > MaxIdentifierLength {
		t.Errorf("Identifier should be <= %d chars, got %d", MaxIdentifierLength, len(result1))
	}
	if result1 == result2 {
		t.Error("Different inputs should produce different hashed outputs")
	}

	exact := strings.Repeat("a", MaxIdentifierLength)
	if got := Identifier(exact); got != exact {
		t.Errorf("Input at max length should not be modified, got %q", got)
	}
}

func TestTruncateAndTail(t *testing.T) {
	tests := []struct {
		in       string
		n        int
		truncate string
		tail     string
	}{
		{in: "hello", n: 10, truncate: "hello", tail: "hello"},
		{in: "hello", n: 3, truncate: "hel", tail: "llo"},
		{in: "héllo", n: 2, truncate: "hé", tail: "lo"},
		{in: "日本語テキスト", n: 3, truncate: "日本語", tail: "キスト"},
		{in: "abc", n: 0, truncate: "", tail: ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.truncate {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.truncate)
		}
		if got := Tail(tt.in, tt.n); got != tt.tail {
			t.Errorf("Tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.tail)
		}
	}
}

func TestShortHash(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea"
	if got := ShortHash("abc"); got != want {
		t.Errorf("ShortHash(abc) = %q, want %q", got, want)
	}
	if len(HexDigest("abc")) != 64 {
		t.Error("HexDigest should be 64 hex characters")
	}
}

func TestValidateJournal(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "epitaphs.jsonl")
	if err := os.WriteFile(journal, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "dir.jsonl"), 0o700); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{name: "empty path", path: "  ", wantErr: ErrEmptyPath},
		{name: "traversal", path: dir + "/../x.jsonl", wantErr: ErrPathTraversal},
		{name: "relative traversal", path: "../etc/passwd", wantErr: ErrPathTraversal},
		{name: "wrong extension", path: filepath.Join(dir, "notes.txt"), wantErr: ErrNotJournal},
		{name: "directory", path: filepath.Join(dir, "dir.jsonl"), wantErr: ErrNotJournal},
		{name: "missing", path: filepath.Join(dir, "absent.jsonl"), wantErr: os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateJournal(tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateJournal() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := ValidateJournal(journal)
	if err != nil {
		t.Fatalf("ValidateJournal() unexpected error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(journal)
	if got != want {
		t.Errorf("ValidateJournal() = %q, want %q", got, want)
	}
}
