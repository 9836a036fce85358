// Package sanitize provides the shared text helpers used when building
// excerpts, record identifiers and content hashes.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

const (
	// MaxIdentifierLength is the maximum length of a sanitized identifier.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of the hash suffix added to truncated identifiers.
	// Format: _<8-char-hash> = 9 characters total
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier folds a free-form label into lowercase snake case.
//
// Rules applied:
//   - Converts to lowercase
//   - Replaces invalid characters with underscores
//   - Collapses multiple underscores
//   - Trims leading/trailing underscores
//   - Truncates to MaxIdentifierLength with hash suffix if too long
//   - Returns DefaultIdentifier if result would be empty
//
// Examples:
//
//	"Early Collapse"  -> "early_collapse"
//	"anchor-departure" -> "anchor_departure"
//	"" or "!!!"       -> "default"
func Identifier(s string) string {
	if s == "" {
		return DefaultIdentifier
	}

	s = strings.ToLower(s)

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}

	sanitized := result.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return DefaultIdentifier
	}

	if len(sanitized) > MaxIdentifierLength {
		sanitized = truncateWithHash(sanitized)
	}

	return sanitized
}

// truncateWithHash truncates a string to fit within MaxIdentifierLength,
// appending a hash suffix to preserve uniqueness.
//
// Format: <truncated>_<8-char-hash>
func truncateWithHash(s string) string {
	hashSuffix := "_" + HexDigest(s)[:8]

	maxBase := MaxIdentifierLength - HashSuffixLength
	truncated := strings.TrimRight(s[:maxBase], "_")

	return truncated + hashSuffix
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Tail returns at most the last n runes of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	i := 0
	for pos := range s {
		if i == skip {
			return s[pos:]
		}
		i++
	}
	return ""
}

// HexDigest returns the hex-encoded SHA-256 of s.
func HexDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex characters of the SHA-256 of s.
func ShortHash(s string) string {
	return HexDigest(s)[:16]
}
