// Package secrets redacts credentials from agent text using the Gitleaks
// rule set.
package secrets

import "errors"

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)
