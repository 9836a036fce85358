package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds content patterns that are never redacted.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads an allowlist file of the form
//
//	[allowlist]
//	regexes = ["EXAMPLE_KEY", "sk-test-[a-z]+"]
//
// A missing file, or an empty path, yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}
