package sanitize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyPath is returned for a blank journal path.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrPathTraversal is returned for paths with ".." segments.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrNotJournal is returned when the path is not a regular .jsonl file.
	ErrNotJournal = errors.New("not a JSONL journal file")
)

// ValidateJournal resolves path to an absolute, symlink-free location and
// checks that it names an existing regular file ending in .jsonl.
func ValidateJournal(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrEmptyPath
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	if !strings.EqualFold(filepath.Ext(resolved), ".jsonl") {
		return "", fmt.Errorf("%w: %s", ErrNotJournal, resolved)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrNotJournal, resolved)
	}
	return resolved, nil
}
