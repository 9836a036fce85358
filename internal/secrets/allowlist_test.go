package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAllowlist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAllowlist(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		allow, err := LoadAllowlist("")
		require.NoError(t, err)
		assert.Empty(t, allow.Regexes)
	})

	t.Run("missing file", func(t *testing.T) {
		allow, err := LoadAllowlist(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Empty(t, allow.Regexes)
	})

	t.Run("valid file", func(t *testing.T) {
		path := writeAllowlist(t, `[allowlist]
regexes = [
  '''DEMO_API_KEY''',
  '''EXAMPLE_SECRET_.*'''
]
`)
		allow, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"DEMO_API_KEY", "EXAMPLE_SECRET_.*"}, allow.Regexes)
	})

	t.Run("bad regex", func(t *testing.T) {
		path := writeAllowlist(t, `[allowlist]
regexes = ['''[unclosed''']
`)
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidRegex)
	})

	t.Run("bad toml", func(t *testing.T) {
		path := writeAllowlist(t, "[allowlist\nregexes = ")
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidTOML)
	})
}
