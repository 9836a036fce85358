package secrets

import (
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"

func newRedactor(t *testing.T, allowlist string) *Redactor {
	t.Helper()
	r, err := New(config.SecretsConfig{Enabled: true, AllowlistPath: allowlist}, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestNew_Disabled(t *testing.T) {
	r, err := New(config.SecretsConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestNew_BadAllowlist(t *testing.T) {
	path := writeAllowlist(t, `[allowlist]
regexes = ['''(''']
`)
	_, err := New(config.SecretsConfig{Enabled: true, AllowlistPath: path}, nil)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestRedactor_NilPassthrough(t *testing.T) {
	var r *Redactor
	text := `const key = "` + apiKey + `"`

	assert.Nil(t, r.Detect(text))
	out, n := r.Redact(text)
	assert.Equal(t, text, out)
	assert.Zero(t, n)
	assert.Equal(t, text, r.RedactString(text))
}

func TestRedactor_NoSecrets(t *testing.T) {
	r := newRedactor(t, filepath.Join(t.TempDir(), "absent.toml"))
	text := "The pilot data and the commons literature point in different directions."

	out, n := r.Redact(text)
	assert.Equal(t, text, out)
	assert.Zero(t, n)
	assert.Empty(t, r.Detect(""))
}

func TestRedactor_RedactsDetectedSecret(t *testing.T) {
	r := newRedactor(t, "")
	text := `export OPENAI_API_KEY="` + apiKey + `"`

	findings := r.Detect(text)
	if len(findings) == 0 {
		t.Skip("gitleaks rule set did not flag the fixture key")
	}

	out, n := r.Redact(text)
	assert.Equal(t, len(findings), n)
	assert.NotContains(t, out, apiKey)
	assert.Contains(t, out, "[REDACTED:")
	assert.Equal(t, out, r.RedactString(text))

	// detectors are rebuilt per call, so findings do not accumulate
	assert.Len(t, r.Detect(text), len(findings))
}

func TestRedactor_AllowlistSuppresses(t *testing.T) {
	text := `export OPENAI_API_KEY="` + apiKey + `"`
	if len(newRedactor(t, "").Detect(text)) == 0 {
		t.Skip("gitleaks rule set did not flag the fixture key")
	}

	path := writeAllowlist(t, `[allowlist]
regexes = ['''sk-proj-abcdefghijklmnop.*''']
`)
	r := newRedactor(t, path)
	out, n := r.Redact(text)
	assert.Zero(t, n)
	assert.Equal(t, text, out)
}
