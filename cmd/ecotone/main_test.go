package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"measure"},
		{"turn"},
		{"epitaph", "retrieve"},
		{"epitaph", "decay"},
		{"epitaph", "boost"},
		{"epitaph", "snapshot"},
		{"epitaph", "sync"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, turnCmd.Flags().Lookup("response"))
	assert.NotNil(t, epitaphBoostCmd.Flags().Lookup("delta"))
}

func TestReadResponse(t *testing.T) {
	t.Run("stdin", func(t *testing.T) {
		got, err := readResponse(strings.NewReader("  the ledger decides \n"), "-")
		require.NoError(t, err)
		assert.Equal(t, "the ledger decides", got)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "answer.txt")
		require.NoError(t, os.WriteFile(path, []byte("auctions where catch is observable\n"), 0o600))

		got, err := readResponse(nil, path)
		require.NoError(t, err)
		assert.Equal(t, "auctions where catch is observable", got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readResponse(nil, filepath.Join(t.TempDir(), "missing.txt"))
		assert.ErrorContains(t, err, "reading response")
	})
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"total_epitaphs": 2}))
	assert.Equal(t, "{\n  \"total_epitaphs\": 2\n}\n", buf.String())
}
