package invariant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJournal(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestJournalSyncer_Sync(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "epitaph_database.jsonl")
	statePath := filepath.Join(dir, "state", "sync.json")

	writeJournal(t, journal,
		`{"text": "ignored structure", "collapse_mode": "dropped store b", "trigger_signature": "sparse graph", "context_shape": "integration_gap", "failure_code": "SIDE_IGNORED"}`,
		``,
		`not json`,
		`{"text": "I kept agreeing with both memories without choosing between them at all"}`,
	)

	s, backend, _ := newTestStore(t)
	caller := &recordingCaller{err: errors.New("model offline")}
	syncer := NewJournalSyncer(caller, &fakeEmbedder{}, s, statePath, nil)

	n, err := syncer.Sync(context.Background(), journal)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, backend.Len())
	assert.Len(t, caller.prompts, 1, "only the entry without structure is sent to the model")

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_synced_line": 4}`, string(data))

	hits, err := backend.Search(context.Background(), make([]float32, 4), 10)
	require.NoError(t, err)
	var events []string
	for _, h := range hits {
		ep, ok := FromMetadata(h.ID, h.Metadata)
		require.True(t, ok)
		assert.Equal(t, 0.60, ep.Weight)
		assert.Equal(t, BandMedium, ep.DriftBand)
		assert.Equal(t, "journal", ep.Source)
		events = append(events, ep.SourceEvent)
		if ep.FailureCode == CodeJournalObservation {
			assert.Equal(t, "I kept agreeing with both memories without choosin", ep.CollapseMode)
			assert.Equal(t, "journal_entry", ep.TriggerSignature)
			assert.Equal(t, ShapeUnclassified, ep.ContextShape)
		} else {
			assert.Equal(t, ShapeIntegrationGap, ep.ContextShape)
		}
	}
	assert.ElementsMatch(t, []string{
		"journal_epitaph_database.jsonl_0",
		"journal_epitaph_database.jsonl_3",
	}, events)

	// nothing new
	n, err = syncer.Sync(context.Background(), journal)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"text": "anchored too late"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	caller.err = nil
	caller.reply = `{"collapse_mode": "late anchoring", "trigger_signature": "long history", "context_shape_guess": "Anchor Departure"}`
	n, err = syncer.Sync(context.Background(), journal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, backend.Len())
	assert.Contains(t, caller.prompts[1], `"text":"anchored too late"`)
}

func TestJournalSyncer_ExtractedShape(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "j.jsonl")
	writeJournal(t, journal, `{"text": "anchored too late"}`)

	s, _, _ := newTestStore(t)
	caller := &recordingCaller{reply: `{"collapse_mode": "late anchoring", "trigger_signature": "long history", "context_shape_guess": "Anchor Departure"}`}
	syncer := NewJournalSyncer(caller, &fakeEmbedder{}, s, filepath.Join(dir, "state.json"), nil)

	n, err := syncer.Sync(context.Background(), journal)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hash := DedupeHash(CodeJournalObservation, ShapeAnchorDeparture, "late anchoring")
	ep, err := s.Get(context.Background(), EpitaphID(CodeJournalObservation, hash))
	require.NoError(t, err)
	assert.Equal(t, ShapeAnchorDeparture, ep.ContextShape)
	assert.Equal(t, "long history", ep.TriggerSignature)
	assert.Equal(t, "journal_j.jsonl_0", ep.SourceEvent)
}

func TestJournalSyncer_CorruptStateRefuses(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "j.jsonl")
	statePath := filepath.Join(dir, "state.json")
	writeJournal(t, journal, `{"collapse_mode": "x", "trigger_signature": "y"}`)
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o644))

	s, backend, _ := newTestStore(t)
	syncer := NewJournalSyncer(nil, &fakeEmbedder{}, s, statePath, nil)

	n, err := syncer.Sync(context.Background(), journal)
	assert.ErrorIs(t, err, ErrCorruptSyncState)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, backend.Len())

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestJournalSyncer_MissingJournalAndEmbeddingFailure(t *testing.T) {
	dir := t.TempDir()
	s, backend, _ := newTestStore(t)

	syncer := NewJournalSyncer(nil, &fakeEmbedder{}, s, filepath.Join(dir, "state.json"), nil)
	n, err := syncer.Sync(context.Background(), filepath.Join(dir, "missing.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	journal := filepath.Join(dir, "j.jsonl")
	writeJournal(t, journal, `{"text": "x"}`)
	syncer = NewJournalSyncer(nil, &fakeEmbedder{err: errors.New("down")}, s, filepath.Join(dir, "state.json"), nil)
	n, err = syncer.Sync(context.Background(), journal)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, backend.Len(), "no zero-vector records are created")
}
