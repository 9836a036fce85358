package turn

import (
	"testing"

	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ divergence.Memo = (*State)(nil)

func TestState_Memo(t *testing.T) {
	s := New()
	assert.Nil(t, s.Cached())
	assert.Nil(t, s.HighTension())

	snap := &divergence.Snapshot{TopicNovelty: 0.8}
	s.SetHighTension(snap)
	s.SetCached(divergence.Cached{QueryEmbedding: []float32{1, 0}, Snapshot: snap})
	s.SetInjection("[ANCHOR TENSION: 0.80]")

	assert.Same(t, snap, s.HighTension())
	c := s.Cached()
	require.NotNil(t, c)
	assert.Same(t, snap, c.Snapshot)
	assert.Equal(t, "[ANCHOR TENSION: 0.80]", s.Injection())

	s.SetHighTension(nil)
	assert.Nil(t, s.HighTension())
}

func TestState_Retries(t *testing.T) {
	s := New()
	assert.Equal(t, 1, s.StageRetry("[ECOTONE GATE FAILURE: SIDE_IGNORED] x", "SIDE_IGNORED"))
	assert.Equal(t, 2, s.StageRetry("again", "SIDE_IGNORED"))
	assert.Equal(t, "again", s.Feedback())
	assert.Equal(t, "SIDE_IGNORED", s.LastFailureCode())

	s.ClearRetry()
	assert.Equal(t, 0, s.Retries())
	assert.Empty(t, s.Feedback())
	assert.Equal(t, "SIDE_IGNORED", s.LastFailureCode())
}

func TestState_CoachedIDs(t *testing.T) {
	s := New()
	ids := []string{"epitaph:a:1", "epitaph:b:2"}
	s.SetCoachedIDs(ids)
	ids[0] = "mutated"

	assert.Equal(t, []string{"epitaph:a:1", "epitaph:b:2"}, s.CoachedIDs())
	assert.Equal(t, []string{"epitaph:a:1", "epitaph:b:2"}, s.TakeCoachedIDs())
	assert.Empty(t, s.CoachedIDs())
}

func TestSliceHistory(t *testing.T) {
	var h SliceHistory
	assert.False(t, h.PopLast())
	h.Append("user")
	h.Append("assistant")
	assert.True(t, h.PopLast())
	assert.Equal(t, []string{"user"}, h.Messages())
	assert.Equal(t, 1, h.Len())
}
