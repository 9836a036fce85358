// Package turn holds the mutable context shared by the divergence engine, the
// integrity gate and coaching retrieval for the span of one monologue.
//
// The engine is the only writer of the cache and high-tension slots. The gate
// is the only writer of retries and feedback.
package turn

import (
	"sync"

	"github.com/fyrsmithlabs/ecotone/internal/divergence"
)

// History is the conversation the gate may retract a response from.
type History interface {
	// PopLast removes the most recent message. It reports false when the
	// history was empty.
	PopLast() bool
}

// State is the turn-scoped key-value context. The zero value is ready to use
// and safe for concurrent access.
type State struct {
	mu sync.Mutex

	highTension *divergence.Snapshot
	cached      *divergence.Cached
	injection   string

	retries         int
	feedback        string
	lastFailureCode string

	coachedIDs []string
}

// New returns an empty state.
func New() *State {
	return &State{}
}

// Cached implements divergence.Memo.
func (s *State) Cached() *divergence.Cached {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return nil
	}
	c := *s.cached
	return &c
}

// SetCached implements divergence.Memo.
func (s *State) SetCached(c divergence.Cached) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &c
}

// SetHighTension implements divergence.Memo.
func (s *State) SetHighTension(snap *divergence.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highTension = snap
}

// SetInjection implements divergence.Memo.
func (s *State) SetInjection(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injection = text
}

// HighTension returns the snapshot flagged above threshold, or nil.
func (s *State) HighTension() *divergence.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highTension
}

// Injection returns the rendered prompt blocks of the last measurement.
func (s *State) Injection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injection
}

// Retries returns the gate retry counter.
func (s *State) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Feedback returns the staged gate feedback for the next prompt, or "".
func (s *State) Feedback() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedback
}

// StageRetry stores feedback and increments the retry counter.
func (s *State) StageRetry(feedback, failureCode string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = feedback
	s.lastFailureCode = failureCode
	s.retries++
	return s.retries
}

// ClearRetry resets the retry counter and staged feedback.
func (s *State) ClearRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = 0
	s.feedback = ""
}

// LastFailureCode returns the most recent gate failure code, or "".
func (s *State) LastFailureCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailureCode
}

// SetCoachedIDs records the epitaph ids surfaced as coaching.
func (s *State) SetCoachedIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coachedIDs = append([]string(nil), ids...)
}

// CoachedIDs returns a copy of the coached epitaph ids.
func (s *State) CoachedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.coachedIDs...)
}

// TakeCoachedIDs returns the coached ids and clears them.
func (s *State) TakeCoachedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.coachedIDs
	s.coachedIDs = nil
	return ids
}

// SliceHistory is an in-memory History.
type SliceHistory struct {
	mu       sync.Mutex
	messages []string
}

// Append adds a message.
func (h *SliceHistory) Append(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// PopLast implements History.
func (h *SliceHistory) PopLast() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) == 0 {
		return false
	}
	h.messages = h.messages[:len(h.messages)-1]
	return true
}

// Messages returns a copy of the messages.
func (h *SliceHistory) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

// Len returns the number of messages.
func (h *SliceHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}
