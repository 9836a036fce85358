package invariant

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/sanitize"
	"go.uber.org/zap"
)

// ErrCorruptSyncState is returned when the sync state file cannot be parsed.
// The sync is refused and the state file left untouched.
var ErrCorruptSyncState = errors.New("corrupt journal sync state")

const (
	journalWeight  = 0.60
	journalTrigger = "journal_entry"
)

const journalExtractionPrompt = `Extract the structural pattern from this journal epitaph.

Entry: %s

Return ONLY valid JSON with these fields:
{
  "collapse_mode": "what went wrong, 3-5 words",
  "corrective_disposition": "what posture prevents this, one sentence",
  "trigger_signature": "what conditions trigger this, 3-5 words",
  "context_shape_guess": "best match from: integration_gap, early_collapse, substrate_poverty, performative_integration, anchor_departure, ungrounded_synthesis, converging_constraints, identity_pressure, novel_territory"
}

JSON only.`

type syncState struct {
	LastSyncedLine int `json:"last_synced_line"`
}

// journalEntry is one line of a hand-written epitaph journal.
type journalEntry struct {
	Text                  string `json:"text"`
	CollapseMode          string `json:"collapse_mode"`
	CorrectiveDisposition string `json:"corrective_disposition"`
	TriggerSignature      string `json:"trigger_signature"`
	ContextShape          string `json:"context_shape"`
	FailureCode           string `json:"failure_code"`
}

// JournalSyncer imports a JSONL epitaph journal into the store, resuming
// after the last line it synced.
type JournalSyncer struct {
	caller    llm.Caller
	embedder  Embedder
	store     *Store
	statePath string
	logger    *zap.Logger
}

// NewJournalSyncer creates a syncer. caller may be nil, in which case
// entries without structured fields fall back to their text.
func NewJournalSyncer(caller llm.Caller, embedder Embedder, store *Store, statePath string, logger *zap.Logger) *JournalSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalSyncer{
		caller:    caller,
		embedder:  embedder,
		store:     store,
		statePath: statePath,
		logger:    logger,
	}
}

// Sync imports the lines of path added since the previous run and returns
// how many epitaphs were created or boosted. A missing journal syncs nothing.
func (s *JournalSyncer) Sync(ctx context.Context, path string) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading journal: %w", err)
	}

	state, err := s.loadState()
	if err != nil {
		s.logger.Warn("journal sync refused", zap.String("state", s.statePath), zap.Error(err))
		return 0, err
	}
	if len(lines) <= state.LastSyncedLine {
		return 0, nil
	}

	base := filepath.Base(path)
	synced := 0
	for i := state.LastSyncedLine; i < len(lines); i++ {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Debug("skipping malformed journal line", zap.Int("line", i), zap.Error(err))
			continue
		}
		if s.syncEntry(ctx, entry, fmt.Sprintf("journal_%s_%d", base, i)) {
			synced++
		}
	}

	if err := s.saveState(syncState{LastSyncedLine: len(lines)}); err != nil {
		return synced, fmt.Errorf("saving sync state: %w", err)
	}
	s.logger.Info("journal synced", zap.String("journal", path), zap.Int("synced", synced))
	return synced, nil
}

func (s *JournalSyncer) syncEntry(ctx context.Context, entry journalEntry, sourceEvent string) bool {
	collapse := entry.CollapseMode
	disposition := entry.CorrectiveDisposition
	trigger := entry.TriggerSignature
	shape := orDefault(entry.ContextShape, ShapeUnclassified)
	code := orDefault(entry.FailureCode, CodeJournalObservation)

	if collapse == "" && s.caller != nil {
		ex, err := s.extract(ctx, entry)
		if err != nil {
			s.logger.Debug("journal extraction failed", zap.String("source_event", sourceEvent), zap.Error(err))
			collapse = sanitize.Truncate(orDefault(entry.Text, "unextracted journal observation"), 50)
			disposition = ""
			trigger = journalTrigger
		} else {
			collapse = orDefault(ex.CollapseMode, defaultCollapse)
			disposition = ex.CorrectiveDisposition
			trigger = orDefault(ex.TriggerSignature, defaultTrigger)
			shape = NormalizeShape(orDefault(ex.ContextShapeGuess, ShapeUnclassified))
		}
	}
	if collapse == "" {
		collapse = sanitize.Truncate(orDefault(entry.Text, "unextracted"), 50)
	}
	if trigger == "" {
		trigger = journalTrigger
	}
	shape = NormalizeShape(shape)

	vec, err := s.embedder.EmbedQuery(ctx, Summary(shape, collapse, trigger))
	if err != nil {
		s.logger.Warn("skipping journal entry, embedding failed", zap.String("source_event", sourceEvent), zap.Error(err))
		return false
	}

	if _, err := s.store.Create(ctx, Fields{
		Vector:                vec,
		ContextShape:          shape,
		CollapseMode:          collapse,
		CorrectiveDisposition: disposition,
		TriggerSignature:      trigger,
		DriftBand:             BandMedium,
		Weight:                journalWeight,
		FailureCode:           code,
		Source:                sourceJournal,
		SourceEvent:           sourceEvent,
	}); err != nil {
		s.logger.Warn("journal epitaph not stored", zap.String("source_event", sourceEvent), zap.Error(err))
		return false
	}
	return true
}

func (s *JournalSyncer) extract(ctx context.Context, entry journalEntry) (extraction, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return extraction{}, err
	}
	reply, err := s.caller.Call(ctx, extractorSystem, fmt.Sprintf(journalExtractionPrompt, raw))
	if err != nil {
		return extraction{}, err
	}
	return parseExtraction(reply)
}

func (s *JournalSyncer) loadState() (syncState, error) {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syncState{}, nil
		}
		return syncState{}, fmt.Errorf("reading sync state: %w", err)
	}
	var st syncState
	if err := json.Unmarshal(data, &st); err != nil {
		return syncState{}, fmt.Errorf("%w: %v", ErrCorruptSyncState, err)
	}
	if st.LastSyncedLine < 0 {
		return syncState{}, fmt.Errorf("%w: negative line %d", ErrCorruptSyncState, st.LastSyncedLine)
	}
	return st, nil
}

// saveState replaces the state file atomically.
func (s *JournalSyncer) saveState(st syncState) error {
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), ".sync-state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.statePath)
}

// readLines returns every line of path, blank lines included, so line
// numbers stay stable across runs.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
