package audit

import (
	"encoding/json"
	"time"
)

// Gate check types.
const (
	CheckGrounding = "grounding_check"
	CheckRegex     = "regex_precheck"
	CheckModel     = "utility_model"
)

// GateEntry is one integrity gate journal record.
type GateEntry struct {
	Timestamp          time.Time `json:"timestamp"`
	DriftScore         float64   `json:"drift_score"`
	FailureCode        string    `json:"failure_code"`
	CheckType          string    `json:"check_type"`
	Evidence           string    `json:"evidence"`
	ResponseHash       string    `json:"response_hash"`
	RetryNumber        int       `json:"retry_number"`
	ShallowPass        bool      `json:"shallow_pass"`
	PatternAnchors     int       `json:"pattern_anchors"`
	ChorusEpitaphCount int       `json:"chorus_epitaph_count"`
}

// GateEntries returns the parseable gate records journaled on the UTC day of
// t. Malformed lines are skipped.
func (j *Journal) GateEntries(t time.Time) ([]GateEntry, error) {
	lines, err := j.Lines(t)
	if err != nil {
		return nil, err
	}
	out := make([]GateEntry, 0, len(lines))
	for _, line := range lines {
		var e GateEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
