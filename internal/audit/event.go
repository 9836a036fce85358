// Package audit provides the fire-and-forget event sinks used by the
// divergence, gate and invariant components.
//
// Every Sink implementation swallows its own failures: Write never returns
// an error and never panics into the caller.
package audit

import (
	"encoding/json"
	"time"
)

// Event types. The set is closed; emitters use these constants only.
const (
	EventChorusActivation = "chorus_activation"
	EventChorusSilence    = "chorus_silence"
	EventChorusOutcome    = "chorus_outcome"
	EventEpitaphCreated   = "epitaph_created"
	EventEpitaphBoosted   = "epitaph_boosted"
	EventEpitaphDecayed   = "epitaph_decayed"
	EventEpitaphRetrieved = "epitaph_retrieved"
	EventVolumeSnapshot   = "volume_snapshot"
)

// TrustTier is attached to every event. Events only observe; they never
// enforce.
const TrustTier = "detect"

// Fields carries event-specific payload.
type Fields map[string]any

// Event is one telemetry record.
type Event struct {
	Timestamp time.Time
	Type      string
	Fields    Fields
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(eventType string, fields Fields) Event {
	return Event{Timestamp: time.Now().UTC(), Type: eventType, Fields: fields}
}

// MarshalJSON flattens the event into a single object. Payload keys never
// override timestamp, event_type or trust_tier.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out["event_type"] = e.Type
	out["trust_tier"] = TrustTier
	return json.Marshal(out)
}

// Sink receives events. Implementations must not block for long and must
// never surface errors.
type Sink interface {
	Write(Event)
}

// Emit is a convenience for sink.Write(NewEvent(...)) that tolerates a nil
// sink.
func Emit(sink Sink, eventType string, fields Fields) {
	if sink == nil {
		return
	}
	sink.Write(NewEvent(eventType, fields))
}
