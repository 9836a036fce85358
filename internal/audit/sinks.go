package audit

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// FileSink writes events to a date-partitioned JSONL journal.
type FileSink struct {
	journal *Journal
	logger  *zap.Logger
}

// NewFileSink creates a sink writing under dir.
func NewFileSink(dir string, logger *zap.Logger) *FileSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{journal: NewJournal(dir), logger: logger}
}

// Write appends the event; failures are logged at debug and dropped.
func (s *FileSink) Write(e Event) {
	if err := s.journal.Append(e); err != nil {
		s.logger.Debug("audit event dropped",
			zap.String("event_type", e.Type),
			zap.Error(err),
		)
	}
}

// NATSSink publishes each event to <subject>.<event_type>.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSSink creates a sink publishing on conn.
func NewNATSSink(conn *nats.Conn, subject string, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{conn: conn, subject: subject, logger: logger}
}

// Write publishes the event; a closed or nil connection drops it.
func (s *NATSSink) Write(e Event) {
	if s.conn == nil || s.conn.IsClosed() {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("audit event not serializable", zap.String("event_type", e.Type), zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.subject+"."+e.Type, data); err != nil {
		s.logger.Debug("audit event publish failed", zap.String("event_type", e.Type), zap.Error(err))
	}
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Write forwards e to every non-nil sink.
func (m MultiSink) Write(e Event) {
	for _, s := range m {
		if s != nil {
			s.Write(e)
		}
	}
}

// NopSink discards events.
type NopSink struct{}

// Write does nothing.
func (NopSink) Write(Event) {}

// MemorySink records events in memory. Used by tests and the CLI.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write records e.
func (m *MemorySink) Write(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of everything recorded.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of one type, in order.
func (m *MemorySink) ByType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
