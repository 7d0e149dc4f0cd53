package ingest

import (
	"log/slog"
	"sync"
)

// DeadLetterEntry is one payload that failed to decode or process.
type DeadLetterEntry struct {
	Source  string
	Payload []byte
	Reason  string
}

// DeadLetter receives payloads the router could not process, per spec.md
// §4.2's DecodeFailed marker — recording one must never block the live
// stream.
type DeadLetter interface {
	Record(source string, payload []byte, reason string)
}

// LoggingDeadLetter logs every entry and keeps a bounded in-memory ring for
// inspection. A durable sink is a deployment concern spec.md's Non-goals
// leave unspecified.
type LoggingDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	cap     int
	logger  *slog.Logger
}

func NewLoggingDeadLetter(capacity int, logger *slog.Logger) *LoggingDeadLetter {
	return &LoggingDeadLetter{cap: capacity, logger: logger.With("component", "ingest.deadletter")}
}

func (d *LoggingDeadLetter) Record(source string, payload []byte, reason string) {
	d.logger.Error("dead-lettered message", "source", source, "reason", reason, "size", len(payload))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, DeadLetterEntry{Source: source, Payload: payload, Reason: reason})
	if len(d.entries) > d.cap {
		d.entries = d.entries[len(d.entries)-d.cap:]
	}
}

func (d *LoggingDeadLetter) Entries() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
