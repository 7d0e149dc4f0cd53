package publish

import (
	"context"
	"log/slog"
)

// LogSink is the default Sink: it writes every event to the structured
// logger instead of a message bus. Wiring a real bus (Kafka, NATS, ...) is
// a deployment concern this engine's Non-goals leave unspecified, so this
// is what ships until an operator plugs in a concrete one.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "publish.logsink")}
}

func (s *LogSink) Publish(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		s.logger.Info("published event", "type", e.Type, "key", e.Key, "version", e.Version, "consumer_key", e.ConsumerKey())
	}
	return nil
}
