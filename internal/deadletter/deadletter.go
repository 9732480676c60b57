// Package deadletter defines the terminal record for non-retryable
// failures (excluding canceled results, which must never reach a sink).
package deadletter

import (
	"context"
	"log/slog"

	"github.com/xpert-ai/handoffbus/internal/envelope"
)

// Sink is the pluggable dead-letter implementation. Canceled results must
// never call Record.
type Sink interface {
	Record(ctx context.Context, msg envelope.Message, reason string) error
}

// LoggingSink logs at error level with type, id, traceId, reason. It is the
// always-present baseline sink; a persistent sink (sqlitesink.Sink) can be
// composed alongside it via Multi.
type LoggingSink struct {
	logger *slog.Logger
}

// NewLoggingSink creates a LoggingSink. logger must not be nil.
func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Record(ctx context.Context, msg envelope.Message, reason string) error {
	s.logger.Error("message dead-lettered",
		"message_type", msg.Type,
		"message_id", msg.ID,
		"trace_id", msg.TraceID,
		"reason", reason,
		"attempt", msg.Attempt,
		"max_attempts", msg.MaxAttempts,
	)
	return nil
}

// Multi fans a Record call out to every sink in order, continuing past a
// failing sink rather than aborting the batch (mirroring the gateway's
// removeJobs failure-tolerance idiom).
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti composes sinks in order.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Record(ctx context.Context, msg envelope.Message, reason string) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, msg, reason); err != nil {
			if m.logger != nil {
				m.logger.Error("dead letter sink failed", "message_id", msg.ID, "error", err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
