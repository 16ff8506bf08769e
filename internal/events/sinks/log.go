package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/events"
)

// LogSink emits one structured log line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("item_id", evt.ItemID),
			zap.String("owner", evt.Owner),
			zap.String("status", string(evt.Status)),
			zap.Int("attempt", evt.Attempt),
		}
		if evt.FailureReason != "" {
			fields = append(fields, zap.String("failure_reason", evt.FailureReason))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Info("lifecycle event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
