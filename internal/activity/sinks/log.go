package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity"
)

// LogSink emits structured logs for debugging milestone streams. It is useful
// during development or audits.
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
func (s *LogSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		s.logger.Info("activity event",
			zap.String("submission_id", evt.SubmissionID.String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("section_type", evt.SectionType),
			zap.String("outcome", evt.Outcome),
			zap.Int("listeners", evt.Listeners),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
