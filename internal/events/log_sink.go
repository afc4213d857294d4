package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/observability"
)

// LogSink writes every event to the audit log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{zap.String("event", string(ev.Type)), zap.String("event_id", ev.ID)}
	if ev.IssueID != "" {
		fields = append(fields, observability.IssueID(ev.IssueID))
	}
	if ev.DecisionID != "" {
		fields = append(fields, observability.DecisionID(ev.DecisionID))
	}
	if ev.ExecutionID != "" {
		fields = append(fields, observability.ExecutionID(ev.ExecutionID))
	}
	if ev.Stage != "" {
		fields = append(fields, observability.Stage(ev.Stage))
	}
	if ev.Summary != "" {
		fields = append(fields, zap.String("summary", ev.Summary))
	}
	s.logger.Info("Lifecycle event", fields...)
	return nil
}
