package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// LogSink writes each cycle event as a structured log line. Final stages log
// at info (errors at warn); intermediate stages log at debug.
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
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageCycleError, progress.StageTriggerFailed, progress.StageCycleAbandoned:
			level = zapcore.WarnLevel
		case progress.StageCycleAdopted, progress.StageCycleTriggered, progress.StageCycleQueued,
			progress.StageCycleDone, progress.StageCycleSkipped:
			level = zapcore.InfoLevel
		}
		if ce := s.logger.Check(level, "crawl cycle event"); ce != nil {
			ce.Write(
				zap.String("cycle_id", evt.CycleID),
				zap.String("stage", string(evt.Stage)),
				zap.String("tenant", evt.TenantID),
				zap.String("website_id", evt.WebsiteID),
				zap.String("website", evt.WebsiteName),
				zap.String("run_id", evt.RunID),
				zap.String("status", string(evt.Status)),
				zap.Duration("elapsed", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
