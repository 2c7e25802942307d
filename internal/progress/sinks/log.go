package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
)

// LogSink mirrors task events into the service log. Failures log at warn,
// status changes at info and plain log lines at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume writes one entry per event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch {
		case evt.Status == harvest.StatusFailed:
			level = zapcore.WarnLevel
		case evt.Status != "" || evt.Phase != harvest.PhaseNone:
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, evt.Message)
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("task_id", evt.TaskID),
		zap.Time("ts", evt.TS),
	}
	if evt.Kind != "" {
		fields = append(fields, zap.String("kind", string(evt.Kind)))
	}
	if evt.Phase != harvest.PhaseNone {
		fields = append(fields, zap.String("phase", string(evt.Phase)))
	}
	if evt.Status != "" {
		fields = append(fields, zap.String("status", string(evt.Status)))
	}
	if evt.Data.ItemCount != nil {
		fields = append(fields, zap.Int("item_count", *evt.Data.ItemCount))
	}
	if evt.Data.Err != "" {
		fields = append(fields, zap.String("error", evt.Data.Err), zap.String("failed_phase", string(evt.Data.FailedPhase)))
	}
	if len(evt.Data.Extra) > 0 {
		fields = append(fields, zap.Any("extra", evt.Data.Extra))
	}
	return fields
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
