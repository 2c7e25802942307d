package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
)

func TestLogSinkLevelsByStatus(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t", TS: now, Message: "Captured 3 responses"},
		{TaskID: "t", TS: now, Phase: harvest.PhaseArchitect, Status: harvest.StatusProcessing, Message: "Designing strategy"},
		{TaskID: "t", TS: now, Phase: harvest.PhaseFailed, Status: harvest.StatusFailed, Message: "Failed: boom",
			Data: progress.Data{Err: "boom", FailedPhase: harvest.PhaseHarvester, Extra: map[string]any{"pages": 2}}},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, "architect", entries[1].ContextMap()["phase"])

	failed := entries[2]
	require.Equal(t, zapcore.WarnLevel, failed.Level)
	require.Equal(t, "Failed: boom", failed.Message)
	fields := failed.ContextMap()
	require.Equal(t, "boom", fields["error"])
	require.Equal(t, "harvester", fields["failed_phase"])
	require.Contains(t, fields, "extra")
}

func TestLogSinkRespectsLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t", TS: time.Now(), Message: "debug only"},
	}))
	require.Zero(t, logs.Len())
}
