package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
	"github.com/JakeFAU/harvest-engine/internal/publisher/memory"
)

// TestPublishSinkAnnouncesTerminalEvents ensures only paused and terminal events are published.
func TestPublishSinkAnnouncesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "harvest-tasks", nil)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: now, Phase: harvest.PhaseScout, Status: harvest.StatusProcessing},
		{TaskID: "a", TS: now, Phase: harvest.PhaseReview, Status: harvest.StatusPaused},
		{TaskID: "a", TS: now, Phase: harvest.PhaseCompleted, Status: harvest.StatusCompleted,
			Data: progress.Data{ItemCount: progress.Int(7)}},
		{TaskID: "a", TS: now, Message: "log only"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "harvest-tasks", msgs[0].Topic)
	last, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, harvest.StatusCompleted, last.Status)
	require.Equal(t, 7, *last.ItemCount)
	require.Equal(t, "a", last.OrderingKey())
	require.Equal(t, map[string]string{"status": "completed"}, last.Attributes())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic unavailable")
}

// TestPublishSinkReportsFailures surfaces publisher errors to the hub.
func TestPublishSinkReportsFailures(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: time.Now(), Phase: harvest.PhaseFailed, Status: harvest.StatusFailed,
			Data: progress.Data{Err: "boom"}},
	})
	require.ErrorContains(t, err, "topic unavailable")
}
