package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	for range 3 {
		hub.Emit(sampleEvent(harvest.StatusProcessing))
	}
	require.Eventually(t, func() bool {
		sizes := sink.sizes()
		return len(sizes) == 1 && sizes[0] == 3
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesPartialBatchAfterWait(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 50, MaxBatchWait: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(sampleEvent(harvest.StatusProcessing))
	hub.Emit(sampleEvent(harvest.StatusProcessing))
	require.Eventually(t, func() bool {
		sizes := sink.sizes()
		return len(sizes) == 1 && sizes[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesTerminalEventImmediately(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 50, MaxBatchWait: time.Hour}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(sampleEvent(harvest.StatusProcessing))
	paused := sampleEvent(harvest.StatusPaused)
	hub.Emit(paused)

	require.Eventually(t, func() bool { return len(sink.sizes()) == 1 }, time.Second, 5*time.Millisecond)
	last := sink.all()[1]
	require.Equal(t, paused.TaskID, last.TaskID)
	require.Equal(t, harvest.StatusPaused, last.Status)
}

func TestHubEmitDoesNotBlockWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}

	start := time.Now()
	hub.Emit(sampleEvent(harvest.StatusProcessing))
	hub.Emit(sampleEvent(harvest.StatusCompleted))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	// The first drop warning resets the counter; the second drop is still pending.
	require.EqualValues(t, 1, hub.Dropped())
}

func TestHubRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)

	hub.Emit(Event{TaskID: "t", TS: time.Now(), Status: harvest.StatusFailed})
	hub.Emit(Event{TS: time.Now()})
	hub.Emit(Event{TaskID: "t", TS: time.Now(), Status: "sleeping"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.all())
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	failing := &recordingSink{err: errors.New("unavailable")}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Hour}, failing, sink)

	hub.Emit(sampleEvent(harvest.StatusProcessing))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, []int{1}, sink.sizes())
	require.True(t, sink.isClosed())
	require.True(t, failing.isClosed())

	hub.Emit(sampleEvent(harvest.StatusProcessing))
	require.Len(t, sink.all(), 1)
}

func TestNilHubIsInert(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(harvest.StatusProcessing))
	require.Zero(t, hub.Dropped())
	require.NoError(t, hub.Close(context.Background()))
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(status harvest.TaskStatus) Event {
	evt := Event{
		TaskID:  uuid.NewString(),
		TS:      time.Now(),
		Phase:   harvest.PhaseScout,
		Status:  status,
		Message: "probing target",
	}
	if status == harvest.StatusFailed {
		evt.Data.Err = "boom"
	}
	return evt
}
