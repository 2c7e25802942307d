package browser_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/browser/browsertest"
)

type pressure bool

func (p pressure) UnderPressure() bool { return bool(p) }

func burst(prefix string, n int) []browser.Response {
	out := make([]browser.Response, n)
	for i := range out {
		out[i] = browsertest.JSON(fmt.Sprintf("https://a.example/%s/%d", prefix, i), `{}`)
	}
	return out
}

func TestTrackerRecyclesAfterThreshold(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(n int) *browsertest.Session {
		if n == 0 {
			return &browsertest.Session{NavResponses: burst("first", 200)}
		}
		return &browsertest.Session{NavResponses: burst("second", 3)}
	}}
	profile := browser.RandomProfile(nil)
	tracker, err := browser.NewTracker(context.Background(), mgr, profile, browser.TrackerConfig{}, nil)
	require.NoError(t, err)

	var seen atomic.Int64
	tracker.OnResponse(func(browser.Response) { seen.Add(1) })

	require.NoError(t, tracker.Navigate(context.Background(), "https://a.example"))
	require.Equal(t, 200, tracker.Count())

	recycled, err := tracker.MaybeRecycle(context.Background())
	require.NoError(t, err)
	require.True(t, recycled)
	require.Equal(t, 1, tracker.Recycles())

	sessions := mgr.Sessions()
	require.Len(t, sessions, 2)
	require.True(t, sessions[0].Closed())
	require.Equal(t, []string{"https://a.example"}, sessions[1].Navigations())
	require.Equal(t, profile, sessions[1].Profile())

	// Listener re-registered on the new session; counter restarted.
	require.Equal(t, 3, tracker.Count())
	require.Equal(t, int64(203), seen.Load())

	// Stale session output is ignored.
	sessions[0].Emit(burst("stale", 5)...)
	require.Equal(t, int64(203), seen.Load())
}

func TestTrackerBelowThresholdKeepsSession(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{New: func(int) *browsertest.Session {
		return &browsertest.Session{NavResponses: burst("p", 10)}
	}}
	tracker, err := browser.NewTracker(context.Background(), mgr, browser.Profile{}, browser.TrackerConfig{Threshold: 50}, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Navigate(context.Background(), "https://a.example"))

	recycled, err := tracker.MaybeRecycle(context.Background())
	require.NoError(t, err)
	require.False(t, recycled)
	require.Len(t, mgr.Sessions(), 1)
	require.NoError(t, tracker.Close())
	require.True(t, mgr.Sessions()[0].Closed())
}

func TestTrackerMemoryGuardForcesRecycle(t *testing.T) {
	t.Parallel()

	mgr := &browsertest.Manager{}
	tracker, err := browser.NewTracker(context.Background(), mgr, browser.Profile{},
		browser.TrackerConfig{Guard: pressure(true)}, nil)
	require.NoError(t, err)

	recycled, err := tracker.MaybeRecycle(context.Background())
	require.NoError(t, err)
	require.True(t, recycled)
	require.Len(t, mgr.Sessions(), 2)
	require.Empty(t, mgr.Sessions()[1].Navigations())
}

func TestNewTrackerPropagatesSessionError(t *testing.T) {
	t.Parallel()

	_, err := browser.NewTracker(context.Background(), &browsertest.Manager{Err: fmt.Errorf("no chrome")},
		browser.Profile{}, browser.TrackerConfig{}, nil)
	require.Error(t, err)
}
