package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }

func TestRunStopsAllRunnersOnCancel(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	block := runnerFunc(func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	})
	d := New(zap.NewNop(), block, block, block)
	require.Equal(t, 3, d.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestRunRestartsPanickedRunner(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	flaky := runnerFunc(func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("selector exploded")
		}
		<-ctx.Done()
	})
	d := New(nil, flaky)
	d.RestartDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRunReturnsWhenRunnersExit(t *testing.T) {
	t.Parallel()

	d := New(nil, runnerFunc(func(context.Context) {}))
	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher kept running without live workers")
	}
}
