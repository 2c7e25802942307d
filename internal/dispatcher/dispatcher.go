// Package dispatcher supervises the pool of queue workers.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner consumes the task queue until ctx ends. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

const defaultRestartDelay = time.Second

// Dispatcher runs every Runner on its own goroutine. A Runner that panics is
// logged and restarted after RestartDelay, so one bad page cannot shrink the
// pool for the lifetime of the process.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger

	// RestartDelay is the pause before a panicked runner is started again.
	RestartDelay time.Duration
}

// New creates a Dispatcher over runners.
func New(logger *zap.Logger, runners ...Runner) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runners:      runners,
		logger:       logger.Named("dispatcher"),
		RestartDelay: defaultRestartDelay,
	}
}

// Size reports the number of runners.
func (d *Dispatcher) Size() int {
	return len(d.runners)
}

// Run blocks until ctx is done and every runner has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.runners)))
	var g errgroup.Group
	for i, r := range d.runners {
		g.Go(func() error {
			d.supervise(ctx, i, r)
			return nil
		})
	}
	_ = g.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) supervise(ctx context.Context, index int, r Runner) {
	for {
		err := runSafely(ctx, r)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A runner that returns on its own while ctx is live has nothing left to do.
			d.logger.Warn("worker exited", zap.Int("index", index))
			return
		}
		d.logger.Error("worker panicked, restarting", zap.Int("index", index), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.RestartDelay):
		}
	}
}

func runSafely(ctx context.Context, r Runner) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
	}()
	r.Run(ctx)
	return nil
}
