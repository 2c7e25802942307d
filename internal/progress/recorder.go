package progress

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// Recorder is the single writer of task state. Each event is applied to the
// task record under the store's per-task update and then forwarded to the
// emitter for asynchronous fan-out.
type Recorder struct {
	store   harvest.TaskStore
	emitter Emitter
	clock   harvest.Clock
	logger  *zap.Logger
}

// NewRecorder constructs a Recorder. emitter may be nil.
func NewRecorder(store harvest.TaskStore, emitter Emitter, clock harvest.Clock, logger *zap.Logger) (*Recorder, error) {
	if store == nil || clock == nil {
		return nil, errors.New("recorder requires a task store and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, emitter: emitter, clock: clock, logger: logger}, nil
}

// Record persists evt and returns the updated task.
func (r *Recorder) Record(ctx context.Context, evt Event) (harvest.Task, error) {
	if evt.TS.IsZero() {
		evt.TS = r.clock.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		return harvest.Task{}, fmt.Errorf("invalid progress event: %w", err)
	}
	task, err := r.store.UpdateTask(ctx, evt.TaskID, func(t *harvest.Task) error {
		Apply(t, evt)
		return nil
	})
	if err != nil {
		return harvest.Task{}, fmt.Errorf("record event for task %s: %w", evt.TaskID, err)
	}
	evt.Kind = task.Kind
	r.logger.Info("task progress",
		zap.String("task_id", evt.TaskID),
		zap.String("phase", string(task.Phase)),
		zap.String("status", string(task.Status)),
		zap.String("message", evt.Message),
	)
	if r.emitter != nil {
		r.emitter.Emit(evt)
	}
	return task, nil
}

// Logf appends one log line without changing status or phase.
func (r *Recorder) Logf(ctx context.Context, taskID, format string, args ...any) {
	if _, err := r.Record(ctx, Event{TaskID: taskID, Message: fmt.Sprintf(format, args...)}); err != nil {
		r.logger.Warn("append task log failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Apply folds evt into task.
func Apply(task *harvest.Task, evt Event) {
	if evt.Status != "" {
		task.Status = evt.Status
	}
	if evt.Phase != harvest.PhaseNone {
		task.Phase = evt.Phase
	}
	d := evt.Data
	if d.Strategy != nil {
		s := *d.Strategy
		task.State.Strategy = &s
	}
	if d.Candidates != nil {
		task.State.Candidates = *d.Candidates
	}
	if d.ItemCount != nil {
		task.ItemCount = *d.ItemCount
	}
	if d.Err != "" {
		task.State.Error = d.Err
		task.State.FailedPhase = d.FailedPhase
	}
	if len(d.Extra) > 0 {
		if task.State.Extra == nil {
			task.State.Extra = make(map[string]any, len(d.Extra))
		}
		maps.Copy(task.State.Extra, d.Extra)
	}
	if evt.Message != "" {
		task.State.Logs = append(task.State.Logs, evt.LogLine())
	}
	task.UpdatedAt = evt.TS
}
