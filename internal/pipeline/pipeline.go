// Package pipeline drives the resumable four-phase harvest: probe the target,
// synthesize a strategy, harvest matching traffic and refine it into rows.
// Every transition is reported through a progress.Recorder, which is the
// only writer of task state.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
)

// Prober captures candidate data requests from a live page.
type Prober interface {
	Sample(ctx context.Context, target string, scrollRounds int) ([]harvest.Candidate, error)
}

// Strategist turns candidates into a harvest strategy.
type Strategist interface {
	Synthesize(ctx context.Context, candidates []harvest.Candidate, tableHint string) (harvest.Strategy, error)
}

// Harvester collects raw blocks for a strategy.
type Harvester interface {
	Harvest(ctx context.Context, target string, strategy harvest.Strategy) ([]harvest.RawBlock, error)
}

// Refiner normalizes raw blocks and writes them out.
type Refiner interface {
	Refine(ctx context.Context, taskID string, blocks []harvest.RawBlock, strategy harvest.Strategy) (int, error)
}

// RunRequest starts a pipeline task.
type RunRequest struct {
	TaskID     string
	URL        string
	TableHint  string
	ReviewMode bool
	// ScrollRounds overrides the probe's scroll count when positive.
	ScrollRounds int
}

// Outcome is the state a Run or Resume call left the task in.
type Outcome struct {
	TaskID    string
	Status    harvest.TaskStatus
	Phase     harvest.Phase
	ItemCount int
	Strategy  *harvest.Strategy
}

// Orchestrator sequences the phases for one task at a time per call; calls
// for different tasks may run concurrently.
type Orchestrator struct {
	prober     Prober
	strategist Strategist
	harvester  Harvester
	refiner    Refiner
	recorder   *progress.Recorder
	logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(
	prober Prober,
	strategist Strategist,
	harvester Harvester,
	refiner Refiner,
	recorder *progress.Recorder,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if prober == nil || strategist == nil || harvester == nil || refiner == nil || recorder == nil {
		return nil, errors.New("pipeline requires prober, strategist, harvester, refiner and recorder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		prober:     prober,
		strategist: strategist,
		harvester:  harvester,
		refiner:    refiner,
		recorder:   recorder,
		logger:     logger.Named("pipeline"),
	}, nil
}

// Run executes the probe and strategist phases. In review mode the task is
// paused with the strategy attached; otherwise it continues with Resume.
// A phase failure marks the task failed and is returned as a
// *harvest.PhaseError.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	if req.TaskID == "" || req.URL == "" {
		return Outcome{}, errors.New("task id and url are required")
	}
	if err := o.transition(ctx, req.TaskID, harvest.PhaseScout, "Phase 1: probing "+req.URL, progress.Data{
		Extra: map[string]any{"table_name": req.TableHint, "review_mode": req.ReviewMode},
	}); err != nil {
		return Outcome{}, err
	}
	rounds := req.ScrollRounds
	if rounds <= 0 {
		rounds = -1
	}
	candidates, err := o.prober.Sample(ctx, req.URL, rounds)
	if err != nil {
		return o.fail(ctx, req.TaskID, harvest.PhaseScout, err)
	}
	if len(candidates) == 0 {
		return o.fail(ctx, req.TaskID, harvest.PhaseScout, errors.New("no candidate data requests captured"))
	}

	if err := o.transition(ctx, req.TaskID, harvest.PhaseArchitect,
		fmt.Sprintf("Phase 2: synthesizing strategy from %d candidates", len(candidates)),
		progress.Data{Candidates: progress.Int(len(candidates))},
	); err != nil {
		return Outcome{}, err
	}
	strategy, err := o.strategist.Synthesize(ctx, candidates, req.TableHint)
	if err != nil {
		return o.fail(ctx, req.TaskID, harvest.PhaseArchitect, err)
	}

	if req.ReviewMode {
		if _, err := o.recorder.Record(ctx, progress.Event{
			TaskID:  req.TaskID,
			Phase:   harvest.PhaseReview,
			Status:  harvest.StatusPaused,
			Message: fmt.Sprintf("Strategy ready for review: table %s, pattern %s", strategy.Schema.Table, strategy.TargetPattern),
			Data:    progress.Data{Strategy: &strategy},
		}); err != nil {
			return Outcome{}, err
		}
		o.logger.Info("task paused for review", zap.String("task_id", req.TaskID))
		return Outcome{TaskID: req.TaskID, Status: harvest.StatusPaused, Phase: harvest.PhaseReview, Strategy: &strategy}, nil
	}
	return o.Resume(ctx, req.TaskID, req.URL, strategy)
}

// Resume executes the harvester and refinery phases with strategy, which may
// have been edited during review.
func (o *Orchestrator) Resume(ctx context.Context, taskID, url string, strategy harvest.Strategy) (Outcome, error) {
	if taskID == "" || url == "" {
		return Outcome{}, errors.New("task id and url are required")
	}
	if err := o.transition(ctx, taskID, harvest.PhaseHarvester, "Phase 3: harvesting "+url,
		progress.Data{Strategy: &strategy},
	); err != nil {
		return Outcome{}, err
	}
	blocks, err := o.harvester.Harvest(ctx, url, strategy)
	if err != nil {
		return o.fail(ctx, taskID, harvest.PhaseHarvester, err)
	}

	if err := o.transition(ctx, taskID, harvest.PhaseRefinery,
		fmt.Sprintf("Phase 4: refining %d raw blocks", len(blocks)), progress.Data{},
	); err != nil {
		return Outcome{}, err
	}
	items, err := o.refiner.Refine(ctx, taskID, blocks, strategy)
	if err != nil {
		return o.fail(ctx, taskID, harvest.PhaseRefinery, err)
	}

	if _, err := o.recorder.Record(ctx, progress.Event{
		TaskID:  taskID,
		Phase:   harvest.PhaseCompleted,
		Status:  harvest.StatusCompleted,
		Message: fmt.Sprintf("Completed: %d items written", items),
		Data:    progress.Data{ItemCount: progress.Int(items)},
	}); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		TaskID:    taskID,
		Status:    harvest.StatusCompleted,
		Phase:     harvest.PhaseCompleted,
		ItemCount: items,
		Strategy:  &strategy,
	}, nil
}

func (o *Orchestrator) transition(ctx context.Context, taskID string, phase harvest.Phase, msg string, data progress.Data) error {
	_, err := o.recorder.Record(ctx, progress.Event{
		TaskID:  taskID,
		Phase:   phase,
		Status:  harvest.StatusProcessing,
		Message: msg,
		Data:    data,
	})
	return err
}

// fail records the failure and returns it wrapped with its phase.
func (o *Orchestrator) fail(ctx context.Context, taskID string, phase harvest.Phase, cause error) (Outcome, error) {
	o.logger.Error("phase failed",
		zap.String("task_id", taskID),
		zap.String("phase", string(phase)),
		zap.String("kind", harvest.Kind(cause)),
		zap.Error(cause),
	)
	// The failure must land even when the task context was cancelled.
	recordCtx := context.WithoutCancel(ctx)
	if _, err := o.recorder.Record(recordCtx, progress.Event{
		TaskID:  taskID,
		Phase:   harvest.PhaseFailed,
		Status:  harvest.StatusFailed,
		Message: fmt.Sprintf("%s failed: %v", phase, cause),
		Data:    progress.Data{Err: cause.Error(), FailedPhase: phase},
	}); err != nil {
		o.logger.Error("record failure", zap.String("task_id", taskID), zap.Error(err))
	}
	return Outcome{TaskID: taskID, Status: harvest.StatusFailed, Phase: harvest.PhaseFailed},
		&harvest.PhaseError{Phase: phase, Err: cause}
}
