// Package worker executes queued harvest tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/collector"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/metrics"
	"github.com/JakeFAU/harvest-engine/internal/pagecrawl"
	"github.com/JakeFAU/harvest-engine/internal/pipeline"
	"github.com/JakeFAU/harvest-engine/internal/progress"
	"github.com/JakeFAU/harvest-engine/internal/telemetry"
)

// Pipeline runs and resumes strategy-driven tasks.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.RunRequest) (pipeline.Outcome, error)
	Resume(ctx context.Context, taskID, url string, strategy harvest.Strategy) (pipeline.Outcome, error)
}

// Collector runs industrial harvests.
type Collector interface {
	Harvest(ctx context.Context, url, outputDir string, cfg collector.Config, progress collector.ProgressFunc) (collector.Result, error)
}

// Crawler runs multi-page crawls.
type Crawler interface {
	Crawl(ctx context.Context, req pagecrawl.Request, progress pagecrawl.ProgressFunc) (pagecrawl.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// OutputDir is the parent of per-task industrial output directories.
	OutputDir string
	// Collector holds the defaults per-task options are applied to.
	Collector collector.Config
}

// Worker consumes queue items and dispatches them by action. Any of the
// executors may be nil; items needing a missing one fail.
type Worker struct {
	queue     harvest.Queue
	pipeline  Pipeline
	collector Collector
	crawler   Crawler
	recorder  *progress.Recorder
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue harvest.Queue,
	pipe Pipeline,
	coll Collector,
	crawler Crawler,
	recorder *progress.Recorder,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "tasks"
	}
	return &Worker{
		queue:     queue,
		pipeline:  pipe,
		collector: coll,
		crawler:   crawler,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, harvest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID), zap.String("action", string(item.Action)))
		w.Process(ctx, item)
	}
}

// Process executes one item synchronously.
func (w *Worker) Process(ctx context.Context, item harvest.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.StartTask(ctx, item.TaskID, string(item.Action))
	var err error
	defer func() { span.End(ctx, err) }()

	switch item.Action {
	case harvest.ActionRun:
		err = w.run(ctx, item)
	case harvest.ActionResume:
		err = w.resume(ctx, item)
	case harvest.ActionCollect:
		err = w.collect(ctx, item)
	case harvest.ActionCrawl:
		err = w.crawl(ctx, item)
	default:
		err = fmt.Errorf("unknown queue action %q", item.Action)
		w.failTask(ctx, item.TaskID, err, nil)
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
		w.logger.Warn("task failed",
			zap.String("task_id", item.TaskID),
			zap.String("action", string(item.Action)),
			zap.String("kind", harvest.Kind(err)),
			zap.Error(err),
		)
	}
	metrics.ObserveJob(string(item.Action), status)
}

// run and resume leave task state to the orchestrator, which records every
// transition itself.
func (w *Worker) run(ctx context.Context, item harvest.QueueItem) error {
	if w.pipeline == nil {
		return w.missing(ctx, item, "pipeline")
	}
	_, err := w.pipeline.Run(ctx, pipeline.RunRequest{
		TaskID:     item.TaskID,
		URL:        item.URL,
		TableHint:  item.TableHint,
		ReviewMode: item.Review,
	})
	return err
}

func (w *Worker) resume(ctx context.Context, item harvest.QueueItem) error {
	if w.pipeline == nil {
		return w.missing(ctx, item, "pipeline")
	}
	if item.Strategy == nil {
		err := fmt.Errorf("%w: resume requires a strategy", harvest.ErrStrategy)
		w.failTask(ctx, item.TaskID, err, nil)
		return err
	}
	_, err := w.pipeline.Resume(ctx, item.TaskID, item.URL, *item.Strategy)
	return err
}

func (w *Worker) collect(ctx context.Context, item harvest.QueueItem) error {
	if w.collector == nil {
		return w.missing(ctx, item, "collector")
	}
	cfg := w.cfg.Collector.WithOverrides(item.Collect)
	outputDir := filepath.Join(w.cfg.OutputDir, filepath.Base(item.TaskID))
	w.record(ctx, progress.Event{
		TaskID:  item.TaskID,
		Status:  harvest.StatusProcessing,
		Message: fmt.Sprintf("Industrial collection started: %s", item.URL),
		Data: progress.Data{Extra: map[string]any{
			"output_dir":   outputDir,
			"scroll_count": cfg.ScrollCount,
			"max_items":    cfg.MaxItems,
			"wait_until":   cfg.WaitUntil,
		}},
	})

	res, err := w.collector.Harvest(ctx, item.URL, outputDir, cfg, func(count int) {
		w.record(ctx, progress.Event{
			TaskID:  item.TaskID,
			Message: fmt.Sprintf("Collected %d items", count),
			Data:    progress.Data{ItemCount: progress.Int(count)},
		})
	})
	metrics.ObserveCollection(item.URL, res.ItemCount, res.Duplicates, res.Rejected)
	extra := map[string]any{
		"scrolls":    res.Scrolls,
		"recycles":   res.Recycles,
		"duplicates": res.Duplicates,
		"rejected":   res.Rejected,
	}
	if res.Diagnostic != "" {
		extra["diagnostic"] = res.Diagnostic
	}
	if err != nil {
		w.failTask(ctx, item.TaskID, err, &progress.Data{ItemCount: progress.Int(res.ItemCount), Extra: extra})
		return err
	}
	w.record(ctx, progress.Event{
		TaskID:  item.TaskID,
		Status:  harvest.StatusCompleted,
		Message: fmt.Sprintf("Completed: %d items written", res.ItemCount),
		Data:    progress.Data{ItemCount: progress.Int(res.ItemCount), Extra: extra},
	})
	return nil
}

func (w *Worker) crawl(ctx context.Context, item harvest.QueueItem) error {
	if w.crawler == nil {
		return w.missing(ctx, item, "crawler")
	}
	req := pagecrawl.Request{
		TaskID:      item.TaskID,
		URL:         item.URL,
		Table:       item.TableHint,
		Columns:     item.Crawl.Columns,
		MaxPages:    item.Crawl.MaxPages,
		Concurrency: item.Crawl.Concurrency,
	}
	w.record(ctx, progress.Event{
		TaskID:  item.TaskID,
		Status:  harvest.StatusProcessing,
		Message: fmt.Sprintf("Crawl started: %s", item.URL),
	})

	res, err := w.crawler.Crawl(ctx, req, func(done, total int) {
		w.record(ctx, progress.Event{
			TaskID:  item.TaskID,
			Message: fmt.Sprintf("Processed page %d/%d", done, total),
			Data:    progress.Data{Extra: map[string]any{"pages_done": done, "pages_total": total}},
		})
	})
	extra := map[string]any{"pages": res.Pages, "failed_pages": res.Failed}
	if err != nil {
		w.failTask(ctx, item.TaskID, err, &progress.Data{ItemCount: progress.Int(res.Rows), Extra: extra})
		return err
	}
	w.record(ctx, progress.Event{
		TaskID:  item.TaskID,
		Status:  harvest.StatusCompleted,
		Message: fmt.Sprintf("Completed: %d rows from %d pages", res.Rows, res.Pages),
		Data:    progress.Data{ItemCount: progress.Int(res.Rows), Extra: extra},
	})
	return nil
}

func (w *Worker) missing(ctx context.Context, item harvest.QueueItem, what string) error {
	err := fmt.Errorf("no %s configured for action %s", what, item.Action)
	w.failTask(ctx, item.TaskID, err, nil)
	return err
}

// failTask records a failure even when ctx is already canceled.
func (w *Worker) failTask(ctx context.Context, taskID string, cause error, data *progress.Data) {
	d := progress.Data{}
	if data != nil {
		d = *data
	}
	d.Err = cause.Error()
	msg := "Failed: " + cause.Error()
	if errors.Is(cause, harvest.ErrBlocked) {
		msg = "Blocked: " + cause.Error()
	}
	w.record(context.WithoutCancel(ctx), progress.Event{
		TaskID:  taskID,
		Status:  harvest.StatusFailed,
		Message: msg,
		Data:    d,
	})
}

func (w *Worker) record(ctx context.Context, evt progress.Event) {
	if w.recorder == nil {
		return
	}
	if _, err := w.recorder.Record(ctx, evt); err != nil {
		w.logger.Error("record task progress failed", zap.String("task_id", evt.TaskID), zap.Error(err))
	}
}
