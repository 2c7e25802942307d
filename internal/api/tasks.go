package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/architect"
	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/export"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/id/uuid"
)

// Submission modes for POST /v1/tasks.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

const (
	maxBodyBytes  = 1 << 20
	defaultColumn = "content"
)

var errNotPaused = errors.New("task is not paused")

// ExportLocator resolves a task's export file on disk.
type ExportLocator interface {
	Path(taskID string, f export.Format) string
}

type taskRequest struct {
	URL         string   `json:"url"`
	TableName   string   `json:"table_name"`
	Mode        string   `json:"mode"`
	Review      bool     `json:"review"`
	Columns     []string `json:"columns"`
	MaxPages    int      `json:"max_pages"`
	Concurrency int      `json:"concurrency"`
}

type resumeRequest struct {
	Strategy *harvest.Strategy `json:"strategy"`
}

type industrialRequest struct {
	URL         string `json:"url"`
	ScrollCount int    `json:"scroll_count"`
	MaxItems    int    `json:"max_items"`
	WaitUntil   string `json:"wait_until"`
}

type crawlRequest struct {
	URL         string   `json:"url"`
	TableName   string   `json:"table_name"`
	MaxPages    int      `json:"max_pages"`
	Columns     []string `json:"columns"`
	Concurrency int      `json:"concurrency"`
}

// submitTask handles POST /v1/tasks. Auto mode runs the strategy pipeline;
// manual mode runs the multi-page crawler with the requested columns.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateTarget(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeAuto
	}
	var (
		kind harvest.TaskKind
		item harvest.QueueItem
	)
	switch mode {
	case ModeAuto:
		kind = harvest.KindPipeline
		item = harvest.QueueItem{Action: harvest.ActionRun, URL: req.URL, TableHint: req.TableName, Review: req.Review}
	case ModeManual:
		if err := validateCrawl(req.MaxPages, req.Concurrency); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = harvest.KindCrawl
		item = harvest.QueueItem{
			Action:    harvest.ActionCrawl,
			URL:       req.URL,
			TableHint: req.TableName,
			Crawl:     crawlOptions(req.MaxPages, req.Columns, req.Concurrency),
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("mode must be %q or %q", ModeAuto, ModeManual))
		return
	}
	s.accept(w, r, kind, item, func(t *harvest.Task) {
		t.State.TableHint = req.TableName
		t.State.ReviewMode = req.Review && mode == ModeAuto
	})
}

func (s *Server) submitIndustrial(w http.ResponseWriter, r *http.Request) {
	var req industrialRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateTarget(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ScrollCount < 0 || req.MaxItems < 0 {
		writeError(w, http.StatusBadRequest, "scroll_count and max_items must be >= 0")
		return
	}
	if req.WaitUntil != "" && string(browser.ParseWaitCondition(req.WaitUntil)) != strings.ToLower(strings.TrimSpace(req.WaitUntil)) {
		writeError(w, http.StatusBadRequest, "wait_until must be load, domcontentloaded or networkidle")
		return
	}
	s.accept(w, r, harvest.KindIndustrial, harvest.QueueItem{
		Action: harvest.ActionCollect,
		URL:    req.URL,
		Collect: harvest.CollectOptions{
			ScrollCount: req.ScrollCount,
			MaxItems:    req.MaxItems,
			WaitUntil:   req.WaitUntil,
		},
	}, nil)
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateTarget(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateCrawl(req.MaxPages, req.Concurrency); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, r, harvest.KindCrawl, harvest.QueueItem{
		Action:    harvest.ActionCrawl,
		URL:       req.URL,
		TableHint: req.TableName,
		Crawl:     crawlOptions(req.MaxPages, req.Columns, req.Concurrency),
	}, func(t *harvest.Task) {
		t.State.TableHint = req.TableName
	})
}

// accept creates the pending task record, then queues item for it.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, kind harvest.TaskKind, item harvest.QueueItem, init func(*harvest.Task)) {
	taskID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate task id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	now := s.clock.Now().UTC()
	task := harvest.Task{
		ID:        taskID,
		Kind:      kind,
		URL:       item.URL,
		Status:    harvest.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		State: harvest.PipelineState{
			Logs: []string{fmt.Sprintf("[%s] Task initialized. Queued for execution...", now.Format("15:04:05"))},
		},
	}
	if init != nil {
		init(&task)
	}
	if err := s.tasks.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("create task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	item.TaskID = taskID
	item.Submitted = now.Unix()
	if err := s.enqueue(r.Context(), item); err != nil {
		s.logger.Error("enqueue task failed", zap.String("task_id", taskID), zap.Error(err))
		s.markUnqueued(r.Context(), taskID, err)
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "task queue unavailable")
		return
	}
	s.logger.Info("task accepted",
		zap.String("task_id", taskID),
		zap.String("kind", string(kind)),
		zap.String("url", item.URL),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) enqueue(ctx context.Context, item harvest.QueueItem) error {
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// markUnqueued fails a task whose queue item never made it onto the queue.
func (s *Server) markUnqueued(ctx context.Context, taskID string, cause error) {
	_, err := s.tasks.UpdateTask(context.WithoutCancel(ctx), taskID, func(t *harvest.Task) error {
		now := s.clock.Now().UTC()
		t.Status = harvest.StatusFailed
		t.State.Error = cause.Error()
		t.State.Logs = append(t.State.Logs, fmt.Sprintf("[%s] Failed: %v", now.Format("15:04:05"), cause))
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger.Warn("mark unqueued task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// resumeTask handles POST /v1/tasks/{task_id}/resume. The paused check and
// the move to processing happen in one store update so a task resumes once.
func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Strategy == nil {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}
	if err := architect.Validate(*req.Strategy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strategy := *req.Strategy

	task, err := s.tasks.UpdateTask(r.Context(), taskID, func(t *harvest.Task) error {
		if t.Status != harvest.StatusPaused {
			return errNotPaused
		}
		now := s.clock.Now().UTC()
		t.Status = harvest.StatusProcessing
		t.State.Strategy = &strategy
		t.State.Logs = append(t.State.Logs, fmt.Sprintf("[%s] Resume requested with confirmed strategy", now.Format("15:04:05")))
		t.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, errNotPaused):
		writeError(w, http.StatusConflict, errNotPaused.Error())
		return
	case err != nil:
		s.logger.Error("claim paused task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resume task")
		return
	}

	if err := s.enqueue(r.Context(), harvest.QueueItem{
		TaskID:    taskID,
		Action:    harvest.ActionResume,
		URL:       task.URL,
		TableHint: task.State.TableHint,
		Strategy:  &strategy,
		Submitted: s.clock.Now().Unix(),
	}); err != nil {
		s.logger.Error("enqueue resume failed", zap.String("task_id", taskID), zap.Error(err))
		s.markUnqueued(r.Context(), taskID, err)
		writeError(w, http.StatusServiceUnavailable, "task queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "resumed"})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// getIndustrial only answers for collector tasks, adding the output
// directory the worker recorded.
func (s *Server) getIndustrial(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Kind != harvest.KindIndustrial {
		writeError(w, http.StatusNotFound, "industrial task not found")
		return
	}
	body := map[string]any{"task": task}
	if dir, ok := task.State.Extra["output_dir"]; ok {
		body["output_dir"] = dir
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) downloadExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "format must be csv or sql")
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if s.exports == nil {
		writeError(w, http.StatusServiceUnavailable, "exports unavailable")
		return
	}
	path := s.exports.Path(task.ID, format)
	f, err := os.Open(path) //nolint:gosec // path is built from a validated task ID
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "export not found; the task may still be running")
			return
		}
		s.logger.Error("open export failed", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open export")
		return
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("close export failed", zap.Error(cerr))
		}
	}()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read export")
		return
	}

	name := "harvest_" + task.ID + "." + string(format)
	w.Header().Set("Content-Type", exportContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (harvest.Task, bool) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return harvest.Task{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return harvest.Task{}, false
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return harvest.Task{}, false
	}
	return task, true
}

func parseTaskID(r *http.Request) (string, error) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		return "", errors.New("task_id is required")
	}
	if !uuid.Valid(taskID) {
		return "", errors.New("invalid task_id")
	}
	return taskID, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func validateTarget(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("url must be an absolute http(s) URL")
	}
	return nil
}

func validateCrawl(maxPages, concurrency int) error {
	if maxPages < 0 || concurrency < 0 {
		return errors.New("max_pages and concurrency must be >= 0")
	}
	return nil
}

// crawlOptions falls back to a single free-text column.
func crawlOptions(maxPages int, columns []string, concurrency int) harvest.CrawlOptions {
	if len(columns) == 0 {
		columns = []string{defaultColumn}
	}
	return harvest.CrawlOptions{MaxPages: maxPages, Columns: columns, Concurrency: concurrency}
}

func exportContentType(f export.Format) string {
	if f == export.FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/sql"
}
