package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const validStrategy = `{"strategy": {
  "target_api_url_pattern": "/api/items\\?page=\\d+",
  "schema": {"table": "items", "columns": [{"name": "sku", "type": "text"}]},
  "transform": {"root": "$.data", "fields": [{"name": "sku", "path": "$.id", "required": true}]}
}}`

func decodeTaskID(t *testing.T, body []byte) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp["task_id"]
}

func TestSubmitAutoTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, "/v1/tasks", `{"url":"https://shop.example/list","table_name":"items","review":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, taskA, decodeTaskID(t, rec.Body.Bytes()))

	item := h.dequeue(t)
	require.Equal(t, harvest.QueueItem{
		TaskID: taskA, Action: harvest.ActionRun, URL: "https://shop.example/list",
		TableHint: "items", Review: true, Submitted: item.Submitted,
	}, item)

	task, err := h.tasks.GetTask(context.Background(), taskA)
	require.NoError(t, err)
	require.Equal(t, harvest.KindPipeline, task.Kind)
	require.Equal(t, harvest.StatusPending, task.Status)
	require.True(t, task.State.ReviewMode)
	require.Equal(t, []string{"[09:30:00] Task initialized. Queued for execution..."}, task.State.Logs)
}

func TestSubmitManualTaskQueuesCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, "/v1/tasks",
		`{"url":"https://shop.example/list?page=1","mode":"manual","columns":["title","price"],"max_pages":3,"concurrency":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item := h.dequeue(t)
	require.Equal(t, harvest.ActionCrawl, item.Action)
	require.Equal(t, harvest.CrawlOptions{MaxPages: 3, Columns: []string{"title", "price"}, Concurrency: 2}, item.Crawl)
	task, err := h.tasks.GetTask(context.Background(), taskA)
	require.NoError(t, err)
	require.Equal(t, harvest.KindCrawl, task.Kind)
	require.False(t, task.State.ReviewMode)
}

func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid json":  `{invalid`,
		"missing url":   `{"mode":"auto"}`,
		"relative url":  `{"url":"/list"}`,
		"bad scheme":    `{"url":"ftp://shop.example"}`,
		"unknown mode":  `{"url":"https://shop.example","mode":"turbo"}`,
		"negative page": `{"url":"https://shop.example","mode":"manual","max_pages":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Options{})
			rec := h.do(t, http.MethodPost, "/v1/tasks", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, 0, h.queue.Len())
		})
	}
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/v1/tasks", `{"url":"https://shop.example"}`)

	rec := h.do(t, http.MethodGet, "/v1/tasks/"+taskA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Task harvest.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, taskA, body.Task.ID)
	require.Equal(t, harvest.StatusPending, body.Task.Status)
	require.Len(t, body.Task.State.Logs, 1)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/tasks/"+taskB, "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/tasks/not-a-uuid", "").Code)
}

func pauseTask(t *testing.T, h harness, id string) {
	t.Helper()
	_, err := h.tasks.UpdateTask(context.Background(), id, func(task *harvest.Task) error {
		task.Status = harvest.StatusPaused
		task.Phase = harvest.PhaseReview
		return nil
	})
	require.NoError(t, err)
}

func TestResumePausedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/v1/tasks", `{"url":"https://shop.example","table_name":"items","review":true}`)
	h.dequeue(t)
	pauseTask(t, h, taskA)

	rec := h.do(t, http.MethodPost, "/v1/tasks/"+taskA+"/resume", validStrategy)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item := h.dequeue(t)
	require.Equal(t, harvest.ActionResume, item.Action)
	require.Equal(t, "https://shop.example", item.URL)
	require.Equal(t, "items", item.TableHint)
	require.NotNil(t, item.Strategy)
	require.Equal(t, "items", item.Strategy.Schema.Table)

	task, err := h.tasks.GetTask(context.Background(), taskA)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusProcessing, task.Status)

	// A second resume finds the task no longer paused.
	rec = h.do(t, http.MethodPost, "/v1/tasks/"+taskA+"/resume", validStrategy)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResumeRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/v1/tasks", `{"url":"https://shop.example"}`)
	h.dequeue(t)

	rec := h.do(t, http.MethodPost, "/v1/tasks/"+taskA+"/resume", validStrategy)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/tasks/"+taskB+"/resume", validStrategy)
	require.Equal(t, http.StatusNotFound, rec.Code)

	pauseTask(t, h, taskA)
	rec = h.do(t, http.MethodPost, "/v1/tasks/"+taskA+"/resume", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/tasks/"+taskA+"/resume",
		`{"strategy":{"target_api_url_pattern":"([","schema":{"table":"items","columns":[{"name":"sku","type":"text"}]}}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid strategy")

	task, err := h.tasks.GetTask(context.Background(), taskA)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusPaused, task.Status)
}

func TestDownloadExport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/v1/tasks", `{"url":"https://shop.example"}`)

	rec := h.do(t, http.MethodGet, "/v1/tasks/"+taskA+"/export/csv", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, h.exports.AppendCSV(taskA, []string{"sku"}, []harvest.Row{{"sku": "a1"}, {"sku": "b2"}}))
	rec = h.do(t, http.MethodGet, "/v1/tasks/"+taskA+"/export/csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "sku\na1\nb2\n", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "harvest_"+taskA+".csv")
	require.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	rec = h.do(t, http.MethodGet, "/v1/tasks/"+taskA+"/export/xlsx", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndustrialSubmitAndStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, "/v1/industrial",
		`{"url":"https://feed.example","scroll_count":8,"max_items":50,"wait_until":"load"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item := h.dequeue(t)
	require.Equal(t, harvest.ActionCollect, item.Action)
	require.Equal(t, harvest.CollectOptions{ScrollCount: 8, MaxItems: 50, WaitUntil: "load"}, item.Collect)

	_, err := h.tasks.UpdateTask(context.Background(), taskA, func(task *harvest.Task) error {
		task.State.Extra = map[string]any{"output_dir": "data/tasks/" + taskA}
		return nil
	})
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/v1/industrial/"+taskA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"output_dir":"data/tasks/`+taskA+`"`)

	h.do(t, http.MethodPost, "/v1/tasks", `{"url":"https://shop.example"}`)
	rec = h.do(t, http.MethodGet, "/v1/industrial/"+taskB, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndustrialValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	require.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/v1/industrial", `{"url":"https://feed.example","wait_until":"forever"}`).Code)
	require.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/v1/industrial", `{"url":"https://feed.example","scroll_count":-2}`).Code)
	require.Equal(t, 0, h.queue.Len())
}

func TestSubmitCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodPost, "/v1/crawls",
		`{"url":"https://shop.example/list/page/1","table_name":"products","max_pages":4,"columns":["title"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item := h.dequeue(t)
	require.Equal(t, harvest.ActionCrawl, item.Action)
	require.Equal(t, "products", item.TableHint)
	require.Equal(t, 4, item.Crawl.MaxPages)

	task, err := h.tasks.GetTask(context.Background(), taskA)
	require.NoError(t, err)
	require.Equal(t, harvest.KindCrawl, task.Kind)
	require.Equal(t, "products", task.State.TableHint)
}
