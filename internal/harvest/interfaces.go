package harvest

import (
	"context"
	"time"

	"github.com/JakeFAU/harvest-engine/internal/transform"
)

// TaskStore persists task records. UpdateTask applies mutate under an
// exclusive section scoped to one task.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*Task) error) (Task, error)
}

// ContentIndex is the lookup table behind the content-addressable store.
type ContentIndex interface {
	FindByContentHash(ctx context.Context, contentHash string) (ContentEntry, error)
	Insert(ctx context.Context, entry ContentEntry) error
	Touch(ctx context.Context, contentHash string, at time.Time) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// TableSink is the durable destination of refined rows.
type TableSink interface {
	EnsureTable(ctx context.Context, schema transform.Schema) error
	InsertBatch(ctx context.Context, schema transform.Schema, rows []Row) error
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for asynchronous tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueAction selects what a worker does with a queued task.
type QueueAction string

// Queue actions understood by the worker.
const (
	ActionRun     QueueAction = "run"
	ActionResume  QueueAction = "resume"
	ActionCollect QueueAction = "collect"
	ActionCrawl   QueueAction = "crawl"
)

// QueueItem wraps a task ready to run.
type QueueItem struct {
	TaskID    string
	Action    QueueAction
	URL       string
	TableHint string
	Review    bool
	Strategy  *Strategy
	Collect   CollectOptions
	Crawl     CrawlOptions
	Submitted int64
}

// CollectOptions carries per-task industrial collection overrides.
type CollectOptions struct {
	ScrollCount int    `json:"scroll_count"`
	MaxItems    int    `json:"max_items"`
	WaitUntil   string `json:"wait_until"`
}

// CrawlOptions carries per-task legacy crawl parameters.
type CrawlOptions struct {
	MaxPages    int      `json:"max_pages"`
	Columns     []string `json:"columns"`
	Concurrency int      `json:"concurrency"`
}
