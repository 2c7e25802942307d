// Package harvest defines the core types shared across the harvesting engine.
package harvest

import (
	"time"

	"github.com/JakeFAU/harvest-engine/internal/transform"
)

// TaskKind distinguishes the workflows a task can drive.
type TaskKind string

// Supported task kinds.
const (
	KindPipeline   TaskKind = "pipeline"
	KindIndustrial TaskKind = "industrial"
	KindCrawl      TaskKind = "crawl"
)

// TaskStatus represents the lifecycle state of a harvest task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusPaused     TaskStatus = "paused"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase names the pipeline stage a task is in.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseNone      Phase = ""
	PhaseScout     Phase = "scout"
	PhaseArchitect Phase = "architect"
	PhaseReview    Phase = "review"
	PhaseHarvester Phase = "harvester"
	PhaseRefinery  Phase = "refinery"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Task is the persisted record of one submitted harvest.
type Task struct {
	ID        string        `json:"id"`
	Kind      TaskKind      `json:"kind"`
	URL       string        `json:"url"`
	Status    TaskStatus    `json:"status"`
	Phase     Phase         `json:"current_phase"`
	State     PipelineState `json:"pipeline_state"`
	ItemCount int           `json:"item_count"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PipelineState is the phase-specific payload plus the append-only log.
type PipelineState struct {
	TableHint   string         `json:"table_name,omitempty"`
	ReviewMode  bool           `json:"review_mode,omitempty"`
	Candidates  int            `json:"candidates,omitempty"`
	Strategy    *Strategy      `json:"strategy,omitempty"`
	Error       string         `json:"error,omitempty"`
	FailedPhase Phase          `json:"failed_phase,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	Logs        []string       `json:"logs"`
}

// Candidate is one observed network exchange captured while probing.
type Candidate struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	PostData     string            `json:"post_data,omitempty"`
	Preview      string            `json:"preview"`
	ResourceType string            `json:"resource_type"`
}

// Strategy is the synthesized rule set used to harvest and normalize data.
type Strategy struct {
	TargetPattern string           `json:"target_api_url_pattern" yaml:"target_api_url_pattern"`
	Schema        transform.Schema `json:"schema" yaml:"schema"`
	Transform     transform.Spec   `json:"transform" yaml:"transform"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// RawBlock is one captured response payload awaiting refinement.
type RawBlock struct {
	URL        string    `json:"url"`
	Payload    any       `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// HTMLWrapper builds the fallback payload used when a body is not JSON.
func HTMLWrapper(body, url, contentType string) map[string]any {
	return map[string]any{
		"html":        body,
		"url":         url,
		"contentType": contentType,
	}
}

// ContentEntry indexes one stored blob of unique content.
type ContentEntry struct {
	URLHash     string    `json:"url_hash"`
	OriginalURL string    `json:"original_url"`
	FilePath    string    `json:"file_path"`
	ContentHash string    `json:"content_hash"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Row is one flat output record produced by a transform.
type Row = transform.Row
