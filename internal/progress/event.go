package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// Event is one immutable task transition or log line. An empty Status or
// Phase leaves the stored value unchanged.
type Event struct {
	// TaskID identifies the task the event belongs to.
	TaskID string
	// Kind is the workflow that produced the event.
	Kind harvest.TaskKind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Phase is the pipeline stage entered or reported on.
	Phase harvest.Phase
	// Status is the task status after the event.
	Status harvest.TaskStatus
	// Message is appended to the task log.
	Message string
	// Data carries the phase-specific payload.
	Data Data
}

// Data is the optional payload of an Event.
type Data struct {
	Strategy   *harvest.Strategy
	Candidates *int
	ItemCount  *int
	// Err is the failure message; with FailedPhase it marks a failed phase.
	Err         string
	FailedPhase harvest.Phase
	Extra       map[string]any
}

// Int returns a pointer to n for Data fields.
func Int(n int) *int {
	return &n
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Status {
	case "", harvest.StatusPending, harvest.StatusProcessing, harvest.StatusPaused,
		harvest.StatusCompleted, harvest.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	switch e.Phase {
	case harvest.PhaseNone, harvest.PhaseScout, harvest.PhaseArchitect, harvest.PhaseReview,
		harvest.PhaseHarvester, harvest.PhaseRefinery, harvest.PhaseCompleted, harvest.PhaseFailed:
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	if e.Status == harvest.StatusFailed && e.Data.Err == "" {
		return errors.New("failed event requires an error message")
	}
	if e.Data.ItemCount != nil && *e.Data.ItemCount < 0 {
		return errors.New("item count must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the task.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// LogLine renders the task log entry for the event.
func (e Event) LogLine() string {
	return fmt.Sprintf("[%s] %s", e.TS.Format("15:04:05"), e.Message)
}
