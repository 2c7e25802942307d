package harvest

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrQueueClosed is returned by every queue operation after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// Error kinds. Callers match them with errors.Is.
var (
	// ErrNavigation covers timeouts and network failures of a page load.
	ErrNavigation = errors.New("navigation failed")
	// ErrBlocked signals anti-bot detection on the rendered page.
	ErrBlocked = errors.New("blocked by anti-bot defenses")
	// ErrStrategy covers malformed collaborator output, bad regexes and
	// transforms that fail to compile.
	ErrStrategy = errors.New("invalid strategy")
	// ErrTransformItem marks one item that could not be normalized.
	ErrTransformItem = errors.New("transform item failed")
	// ErrStorage covers write and index failures.
	ErrStorage = errors.New("storage failure")
)

// PhaseError records which phase produced a failure.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FailedPhase extracts the phase recorded in err, if any.
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return PhaseNone, false
}

// Kind returns a short label for the error taxonomy, used in metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, ErrStrategy):
		return "strategy"
	case errors.Is(err, ErrTransformItem):
		return "transform_item"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "other"
	}
}
