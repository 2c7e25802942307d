package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/progress"
)

// Notification is the message published when a task pauses or finishes.
type Notification struct {
	TaskID      string             `json:"task_id"`
	Kind        harvest.TaskKind   `json:"kind,omitempty"`
	Status      harvest.TaskStatus `json:"status"`
	Phase       harvest.Phase      `json:"phase"`
	ItemCount   *int               `json:"item_count,omitempty"`
	Error       string             `json:"error,omitempty"`
	FailedPhase harvest.Phase      `json:"failed_phase,omitempty"`
	Message     string             `json:"message,omitempty"`
	At          time.Time          `json:"at"`
}

// OrderingKey keeps one task's notifications in order on the topic.
func (n Notification) OrderingKey() string {
	return n.TaskID
}

// Attributes lets subscribers filter on the task's kind and status.
func (n Notification) Attributes() map[string]string {
	attrs := map[string]string{"status": string(n.Status)}
	if n.Kind != "" {
		attrs["kind"] = string(n.Kind)
	}
	return attrs
}

// PublishSink announces paused, completed and failed tasks on a topic.
type PublishSink struct {
	publisher harvest.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink for topic.
func NewPublishSink(publisher harvest.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per terminal or paused event. Every
// event is attempted; the joined error reports the failures.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() && evt.Status != harvest.StatusPaused {
			continue
		}
		n := Notification{
			TaskID:      evt.TaskID,
			Kind:        evt.Kind,
			Status:      evt.Status,
			Phase:       evt.Phase,
			ItemCount:   evt.Data.ItemCount,
			Error:       evt.Data.Err,
			FailedPhase: evt.Data.FailedPhase,
			Message:     evt.Message,
			At:          evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish task %s: %w", evt.TaskID, err))
			continue
		}
		s.logger.Debug("published task notification",
			zap.String("task_id", evt.TaskID),
			zap.String("status", string(evt.Status)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
