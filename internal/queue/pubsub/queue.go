// Package pubsub implements the task queue on Google Cloud Pub/Sub so that
// API replicas and worker replicas can run as separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = harvest.ErrQueueClosed

// Queue publishes items to a topic and hands messages from a subscription
// to Dequeue callers. A message is acked only after a caller has taken it.
type Queue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	deliveries chan harvest.QueueItem
	startOnce  sync.Once
	closeOnce  sync.Once
	stop       context.CancelFunc
	baseCtx    context.Context
	done       chan struct{}
	recvErr    error
}

// New builds a Queue. Receiving starts with the first Dequeue.
func New(publisher *pubsub.Publisher, subscriber *pubsub.Subscriber, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.Named("pubsub_queue"),
		deliveries: make(chan harvest.QueueItem),
		stop:       cancel,
		baseCtx:    ctx,
		done:       make(chan struct{}),
	}
}

// Enqueue publishes item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if q.baseCtx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	result := q.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"task_id": item.TaskID,
			"action":  string(item.Action),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives, the context finishes or the queue
// is closed.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	q.startOnce.Do(func() { go q.receive() })
	select {
	case item := <-q.deliveries:
		return item, nil
	case <-ctx.Done():
		return harvest.QueueItem{}, ctx.Err()
	case <-q.done:
		if q.recvErr != nil {
			return harvest.QueueItem{}, fmt.Errorf("receive: %w", q.recvErr)
		}
		return harvest.QueueItem{}, ErrClosed
	}
}

func (q *Queue) receive() {
	defer close(q.done)
	err := q.subscriber.Receive(q.baseCtx, func(ctx context.Context, msg *pubsub.Message) {
		var item harvest.QueueItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			q.logger.Error("dropping undecodable queue message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.deliveries <- item:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && q.baseCtx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
		q.recvErr = err
	}
}

// Close stops receiving, nacking undelivered messages, and flushes the
// publisher.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.stop()
		q.startOnce.Do(func() { close(q.done) })
		<-q.done
		q.publisher.Stop()
	})
}
