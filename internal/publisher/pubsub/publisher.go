// Package pubsub publishes task notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Keyed payloads are published with an ordering key, so subscribers see one
// task's notifications in the order they were produced.
type Keyed interface {
	OrderingKey() string
}

// Attributed payloads contribute message attributes for subscription filters.
type Attributed interface {
	Attributes() map[string]string
}

// Publisher sends JSON payloads through a topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher and enables message ordering on publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher != nil {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher}
}

// Publish encodes payload as JSON and waits for the server to accept it. The
// topic name is recorded as an attribute alongside any the payload supplies.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := map[string]string{}
	if a, ok := payload.(Attributed); ok {
		maps.Copy(attrs, a.Attributes())
	}
	attrs["content_type"] = "application/json"
	attrs["topic"] = topic

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if k, ok := payload.(Keyed); ok {
		msg.OrderingKey = k.OrderingKey()
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses the key until resumed.
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}
