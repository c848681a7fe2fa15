// Package pubsub publishes change events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// EventTypeAttribute names the message attribute carrying the event type.
const EventTypeAttribute = "event_type"

// ChangeEventType tags every published change batch.
const ChangeEventType = "adnotifier.change_batch"

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New returns a Publisher for topicID on client.
func New(client *pubsub.Client, topicID string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if strings.TrimSpace(topicID) == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: client.Topic(topicID)}, nil
}

// Publish marshals the payload to JSON, publishes it and waits for the server id.
func (p *Publisher) Publish(ctx context.Context, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{EventTypeAttribute: ChangeEventType},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}
