// Package pubsub implements a Google Cloud Pub/Sub incident publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/fetchgate/fetchgate/internal/resilience"
)

// Publisher fans incidents out to a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New creates a Publisher for the project's topic. Authentication uses
// Application Default Credentials.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicID)}, nil
}

// Publish marshals the incident to JSON and publishes it. Level, kind and
// source ride along as attributes so subscribers can filter without decoding.
func (p *Publisher) Publish(ctx context.Context, event resilience.IncidentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"level":  event.Level,
			"kind":   event.Kind,
			"source": event.Source,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish incident: %w", err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
