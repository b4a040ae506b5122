// Package pubsub implements a Google Cloud Pub/Sub publisher for session
// transition notifications.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Publisher wraps a Pub/Sub client and publishes JSON payloads to fully
// qualified topic names (projects/<project>/topics/<topic>).
type Publisher struct {
	client  *pubsub.Client
	project string
}

// New creates a Publisher backed by a Pub/Sub client authenticated with
// Application Default Credentials.
func New(ctx context.Context, projectID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, project: projectID}, nil
}

// Publish marshals the payload to JSON and publishes it, waiting for the
// broker acknowledgment so callers observe publish failures.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	name := fmt.Sprintf("projects/%s/topics/%s", p.project, topic)
	result := p.client.Publisher(name).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close releases the underlying client connection.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
