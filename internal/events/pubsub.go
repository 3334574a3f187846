// Package events fans out verdicts to durable, cross-service subscribers,
// the optional extension spec §9 names alongside the local ledger.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/veil/internal/core"
)

// VerdictPublisher publishes every terminal Verdict to a Google Cloud
// Pub/Sub topic so downstream consumers (SIEM ingestion, alerting, a
// separate analytics pipeline) can react without polling the ledger file.
type VerdictPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewVerdictPublisher connects to projectID and ensures topicID exists.
func NewVerdictPublisher(projectID, topicID string) (*VerdictPublisher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("events: CreateTopic: %w", err)
		}
		slog.Info("events: created pub/sub topic", "topic_id", topicID)
	}

	return &VerdictPublisher{client: client, topic: topic}, nil
}

// Publish fans out verdict for the given request path asynchronously; the
// publish result is awaited in the background so the assessment response
// never waits on Pub/Sub round-trip latency.
func (p *VerdictPublisher) Publish(ctx context.Context, path string, verdict *core.Verdict) {
	data, err := json.Marshal(struct {
		Path    string        `json:"path"`
		Verdict *core.Verdict `json:"verdict"`
	}{Path: path, Verdict: verdict})
	if err != nil {
		slog.Error("events: marshal verdict failed", "error", err)
		return
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("events: pubsub publish failed", "error", err)
		}
	}()
}

// Close stops the topic and closes the client.
func (p *VerdictPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
