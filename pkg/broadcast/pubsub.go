package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/jbellard/stockline-backend/pkg/config"
	"github.com/jbellard/stockline-backend/pkg/logger"
)

var errProjectIDRequired = errors.New("gcp project id is required")

// PubSub publishes broadcast events to a Google Pub/Sub topic.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logg      *logger.Logger
}

// NewPubSub creates a Pub/Sub v2 client bound to the configured events topic.
func NewPubSub(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*PubSub, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	if strings.TrimSpace(cfg.EventsTopic) == "" {
		return nil, errors.New("pubsub events topic is required")
	}

	client, err := pubsub.NewClient(ctx, gcp.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	publisher := client.Publisher(topicResourceName(gcp.ProjectID, cfg.EventsTopic))
	if logg != nil {
		logg.Info(ctx, "pubsub broadcaster initialized")
	}
	return &PubSub{client: client, publisher: publisher, logg: logg}, nil
}

// Broadcast publishes the event and waits for the server acknowledgement.
func (p *PubSub) Broadcast(ctx context.Context, event Event) error {
	data, err := encode(event)
	if err != nil {
		return err
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind": event.Kind,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing broadcast event: %w", err)
	}
	return nil
}

// Close flushes outstanding publishes and releases the client.
func (p *PubSub) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	if p.publisher != nil {
		p.publisher.Stop()
	}
	return p.client.Close()
}

func topicResourceName(projectID, name string) string {
	n := strings.TrimSpace(name)
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	return fmt.Sprintf("projects/%s/topics/%s", strings.TrimSpace(projectID), n)
}
