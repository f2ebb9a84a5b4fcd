package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the external fan-out record emitted when an alert notification is
// created. Consumers downstream (email, dashboards) subscribe to the topic.
type Event struct {
	Kind       string          `json:"kind"`
	AlertID    uuid.UUID       `json:"alertId"`
	ProductID  uuid.UUID       `json:"productId"`
	OrderID    *uuid.UUID      `json:"orderId,omitempty"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Broadcaster pushes events to an external sink. Delivery is best effort;
// callers never fail their own transaction on a broadcast error.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event. Used in tests and when no sink is configured.
type Noop struct{}

func (Noop) Broadcast(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

func encode(event Event) ([]byte, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal broadcast event: %w", err)
	}
	return data, nil
}
