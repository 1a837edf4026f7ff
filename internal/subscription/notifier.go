package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"captainhook/internal/broker"
	"captainhook/pkg/models"
)

// Notifier announces subscription changes on the config update topic so
// every instance reloads its cache.
type Notifier struct {
	publisher broker.Publisher
	topic     string
	origin    string
}

// NewNotifier returns a notifier tagging its events with origin. An empty
// origin gets a random one.
func NewNotifier(publisher broker.Publisher, topic, origin string) *Notifier {
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Notifier{
		publisher: publisher,
		topic:     topic,
		origin:    origin,
	}
}

func (n *Notifier) Origin() string {
	return n.origin
}

func (n *Notifier) PublishReload(ctx context.Context, changedBy string) error {
	return n.publish(ctx, models.ConfigUpdateEvent{
		EventType: models.EventTypeSubscriptionUpdated,
		Action:    models.ActionReload,
		Timestamp: time.Now().UTC(),
		ChangedBy: changedBy,
		Origin:    n.origin,
	})
}

func (n *Notifier) publish(ctx context.Context, event models.ConfigUpdateEvent) error {
	if n.publisher == nil || n.topic == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal config event: %w", err)
	}

	headers := map[string]string{"event_type": event.EventType}
	if err := n.publisher.Publish(ctx, n.topic, body, headers); err != nil {
		return fmt.Errorf("failed to publish config event to %s: %w", n.topic, err)
	}
	return nil
}
