package subscription

import (
	"fmt"
	"strings"
	"time"

	"captainhook/internal/webhook"
)

// Subscription binds an event type to the webhook that receives it and an
// optional callback that receives the webhook's response.
type Subscription struct {
	ID        string                 `json:"id,omitempty"`
	EventType string                 `json:"eventType"`
	Name      string                 `json:"name,omitempty"`
	Webhook   *webhook.WebhookConfig `json:"webhook"`
	Callback  *webhook.WebhookConfig `json:"callback,omitempty"`
	// Condition is a CEL expression. Messages it rejects are skipped.
	Condition string    `json:"condition,omitempty"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Key normalizes an event type for lookups.
func Key(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}

func (s *Subscription) HasCallback() bool {
	return s.Callback != nil && s.Callback.URI != ""
}

type conditionValidator interface {
	ValidateFilterExpression(expression string) error
}

func (s *Subscription) Validate(conditions conditionValidator) error {
	if Key(s.EventType) == "" {
		return fmt.Errorf("subscription %q: eventType is required", s.Name)
	}
	if s.Webhook == nil {
		return fmt.Errorf("subscription %q: webhook is required", s.EventType)
	}
	if err := s.Webhook.Validate(); err != nil {
		return fmt.Errorf("subscription %q: %w", s.EventType, err)
	}
	if s.Callback != nil {
		if err := s.Callback.Validate(); err != nil {
			return fmt.Errorf("subscription %q: callback: %w", s.EventType, err)
		}
	}
	if s.Condition != "" && conditions != nil {
		if err := conditions.ValidateFilterExpression(s.Condition); err != nil {
			return fmt.Errorf("subscription %q: condition: %w", s.EventType, err)
		}
	}
	return nil
}
