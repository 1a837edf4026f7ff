package models

import "time"

// ConfigUpdateEvent is published when subscriptions change in the config
// store. Receivers reload their subscription cache.
type ConfigUpdateEvent struct {
	EventType        string                 `json:"event_type"`
	SubscriptionType string                 `json:"subscription_event_type,omitempty"`
	Action           string                 `json:"action"`
	Timestamp        time.Time              `json:"timestamp"`
	ChangedBy        string                 `json:"changed_by,omitempty"`
	// Origin identifies the publishing instance so it can skip its own event.
	Origin           string                 `json:"origin,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

const (
	EventTypeSubscriptionUpdated = "subscription_updated"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionToggle = "toggle"
	ActionReload = "reload"
)
