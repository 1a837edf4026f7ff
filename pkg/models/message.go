package models

import (
	"encoding/json"
	"time"
)

// MessageEnvelope is the single message type passed by value through the
// dispatch pipeline.
type MessageEnvelope struct {
	MessageID     string          `json:"message_id"`
	EventType     string          `json:"event_type"`
	Handle        string          `json:"handle"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	// TraceContext holds W3C trace headers carried on the broker message.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}
