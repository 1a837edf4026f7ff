package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{Field: "envelope", Message: "message envelope cannot be nil"}
	}

	if msg.Handle == "" {
		return &ValidationError{Field: "handle", Message: "message handle is required"}
	}

	if msg.CorrelationID == "" {
		return &ValidationError{Field: "correlation_id", Message: "correlation id is required"}
	}

	if msg.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "event type is required"}
	}

	if len(msg.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "message payload cannot be empty"}
	}

	return nil
}
