package models

import (
	"encoding/json"
	"time"
)

type MessageEnvelopeBuilder struct {
	envelope MessageEnvelope
}

func NewMessageEnvelopeBuilder() *MessageEnvelopeBuilder {
	return &MessageEnvelopeBuilder{}
}

func (b *MessageEnvelopeBuilder) WithMessageID(id string) *MessageEnvelopeBuilder {
	b.envelope.MessageID = id
	return b
}

func (b *MessageEnvelopeBuilder) WithEventType(eventType string) *MessageEnvelopeBuilder {
	b.envelope.EventType = eventType
	return b
}

// WithHandle sets the handle and derives the correlation id from it.
func (b *MessageEnvelopeBuilder) WithHandle(handle string) *MessageEnvelopeBuilder {
	b.envelope.Handle = handle
	b.envelope.CorrelationID = handle
	return b
}

func (b *MessageEnvelopeBuilder) WithTimestamp(timestamp time.Time) *MessageEnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

func (b *MessageEnvelopeBuilder) WithPayload(payload []byte) *MessageEnvelopeBuilder {
	b.envelope.Payload = json.RawMessage(payload)
	return b
}

func (b *MessageEnvelopeBuilder) WithTraceContext(carrier map[string]string) *MessageEnvelopeBuilder {
	if len(carrier) == 0 {
		return b
	}
	b.envelope.TraceContext = make(map[string]string, len(carrier))
	for k, v := range carrier {
		b.envelope.TraceContext[k] = v
	}
	return b
}

func (b *MessageEnvelopeBuilder) Build() MessageEnvelope {
	if b.envelope.Timestamp.IsZero() {
		b.envelope.Timestamp = time.Now().UTC()
	}
	return b.envelope
}
