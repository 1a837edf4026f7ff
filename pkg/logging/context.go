package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey       = "trace_id"
	MessageIDKey     = "message_id"
	ServiceNameKey   = "service_name"
	CorrelationIDKey = "correlation_id"
	HandleKey        = "handle"
	EventTypeKey     = "event_type"
)

var orderedKeys = []string{
	TraceIDKey,
	CorrelationIDKey,
	HandleKey,
	EventTypeKey,
	MessageIDKey,
	ServiceNameKey,
}

func with(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey(key), value)
}

func get(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(contextKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return with(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return with(ctx, CorrelationIDKey, correlationID)
}

func WithHandle(ctx context.Context, handle string) context.Context {
	return with(ctx, HandleKey, handle)
}

func WithEventType(ctx context.Context, eventType string) context.Context {
	return with(ctx, EventTypeKey, eventType)
}

func GetTraceID(ctx context.Context) string       { return get(ctx, TraceIDKey) }
func GetMessageID(ctx context.Context) string     { return get(ctx, MessageIDKey) }
func GetServiceName(ctx context.Context) string   { return get(ctx, ServiceNameKey) }
func GetCorrelationID(ctx context.Context) string { return get(ctx, CorrelationIDKey) }
func GetHandle(ctx context.Context) string        { return get(ctx, HandleKey) }
func GetEventType(ctx context.Context) string     { return get(ctx, EventTypeKey) }

// GetLogFields returns the key/value pairs stored on ctx in a stable order,
// ready to pass to a sugared logger.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, len(orderedKeys)*2)
	for _, key := range orderedKeys {
		if v := get(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}
	return fields
}
