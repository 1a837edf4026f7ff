package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrLockLost is returned when a lease has expired or the message was
	// already settled. The broker will (or did) redeliver it.
	ErrLockLost = errors.New("message lock lost")
	ErrClosed   = errors.New("broker closed")
)

// Message is one leased broker message.
type Message struct {
	ID            string
	Topic         string
	LockToken     string
	LockedUntil   time.Time
	DeliveryCount int
	EnqueuedAt    time.Time
	Body          []byte
	Headers       map[string]string
}

// Receiver consumes one topic through the shared subscription with
// peek-lock semantics.
type Receiver interface {
	// Receive returns up to maxMessages, waiting at most wait for the first.
	// An empty result with a nil error means nothing was available.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Message, error)
	RenewLock(ctx context.Context, msg *Message) (time.Time, error)
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

type Broker interface {
	Publisher
	NewReceiver(eventType string) (Receiver, error)
	// Subscribe delivers every message on topic to handler until ctx is
	// done. Each process receives its own copy.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
}

// TopicName derives the broker topic for an event type.
func TopicName(prefix, eventType string) string {
	return prefix + strings.ToLower(strings.TrimSpace(eventType))
}
