package state

import (
	"context"
	"errors"
	"time"
)

// ErrCorruptState is returned when persisted state exists but cannot be decoded.
var ErrCorruptState = errors.New("corrupt persisted state")

// LeaseRecord is a broker lease held by a reader, with enough of the message
// to settle it after a restart.
type LeaseRecord struct {
	Handle        string            `json:"handle"`
	Reader        string            `json:"reader"`
	MessageID     string            `json:"message_id"`
	Topic         string            `json:"topic"`
	LockToken     string            `json:"lock_token"`
	LockedUntil   time.Time         `json:"locked_until"`
	RenewCount    int               `json:"renew_count"`
	LimitReported bool              `json:"limit_reported,omitempty"`
	DeliveryCount int               `json:"delivery_count"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	Body          []byte            `json:"body"`
	Headers       map[string]string `json:"headers,omitempty"`
}

type SlotRecord struct {
	ID        int    `json:"id"`
	Handle    string `json:"handle"`
	EventType string `json:"event_type"`
}

// PoolRecord is the persisted partition of a worker pool. Slots not listed in
// Busy are free.
type PoolRecord struct {
	Name      string       `json:"name"`
	Size      int          `json:"size"`
	Busy      []SlotRecord `json:"busy"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Store interface {
	SaveLease(ctx context.Context, lease LeaseRecord) error
	DeleteLease(ctx context.Context, reader, handle string) error
	LoadLeases(ctx context.Context, reader string) ([]LeaseRecord, error)
	// LoadPool returns nil and no error when nothing was persisted.
	LoadPool(ctx context.Context, name string) (*PoolRecord, error)
	SavePool(ctx context.Context, pool PoolRecord) error
	Close() error
}
