package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"captainhook/internal/constants"
	"captainhook/internal/logger"
	apperrors "captainhook/pkg/errors"
)

type MemoryOptions struct {
	TopicPrefix      string
	LeaseDuration    time.Duration
	MaxDeliveryCount int
	DLQTopic         string
	Clock            func() time.Time
	Logger           logger.Logger
}

type memoryEntry struct {
	msg           Message
	deliveryCount int
	lockToken     string
	lockedUntil   time.Time
}

type memorySubscriber struct {
	queue  []*Message
	signal chan struct{}
}

// MemoryBroker is an in-process broker with peek-lock semantics: received
// messages are hidden until completed, abandoned or their lock expires.
type MemoryBroker struct {
	mu          sync.Mutex
	opts        MemoryOptions
	topics      map[string][]*memoryEntry
	subscribers map[string][]*memorySubscriber
	signal      chan struct{}
	closed      bool
	seq         int64
}

func NewMemoryBroker(opts MemoryOptions) *MemoryBroker {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = constants.DefaultLeaseDuration
	}
	if opts.MaxDeliveryCount <= 0 {
		opts.MaxDeliveryCount = constants.DefaultMaxDeliveryCount
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}
	return &MemoryBroker{
		opts:        opts,
		topics:      make(map[string][]*memoryEntry),
		subscribers: make(map[string][]*memorySubscriber),
		signal:      make(chan struct{}),
	}
}

// wake releases every goroutine waiting in Receive. Caller holds b.mu.
func (b *MemoryBroker) wake() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.seq++
	msg := Message{
		ID:         strconv.FormatInt(b.seq, 10),
		Topic:      topic,
		EnqueuedAt: b.opts.Clock(),
		Body:       append([]byte(nil), body...),
		Headers:    copyHeaders(headers),
	}
	b.enqueue(topic, msg, 0)

	for _, sub := range b.subscribers[topic] {
		cp := msg
		sub.queue = append(sub.queue, &cp)
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) enqueue(topic string, msg Message, deliveryCount int) {
	b.topics[topic] = append(b.topics[topic], &memoryEntry{msg: msg, deliveryCount: deliveryCount})
	b.wake()
}

func (b *MemoryBroker) deadLetterTopic(topic string) string {
	if b.opts.DLQTopic != "" {
		return b.opts.DLQTopic
	}
	return topic + ".dlq"
}

// deadLetter moves the entry at index i of topic to the dead-letter topic.
// Caller holds b.mu.
func (b *MemoryBroker) deadLetter(topic string, i int, reason string) {
	entry := b.topics[topic][i]
	b.topics[topic] = append(b.topics[topic][:i], b.topics[topic][i+1:]...)

	msg := entry.msg
	msg.Headers = copyHeaders(msg.Headers)
	msg.Headers["x-dead-letter-reason"] = reason
	msg.Headers["x-source-topic"] = topic
	b.enqueue(b.deadLetterTopic(topic), msg, entry.deliveryCount)
}

func (b *MemoryBroker) NewReceiver(eventType string) (Receiver, error) {
	return &memoryReceiver{broker: b, topic: TopicName(b.opts.TopicPrefix, eventType)}, nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	sub := &memorySubscriber{signal: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.signal:
		}

		b.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		b.mu.Unlock()

		for _, msg := range batch {
			if err := apperrors.SafeCall(func() error { return handler(ctx, msg) }); err != nil {
				b.opts.Logger.ErrorwCtx(ctx, "Failed to handle message",
					"error", err,
					"topic", topic,
				)
			}
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.wake()
	}
	return nil
}

// Pending returns the number of messages stored on topic, locked or not.
func (b *MemoryBroker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// DeadLetters returns copies of the messages dead-lettered from topic.
func (b *MemoryBroker) DeadLetters(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, e := range b.topics[b.deadLetterTopic(topic)] {
		if e.msg.Headers["x-source-topic"] == topic {
			out = append(out, e.msg)
		}
	}
	return out
}

// lookup finds the entry holding a valid lock for msg. Caller holds b.mu.
func (b *MemoryBroker) lookup(msg *Message) (int, *memoryEntry, error) {
	for i, e := range b.topics[msg.Topic] {
		if e.lockToken != "" && e.lockToken == msg.LockToken {
			if b.opts.Clock().After(e.lockedUntil) {
				return -1, nil, ErrLockLost
			}
			return i, e, nil
		}
	}
	return -1, nil, ErrLockLost
}

type memoryReceiver struct {
	broker *MemoryBroker
	topic  string
}

func (r *memoryReceiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b := r.broker
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		msgs := r.lockAvailable(maxMessages)
		signal := b.signal
		b.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

// lockAvailable leases up to max unlocked or lock-expired entries. Caller
// holds the broker mutex.
func (r *memoryReceiver) lockAvailable(max int) []*Message {
	b := r.broker
	now := b.opts.Clock()

	var out []*Message
	for i := 0; i < len(b.topics[r.topic]) && len(out) < max; i++ {
		e := b.topics[r.topic][i]
		if e.lockToken != "" && !now.After(e.lockedUntil) {
			continue
		}
		if e.deliveryCount >= b.opts.MaxDeliveryCount {
			b.deadLetter(r.topic, i, "MaxDeliveryCountExceeded")
			i--
			continue
		}

		e.deliveryCount++
		e.lockToken = uuid.NewString()
		e.lockedUntil = now.Add(b.opts.LeaseDuration)

		msg := e.msg
		msg.Body = append([]byte(nil), e.msg.Body...)
		msg.Headers = copyHeaders(e.msg.Headers)
		msg.LockToken = e.lockToken
		msg.LockedUntil = e.lockedUntil
		msg.DeliveryCount = e.deliveryCount
		out = append(out, &msg)
	}
	return out
}

func (r *memoryReceiver) RenewLock(ctx context.Context, msg *Message) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	_, e, err := b.lookup(msg)
	if err != nil {
		return time.Time{}, err
	}
	e.lockedUntil = b.opts.Clock().Add(b.opts.LeaseDuration)
	msg.LockedUntil = e.lockedUntil
	return e.lockedUntil, nil
}

func (r *memoryReceiver) Complete(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	i, _, err := b.lookup(msg)
	if err != nil {
		return err
	}
	b.topics[msg.Topic] = append(b.topics[msg.Topic][:i], b.topics[msg.Topic][i+1:]...)
	return nil
}

func (r *memoryReceiver) Abandon(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	i, e, err := b.lookup(msg)
	if err != nil {
		return err
	}
	if e.deliveryCount >= b.opts.MaxDeliveryCount {
		b.deadLetter(msg.Topic, i, "MaxDeliveryCountExceeded")
		return nil
	}
	e.lockToken = ""
	e.lockedUntil = time.Time{}
	b.wake()
	return nil
}

func (r *memoryReceiver) Close() error {
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
