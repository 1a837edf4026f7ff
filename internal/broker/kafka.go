package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/internal/logger"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/logging"
	"captainhook/pkg/retry"
	"captainhook/pkg/tracing"
)

// kafkaBatchLinger bounds how long Receive waits for the rest of a batch once
// the first message arrived.
const kafkaBatchLinger = 50 * time.Millisecond

// messageWriter is the part of *kafka.Writer the broker uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of *kafka.Reader a receiver uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroker maps the peek-lock model onto Kafka consumer groups. A lease is
// local to the receiving process: completing marks the offset done, abandoning
// and lease expiry republish the record with an incremented delivery count.
// Offsets are committed only up to the lowest unsettled message per partition.
type KafkaBroker struct {
	cfg    config.KafkaConfig
	writer messageWriter
	logger logger.Logger
	clock  func() time.Time

	mu        sync.Mutex
	receivers []*kafkaReceiver
}

func NewKafkaBroker(cfg config.KafkaConfig, log logger.Logger) *KafkaBroker {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = constants.DefaultLeaseDuration
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = constants.DefaultMaxDeliveryCount
	}
	if cfg.GroupID == "" {
		cfg.GroupID = constants.SubscriptionName
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &KafkaBroker{
		cfg:    cfg,
		writer: w,
		logger: log.Named("kafka"),
		clock:  time.Now,
	}
}

func policyFromConfig(cfg config.RetryConfig) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return policy
}

func (b *KafkaBroker) Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Value: body,
		Time:  b.clock(),
	}

	headers = copyHeaders(headers)
	if headers[constants.KafkaHeaderMessageID] == "" {
		headers[constants.KafkaHeaderMessageID] = uuid.NewString()
	}
	msg.Key = []byte(headers[constants.KafkaHeaderMessageID])
	msg.Headers = toKafkaHeaders(headers)
	if _, ok := headers["traceparent"]; !ok {
		msg.Headers = tracing.InjectTraceContext(ctx, msg.Headers)
	}

	err := retry.RetryWithCallback(ctx, policyFromConfig(b.cfg.Retry), func() error {
		return b.writer.WriteMessages(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		b.logger.WarnwCtx(ctx, "Retrying kafka write",
			"topic", topic,
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (b *KafkaBroker) NewReceiver(eventType string) (Receiver, error) {
	topic := TopicName(b.cfg.TopicPrefix, eventType)
	if topic == "" {
		return nil, fmt.Errorf("empty topic for event type %q", eventType)
	}

	b.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", b.cfg.Brokers,
		"group_id", b.cfg.GroupID,
	)

	r := newKafkaReceiver(b, eventType, topic, kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		GroupID:        b.cfg.GroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}))

	b.mu.Lock()
	b.receivers = append(b.receivers, r)
	b.mu.Unlock()
	return r, nil
}

// Subscribe reads topic from its latest offset without a consumer group, so
// every process sees every message.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		return fmt.Errorf("failed to seek %s: %w", topic, err)
	}

	subCtx := logging.WithServiceName(ctx, constants.ServiceName)
	b.logger.InfowCtx(subCtx, "Started consuming", "topic", topic)

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.InfowCtx(subCtx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return ctx.Err()
			}
			b.logger.ErrorwCtx(subCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		msg := fromKafkaMessage(m)
		msgCtx := tracing.ExtractTraceContext(ctx, m.Headers)
		msgCtx = logging.WithMessageID(msgCtx, msg.ID)

		if err := apperrors.SafeCall(func() error { return handler(msgCtx, msg) }); err != nil {
			b.logger.ErrorwCtx(msgCtx, "Failed to handle message",
				"error", err,
				"topic", topic,
			)
		}
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	receivers := b.receivers
	b.receivers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range receivers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *KafkaBroker) deadLetterTopic(topic string) string {
	if b.cfg.DLQTopic != "" {
		return b.cfg.DLQTopic
	}
	return topic + ".dlq"
}

type kafkaLease struct {
	record      kafka.Message
	lockedUntil time.Time
	delivery    int
}

type kafkaReceiver struct {
	broker    *KafkaBroker
	eventType string
	topic     string
	reader    messageReader

	mu      sync.Mutex
	leases  map[string]*kafkaLease
	offsets map[int]*offsetTracker
	closed  bool
}

func newKafkaReceiver(b *KafkaBroker, eventType, topic string, reader messageReader) *kafkaReceiver {
	return &kafkaReceiver{
		broker:    b,
		eventType: eventType,
		topic:     topic,
		reader:    reader,
		leases:    make(map[string]*kafkaLease),
		offsets:   make(map[int]*offsetTracker),
	}
}

func lockToken(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

func (r *kafkaReceiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	r.redeliverExpired(ctx)

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer func() { cancel() }()

	var out []*Message
	for len(out) < maxMessages {
		m, err := r.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			if errors.Is(err, io.EOF) {
				return out, ErrClosed
			}
			return out, fmt.Errorf("failed to fetch from %s: %w", r.topic, err)
		}

		out = append(out, r.lease(m))

		if len(out) == 1 {
			cancel()
			fetchCtx, cancel = context.WithTimeout(ctx, kafkaBatchLinger)
		}
	}
	return out, nil
}

func (r *kafkaReceiver) lease(m kafka.Message) *Message {
	msg := fromKafkaMessage(m)
	msg.LockToken = lockToken(m)
	msg.LockedUntil = r.broker.clock().Add(r.broker.cfg.LeaseDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	tracker, ok := r.offsets[m.Partition]
	if !ok {
		tracker = newOffsetTracker()
		r.offsets[m.Partition] = tracker
	}
	tracker.track(m.Offset)
	r.leases[msg.LockToken] = &kafkaLease{
		record:      m,
		lockedUntil: msg.LockedUntil,
		delivery:    msg.DeliveryCount,
	}
	return msg
}

// redeliverExpired republishes every lease whose lock ran out without being
// settled, mirroring the broker side redelivery of an expired peek-lock.
func (r *kafkaReceiver) redeliverExpired(ctx context.Context) {
	now := r.broker.clock()

	r.mu.Lock()
	var expired []*kafkaLease
	for token, l := range r.leases {
		if now.After(l.lockedUntil) {
			expired = append(expired, l)
			delete(r.leases, token)
		}
	}
	r.mu.Unlock()

	for _, l := range expired {
		r.broker.logger.WarnwCtx(ctx, "Lease expired, redelivering",
			"topic", r.topic,
			"lock_token", lockToken(l.record),
			"delivery_count", l.delivery,
		)
		if err := r.requeue(ctx, l, "LockExpired"); err != nil {
			r.broker.logger.ErrorwCtx(ctx, "Failed to redeliver expired lease, retrying on next receive",
				"topic", r.topic,
				"lock_token", lockToken(l.record),
				"error", err,
			)
			r.restore(l)
		}
	}
}

// take removes the lease for msg when its lock is still valid.
func (r *kafkaReceiver) take(msg *Message) (*kafkaLease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[msg.LockToken]
	if !ok || r.broker.clock().After(l.lockedUntil) {
		return nil, ErrLockLost
	}
	delete(r.leases, msg.LockToken)
	return l, nil
}

// restore puts back a lease whose requeue failed. An expired lease is retried
// by the next Receive.
func (r *kafkaReceiver) restore(l *kafkaLease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.leases[lockToken(l.record)] = l
}

func (r *kafkaReceiver) RenewLock(ctx context.Context, msg *Message) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[msg.LockToken]
	if !ok {
		return time.Time{}, ErrLockLost
	}
	now := r.broker.clock()
	if now.After(l.lockedUntil) {
		return time.Time{}, ErrLockLost
	}
	l.lockedUntil = now.Add(r.broker.cfg.LeaseDuration)
	msg.LockedUntil = l.lockedUntil
	return l.lockedUntil, nil
}

func (r *kafkaReceiver) Complete(ctx context.Context, msg *Message) error {
	l, err := r.take(msg)
	if err != nil {
		return err
	}
	return r.markDone(ctx, l.record)
}

func (r *kafkaReceiver) Abandon(ctx context.Context, msg *Message) error {
	l, err := r.take(msg)
	if err != nil {
		return err
	}
	if err := r.requeue(ctx, l, "Abandoned"); err != nil {
		r.restore(l)
		return err
	}
	return nil
}

// requeue republishes the leased record, or dead-letters it once the delivery
// count is exhausted, then settles the original offset.
func (r *kafkaReceiver) requeue(ctx context.Context, l *kafkaLease, reason string) error {
	headers := fromKafkaHeaders(l.record.Headers)
	target := r.topic

	if l.delivery >= r.broker.cfg.MaxDeliveryCount {
		target = r.broker.deadLetterTopic(r.topic)
		headers["x-dead-letter-reason"] = "MaxDeliveryCountExceeded"
		headers["x-source-topic"] = r.topic
	} else {
		headers[constants.KafkaHeaderDeliveryCount] = strconv.Itoa(l.delivery + 1)
		headers["x-requeue-reason"] = reason
	}

	if err := r.broker.Publish(ctx, target, l.record.Value, headers); err != nil {
		return err
	}
	return r.markDone(ctx, l.record)
}

func (r *kafkaReceiver) markDone(ctx context.Context, m kafka.Message) error {
	r.mu.Lock()
	tracker, ok := r.offsets[m.Partition]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	offset, advanced := tracker.markDone(m.Offset)
	r.mu.Unlock()

	if !advanced {
		return nil
	}
	commit := kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: offset}
	if err := r.reader.CommitMessages(ctx, commit); err != nil {
		return fmt.Errorf("failed to commit %s/%d@%d: %w", m.Topic, m.Partition, offset, err)
	}
	return nil
}

func (r *kafkaReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.reader.Close()
}

// offsetTracker yields the highest offset below which every fetched offset of
// a partition is settled.
type offsetTracker struct {
	outstanding []int64
	done        map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{done: make(map[int64]bool)}
}

func (t *offsetTracker) track(offset int64) {
	t.outstanding = append(t.outstanding, offset)
}

func (t *offsetTracker) markDone(offset int64) (int64, bool) {
	t.done[offset] = true

	var last int64
	advanced := false
	for len(t.outstanding) > 0 && t.done[t.outstanding[0]] {
		last = t.outstanding[0]
		delete(t.done, last)
		t.outstanding = t.outstanding[1:]
		advanced = true
	}
	return last, advanced
}

func (t *offsetTracker) pending() int {
	return len(t.outstanding)
}

func fromKafkaMessage(m kafka.Message) *Message {
	headers := fromKafkaHeaders(m.Headers)
	delivery := 1
	if v, err := strconv.Atoi(headers[constants.KafkaHeaderDeliveryCount]); err == nil && v > 0 {
		delivery = v
	}
	id := headers[constants.KafkaHeaderMessageID]
	if id == "" {
		id = lockToken(m)
	}
	return &Message{
		ID:            id,
		Topic:         m.Topic,
		DeliveryCount: delivery,
		EnqueuedAt:    m.Time,
		Body:          m.Value,
		Headers:       headers,
	}
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafka.Header) map[string]string {
	out := make(map[string]string, len(h))
	for _, header := range h {
		out[header.Key] = string(header.Value)
	}
	return out
}
