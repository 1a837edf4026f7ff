package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"captainhook/internal/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryBroker(maxDelivery int) (*MemoryBroker, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := NewMemoryBroker(MemoryOptions{
		LeaseDuration:    30 * time.Second,
		MaxDeliveryCount: maxDelivery,
		Clock:            clock.Now,
	})
	return b, clock
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "orderplaced", TopicName("", "OrderPlaced"))
	assert.Equal(t, "prod.orderplaced", TopicName("prod.", " OrderPlaced "))
}

func TestMemoryBroker_ReceiveLocksMessage(t *testing.T) {
	b, clock := newTestMemoryBroker(10)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{"id":1}`), map[string]string{"k": "v"}))

	r, err := b.NewReceiver("OrderPlaced")
	require.NoError(t, err)

	msgs, err := r.Receive(ctx, 3, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "orderplaced", msg.Topic)
	assert.NotEmpty(t, msg.LockToken)
	assert.Equal(t, 1, msg.DeliveryCount)
	assert.Equal(t, clock.Now().Add(30*time.Second), msg.LockedUntil)
	assert.JSONEq(t, `{"id":1}`, string(msg.Body))
	assert.Equal(t, "v", msg.Headers["k"])

	// Locked messages are invisible to other receives.
	again, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryBroker_Complete(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{}`), nil))

	r, _ := b.NewReceiver("orderplaced")
	msgs, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, r.Complete(ctx, msgs[0]))
	assert.Equal(t, 0, b.Pending("orderplaced"))
	assert.ErrorIs(t, r.Complete(ctx, msgs[0]), ErrLockLost)
}

func TestMemoryBroker_AbandonRedelivers(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{}`), nil))

	r, _ := b.NewReceiver("orderplaced")
	first, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, r.Abandon(ctx, first[0]))

	second, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].DeliveryCount)
	assert.NotEqual(t, first[0].LockToken, second[0].LockToken)

	// The stale token no longer settles the message.
	assert.ErrorIs(t, r.Complete(ctx, first[0]), ErrLockLost)
}

func TestMemoryBroker_ExpiredLockIsRedelivered(t *testing.T) {
	b, clock := newTestMemoryBroker(10)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{}`), nil))

	r, _ := b.NewReceiver("orderplaced")
	first, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(31 * time.Second)

	_, err = r.RenewLock(ctx, first[0])
	assert.ErrorIs(t, err, ErrLockLost)

	second, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].DeliveryCount)
}

func TestMemoryBroker_RenewLockExtendsLease(t *testing.T) {
	b, clock := newTestMemoryBroker(10)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{}`), nil))

	r, _ := b.NewReceiver("orderplaced")
	msgs, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	clock.Advance(20 * time.Second)
	until, err := r.RenewLock(ctx, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Second), until)
	assert.Equal(t, until, msgs[0].LockedUntil)

	clock.Advance(20 * time.Second)
	require.NoError(t, r.Complete(ctx, msgs[0]))
}

func TestMemoryBroker_DeadLettersAfterMaxDeliveries(t *testing.T) {
	b, _ := newTestMemoryBroker(2)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{"n":1}`), nil))

	r, _ := b.NewReceiver("orderplaced")
	for i := 0; i < 2; i++ {
		msgs, err := r.Receive(ctx, 1, 10*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, r.Abandon(ctx, msgs[0]))
	}

	msgs, err := r.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead := b.DeadLetters("orderplaced")
	require.Len(t, dead, 1)
	assert.Equal(t, "MaxDeliveryCountExceeded", dead[0].Headers["x-dead-letter-reason"])
	assert.JSONEq(t, `{"n":1}`, string(dead[0].Body))
}

func TestMemoryBroker_ReceiveRespectsBatchSize(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "orderplaced", []byte(`{}`), nil))
	}

	r, _ := b.NewReceiver("orderplaced")
	msgs, err := r.Receive(ctx, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestMemoryBroker_ReceiveWakesOnPublish(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	ctx := context.Background()
	r, _ := b.NewReceiver("orderplaced")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(ctx, "orderplaced", []byte(`{}`), nil)
	}()

	msgs, err := r.Receive(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMemoryBroker_ReceiveHonoursContext(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	r, _ := b.NewReceiver("orderplaced")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Receive(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBroker_ClosedBroker(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	r, _ := b.NewReceiver("orderplaced")
	require.NoError(t, b.Close())

	_, err := r.Receive(context.Background(), 1, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "orderplaced", nil, nil), ErrClosed)
}

func TestMemoryBroker_Subscribe(t *testing.T) {
	b, _ := newTestMemoryBroker(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "config-updates", func(_ context.Context, msg *Message) error {
			got <- msg
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subscribers["config-updates"]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(ctx, "config-updates", []byte(`{"action":"reload"}`), nil))

	select {
	case msg := <-got:
		assert.JSONEq(t, `{"action":"reload"}`, string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMemoryBroker_SubscribeLogsHandlerFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	b := NewMemoryBroker(MemoryOptions{Logger: logger.NewWithCore(core)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 3)
	go func() {
		_ = b.Subscribe(ctx, "config-updates", func(_ context.Context, msg *Message) error {
			handled <- string(msg.Body)
			switch string(msg.Body) {
			case "fail":
				return errors.New("reload failed")
			case "panic":
				panic("boom")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subscribers["config-updates"]) == 1
	}, time.Second, 5*time.Millisecond)

	for _, body := range []string{"fail", "panic", "ok"} {
		require.NoError(t, b.Publish(ctx, "config-updates", []byte(body), nil))
	}

	for _, want := range []string{"fail", "panic", "ok"} {
		select {
		case got := <-handled:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not handle %q", want)
		}
	}

	failures := logs.FilterMessage("Failed to handle message")
	require.Equal(t, 2, failures.Len())
	assert.Equal(t, "config-updates", failures.All()[0].ContextMap()["topic"])
}
