package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captainhook/internal/config"
)

func sampleLease(handle string) LeaseRecord {
	return LeaseRecord{
		Handle:        handle,
		Reader:        "orderplaced",
		MessageID:     "msg-" + handle,
		Topic:         "orderplaced",
		LockToken:     "lock-" + handle,
		LockedUntil:   time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC),
		DeliveryCount: 1,
		Body:          []byte(`{"id":1}`),
		Headers:       map[string]string{"traceparent": "00-abc"},
	}
}

// exerciseStore runs the same contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	leases, err := store.LoadLeases(ctx, "orderplaced")
	require.NoError(t, err)
	assert.Empty(t, leases)

	require.NoError(t, store.SaveLease(ctx, sampleLease("h1")))
	require.NoError(t, store.SaveLease(ctx, sampleLease("h2")))

	updated := sampleLease("h1")
	updated.RenewCount = 3
	require.NoError(t, store.SaveLease(ctx, updated))

	leases, err = store.LoadLeases(ctx, "orderplaced")
	require.NoError(t, err)
	require.Len(t, leases, 2)
	byHandle := map[string]LeaseRecord{}
	for _, l := range leases {
		byHandle[l.Handle] = l
	}
	assert.Equal(t, 3, byHandle["h1"].RenewCount)
	assert.Equal(t, []byte(`{"id":1}`), byHandle["h2"].Body)
	assert.Equal(t, "00-abc", byHandle["h2"].Headers["traceparent"])
	assert.True(t, byHandle["h2"].LockedUntil.Equal(sampleLease("h2").LockedUntil))

	require.NoError(t, store.DeleteLease(ctx, "orderplaced", "h1"))
	require.NoError(t, store.DeleteLease(ctx, "orderplaced", "missing"))
	leases, err = store.LoadLeases(ctx, "orderplaced")
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "h2", leases[0].Handle)

	pool, err := store.LoadPool(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, pool)

	record := PoolRecord{
		Name: "default",
		Size: 4,
		Busy: []SlotRecord{{ID: 2, Handle: "h2", EventType: "orderplaced"}},
	}
	require.NoError(t, store.SavePool(ctx, record))

	pool, err = store.LoadPool(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, pool)
	assert.Equal(t, 4, pool.Size)
	assert.Equal(t, record.Busy, pool.Busy)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveLease(ctx, sampleLease("h1")))

	leases, err := store.LoadLeases(ctx, "orderplaced")
	require.NoError(t, err)
	leases[0].Body[0] = 'X'
	leases[0].Headers["traceparent"] = "changed"

	again, err := store.LoadLeases(ctx, "orderplaced")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), again[0].Body)
	assert.Equal(t, "00-abc", again[0].Headers["traceparent"])
}

func TestInstrumentedStore(t *testing.T) {
	exerciseStore(t, Instrument(NewMemoryStore(), "memory"))
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) SaveLease(context.Context, LeaseRecord) error {
	return s.err
}

func TestCircuitBreakerStore_Disabled(t *testing.T) {
	store := NewCircuitBreakerStore(NewMemoryStore(), "state-test", config.CircuitBreakerConfig{})
	assert.Equal(t, "disabled", store.State())
	exerciseStore(t, store)
}

func TestCircuitBreakerStore_OpensOnFailures(t *testing.T) {
	boom := errors.New("connection refused")
	store := NewCircuitBreakerStore(&failingStore{MemoryStore: NewMemoryStore(), err: boom}, "state-open-test", config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := store.SaveLease(ctx, sampleLease("h1"))
		assert.ErrorIs(t, err, boom)
	}

	err := store.SaveLease(ctx, sampleLease("h1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, "open", store.State())
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := &config.Config{State: config.StateConfig{Backend: "etcd"}}
	_, err := New(cfg, Dependencies{})
	assert.Error(t, err)

	cfg.State.Backend = "redis"
	_, err = New(cfg, Dependencies{})
	assert.Error(t, err)
}
