package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captainhook/internal/logger"
	"captainhook/internal/state"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/models"
)

type finalizeCall struct {
	handle  string
	success bool
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []finalizeCall
	done  chan finalizeCall
}

func newRecordingFinalizer() *recordingFinalizer {
	return &recordingFinalizer{done: make(chan finalizeCall, 16)}
}

func (f *recordingFinalizer) Finalize(_ context.Context, handle string, success bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, finalizeCall{handle, success})
	f.mu.Unlock()
	f.done <- finalizeCall{handle, success}
	return nil
}

func (f *recordingFinalizer) Calls() []finalizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finalizeCall(nil), f.calls...)
}

// blockingDispatcher holds every dispatch until released.
type blockingDispatcher struct {
	release chan error
	seen    chan models.MessageEnvelope
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{release: make(chan error, 16), seen: make(chan models.MessageEnvelope, 16)}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, msg models.MessageEnvelope) error {
	d.seen <- msg
	select {
	case err := <-d.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func envelope(eventType string) models.MessageEnvelope {
	return models.NewMessageEnvelopeBuilder().
		WithMessageID("msg-1").
		WithEventType(eventType).
		WithPayload([]byte(`{"id":1}`)).
		Build()
}

func assertPartition(t *testing.T, snap Snapshot) {
	t.Helper()
	seen := map[int]bool{}
	for _, id := range snap.Free {
		assert.False(t, seen[id], "slot %d listed twice", id)
		seen[id] = true
	}
	for _, b := range snap.Busy {
		assert.False(t, seen[b.ID], "slot %d listed twice", b.ID)
		seen[b.ID] = true
	}
	assert.Len(t, seen, snap.Size)
}

func TestPool_AcquireDispatchRelease(t *testing.T) {
	store := state.NewMemoryStore()
	d := newBlockingDispatcher()
	p := New("test", 2, store, d, logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	var assigned string
	handle, err := p.Acquire(context.Background(), envelope("orderplaced"), func(h string) error {
		assigned = h
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, handle, assigned)

	msg := <-d.seen
	assert.Equal(t, handle, msg.Handle)
	assert.Equal(t, handle, msg.CorrelationID)

	snap := p.Snapshot()
	assertPartition(t, snap)
	require.Len(t, snap.Busy, 1)
	assert.Equal(t, 1, snap.Busy[0].ID)

	persisted, err := store.LoadPool(context.Background(), "test")
	require.NoError(t, err)
	require.Len(t, persisted.Busy, 1)
	assert.Equal(t, handle, persisted.Busy[0].Handle)

	d.release <- nil
	call := <-f.done
	assert.Equal(t, finalizeCall{handle, true}, call)

	p.Wait()
	snap = p.Snapshot()
	assertPartition(t, snap)
	assert.Empty(t, snap.Busy)
}

func TestPool_FailedDispatchFinalizesAsFailure(t *testing.T) {
	d := newBlockingDispatcher()
	p := New("test", 1, state.NewMemoryStore(), d, logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	handle, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.NoError(t, err)
	<-d.seen

	d.release <- apperrors.ErrRouteNotResolved
	assert.Equal(t, finalizeCall{handle, false}, <-f.done)
}

func TestPool_PanicInDispatchIsFailure(t *testing.T) {
	p := New("test", 1, state.NewMemoryStore(), DispatcherFunc(func(context.Context, models.MessageEnvelope) error {
		panic("boom")
	}), logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	handle, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.NoError(t, err)
	assert.Equal(t, finalizeCall{handle, false}, <-f.done)
}

func TestPool_ExhaustedFailsFast(t *testing.T) {
	d := newBlockingDispatcher()
	p := New("test", 2, state.NewMemoryStore(), d, logger.NopLogger())
	p.RegisterReader("orderplaced", newRecordingFinalizer())

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
		require.NoError(t, err)
	}

	_, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	snap := p.Snapshot()
	assertPartition(t, snap)
	assert.Empty(t, snap.Free)

	d.release <- nil
	d.release <- nil
	p.Wait()
}

func TestPool_LowestFreeSlotFirst(t *testing.T) {
	d := newBlockingDispatcher()
	p := New("test", 3, state.NewMemoryStore(), d, logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	var handles []string
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
		require.NoError(t, err)
		handles = append(handles, h)
		<-d.seen
	}

	// Free the first slot by releasing its handle directly.
	require.NoError(t, p.Release(context.Background(), handles[0], true))

	h, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.NoError(t, err)
	for _, b := range p.Snapshot().Busy {
		if b.Handle == h {
			assert.Equal(t, 1, b.ID)
		}
	}

	for i := 0; i < 4; i++ {
		d.release <- nil
	}
	p.Wait()
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	d := newBlockingDispatcher()
	p := New("test", 1, state.NewMemoryStore(), d, logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	handle, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.NoError(t, err)
	<-d.seen

	require.NoError(t, p.Release(context.Background(), handle, true))
	require.NoError(t, p.Release(context.Background(), handle, true))
	require.NoError(t, p.Release(context.Background(), "unknown", false))

	d.release <- nil
	p.Wait()

	assert.Equal(t, []finalizeCall{{handle, true}}, f.Calls())
	assertPartition(t, p.Snapshot())
}

func TestPool_AssignedErrorFreesSlot(t *testing.T) {
	d := newBlockingDispatcher()
	p := New("test", 1, state.NewMemoryStore(), d, logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	boom := errors.New("lease not persisted")
	_, err := p.Acquire(context.Background(), envelope("orderplaced"), func(string) error { return boom })
	assert.ErrorIs(t, err, boom)

	snap := p.Snapshot()
	assert.Empty(t, snap.Busy)
	assert.Empty(t, f.Calls())
}

func TestPool_ConcurrentAcquireKeepsPartition(t *testing.T) {
	p := New("test", 5, state.NewMemoryStore(), DispatcherFunc(func(context.Context, models.MessageEnvelope) error {
		time.Sleep(time.Millisecond)
		return nil
	}), logger.NopLogger())
	p.RegisterReader("orderplaced", &recordingFinalizer{done: make(chan finalizeCall, 200)})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
			if err != nil {
				assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
			}
			assertPartition(t, p.Snapshot())
		}()
	}
	wg.Wait()
	p.Wait()

	snap := p.Snapshot()
	assertPartition(t, snap)
	assert.Empty(t, snap.Busy)
}

type failingPoolStore struct {
	*state.MemoryStore
}

func (s *failingPoolStore) SavePool(context.Context, state.PoolRecord) error {
	return errors.New("disk full")
}

func TestPool_PersistenceFailureOnAcquire(t *testing.T) {
	p := New("test", 1, &failingPoolStore{state.NewMemoryStore()}, newBlockingDispatcher(), logger.NopLogger())

	_, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPersistence)
	assert.True(t, apperrors.IsFatal(err))
	assert.Empty(t, p.Snapshot().Busy)
}

func TestPool_RehydrateFinalizesOrphans(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.SavePool(ctx, state.PoolRecord{
		Name: "test",
		Size: 3,
		Busy: []state.SlotRecord{
			{ID: 1, Handle: "h-1", EventType: "orderplaced"},
			{ID: 3, Handle: "h-3", EventType: "orderplaced"},
		},
	}))

	p := New("test", 3, store, newBlockingDispatcher(), logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	require.NoError(t, p.Rehydrate(ctx))

	assert.ElementsMatch(t, []finalizeCall{{"h-1", false}, {"h-3", false}}, f.Calls())
	snap := p.Snapshot()
	assertPartition(t, snap)
	assert.Equal(t, []int{1, 2, 3}, snap.Free)

	persisted, err := store.LoadPool(ctx, "test")
	require.NoError(t, err)
	assert.Empty(t, persisted.Busy)
}

func TestPool_RehydrateWithoutState(t *testing.T) {
	p := New("test", 2, state.NewMemoryStore(), newBlockingDispatcher(), logger.NopLogger())
	require.NoError(t, p.Rehydrate(context.Background()))
	assert.Equal(t, []int{1, 2}, p.Snapshot().Free)
}

type corruptPoolStore struct {
	*state.MemoryStore
}

func (s *corruptPoolStore) LoadPool(context.Context, string) (*state.PoolRecord, error) {
	return nil, state.ErrCorruptState
}

func TestPool_RehydrateCorruptStateResets(t *testing.T) {
	p := New("test", 2, &corruptPoolStore{state.NewMemoryStore()}, newBlockingDispatcher(), logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	require.NoError(t, p.Rehydrate(context.Background()))
	assert.Equal(t, []int{1, 2}, p.Snapshot().Free)
	assert.Empty(t, f.Calls())
}

func TestPool_RunCancelsInflightDispatches(t *testing.T) {
	d := newBlockingDispatcher()
	p := New("test", 1, state.NewMemoryStore(), d, logger.NopLogger())
	f := newRecordingFinalizer()
	p.RegisterReader("orderplaced", f)

	handle, err := p.Acquire(context.Background(), envelope("orderplaced"), nil)
	require.NoError(t, err)
	<-d.seen

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []finalizeCall{{handle, false}}, f.Calls())
}
