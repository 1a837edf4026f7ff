package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"captainhook/internal/constants"
	"captainhook/internal/logger"
	"captainhook/internal/state"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/logging"
	"captainhook/pkg/metrics"
	"captainhook/pkg/models"
)

// Dispatcher delivers one message. A nil error is a successful delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.MessageEnvelope) error
}

type DispatcherFunc func(ctx context.Context, msg models.MessageEnvelope) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg models.MessageEnvelope) error {
	return f(ctx, msg)
}

// Finalizer settles the broker message behind a handle.
type Finalizer interface {
	Finalize(ctx context.Context, handle string, success bool) error
}

// AssignedFunc is called once a slot is reserved and persisted, before the
// dispatch starts. An error releases the slot without finalizing.
type AssignedFunc func(handle string) error

const finalizeTimeout = 30 * time.Second

type slot struct {
	id        int
	busy      bool
	handle    string
	eventType string
}

type Snapshot struct {
	Name string             `json:"name"`
	Size int                `json:"size"`
	Free []int              `json:"free"`
	Busy []state.SlotRecord `json:"busy"`
}

// Pool is a fixed set of worker slots. Acquire fails fast with
// ErrPoolExhausted when every slot is busy. The Free/Busy partition is
// persisted on every change.
type Pool struct {
	name       string
	store      state.Store
	dispatcher Dispatcher
	logger     logger.Logger

	mu       sync.Mutex
	slots    []slot
	byHandle map[string]int
	readers  map[string]Finalizer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fatal   chan error
}

func New(name string, size int, store state.Store, dispatcher Dispatcher, log logger.Logger) *Pool {
	if name == "" {
		name = constants.DefaultPoolName
	}
	if size <= 0 {
		size = constants.DefaultPoolSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       name,
		store:      store,
		dispatcher: dispatcher,
		logger:     log.Named("pool"),
		byHandle:   make(map[string]int),
		readers:    make(map[string]Finalizer),
		baseCtx:    ctx,
		cancel:     cancel,
		fatal:      make(chan error, 1),
	}
	p.slots = freeSlots(size)

	metrics.SetPoolSize(name, size)
	metrics.SetPoolSlotsBusy(name, 0)
	return p
}

func freeSlots(size int) []slot {
	slots := make([]slot, size)
	for i := range slots {
		slots[i] = slot{id: i + 1}
	}
	return slots
}

func (p *Pool) Name() string { return p.name }

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// RegisterReader routes finalization of handles for eventType to f.
func (p *Pool) RegisterReader(eventType string, f Finalizer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers[eventType] = f
}

// Acquire reserves the lowest free slot for msg and starts its dispatch.
func (p *Pool) Acquire(ctx context.Context, msg models.MessageEnvelope, assigned AssignedFunc) (string, error) {
	handle := uuid.NewString()

	p.mu.Lock()
	idx := -1
	for i := range p.slots {
		if !p.slots[i].busy {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		metrics.IncPoolExhausted(p.name)
		return "", apperrors.ErrPoolExhausted.WithMessage("all %d slots of pool %s are busy", len(p.slots), p.name)
	}

	p.slots[idx] = slot{id: idx + 1, busy: true, handle: handle, eventType: msg.EventType}
	p.byHandle[handle] = idx
	if err := p.persistLocked(ctx); err != nil {
		p.slots[idx] = slot{id: idx + 1}
		delete(p.byHandle, handle)
		p.mu.Unlock()
		return "", err
	}
	busy := len(p.byHandle)
	p.mu.Unlock()

	metrics.SetPoolSlotsBusy(p.name, busy)

	if assigned != nil {
		if err := assigned(handle); err != nil {
			p.free(ctx, handle)
			return "", err
		}
	}

	msg.Handle = handle
	msg.CorrelationID = handle

	p.wg.Add(1)
	go p.run(msg)

	return handle, nil
}

func (p *Pool) run(msg models.MessageEnvelope) {
	defer p.wg.Done()

	ctx := logging.WithHandle(p.baseCtx, msg.Handle)
	ctx = logging.WithCorrelationID(ctx, msg.CorrelationID)
	ctx = logging.WithEventType(ctx, msg.EventType)
	ctx = logging.WithMessageID(ctx, msg.MessageID)

	err := apperrors.SafeCall(func() error {
		return p.dispatcher.Dispatch(ctx, msg)
	})
	if err != nil {
		p.logger.WarnwCtx(ctx, "Dispatch failed",
			"error", err,
			"error_code", apperrors.Code(err),
		)
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := p.Release(releaseCtx, msg.Handle, err == nil); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to release slot", "error", err)
	}
}

// free returns a slot without finalizing its message.
func (p *Pool) free(ctx context.Context, handle string) {
	p.mu.Lock()
	idx, ok := p.byHandle[handle]
	if ok {
		p.slots[idx] = slot{id: idx + 1}
		delete(p.byHandle, handle)
		if err := p.persistLocked(ctx); err != nil {
			p.reportFatal(err)
		}
	}
	busy := len(p.byHandle)
	p.mu.Unlock()
	metrics.SetPoolSlotsBusy(p.name, busy)
}

// Release frees the slot holding handle and finalizes the message with the
// reader registered for its event type. Unknown handles are ignored.
func (p *Pool) Release(ctx context.Context, handle string, success bool) error {
	p.mu.Lock()
	idx, ok := p.byHandle[handle]
	if !ok {
		p.mu.Unlock()
		p.logger.WarnwCtx(ctx, "Release of unknown handle ignored", "handle", handle)
		return nil
	}

	eventType := p.slots[idx].eventType
	p.slots[idx] = slot{id: idx + 1}
	delete(p.byHandle, handle)
	persistErr := p.persistLocked(ctx)
	finalizer := p.readers[eventType]
	busy := len(p.byHandle)
	p.mu.Unlock()

	metrics.SetPoolSlotsBusy(p.name, busy)
	if persistErr != nil {
		p.reportFatal(persistErr)
	}

	if finalizer == nil {
		p.logger.WarnwCtx(ctx, "No reader registered for event type",
			"handle", handle,
			"event_type", eventType,
		)
		return persistErr
	}

	if err := finalizer.Finalize(ctx, handle, success); err != nil {
		return errors.Join(persistErr, fmt.Errorf("finalize %s: %w", handle, err))
	}
	return persistErr
}

// Rehydrate restores the persisted partition. Slots a previous process left
// busy are freed and their messages finalized as failures. Missing, corrupt
// or resized state resets every slot to free.
func (p *Pool) Rehydrate(ctx context.Context) error {
	record, err := p.store.LoadPool(ctx, p.name)
	if err != nil && !errors.Is(err, state.ErrCorruptState) {
		return apperrors.ErrPersistence.WithCause(err)
	}

	p.mu.Lock()
	size := len(p.slots)
	p.slots = freeSlots(size)
	p.byHandle = make(map[string]int)

	var orphans []state.SlotRecord
	switch {
	case err != nil:
		p.logger.WarnwCtx(ctx, "Persisted pool state is corrupt, resetting all slots to free",
			"pool", p.name,
			"error", err,
		)
	case record == nil:
		p.logger.InfowCtx(ctx, "No persisted pool state, starting with all slots free", "pool", p.name)
	case record.Size != size:
		p.logger.WarnwCtx(ctx, "Persisted pool size differs, resetting all slots to free",
			"pool", p.name,
			"persisted_size", record.Size,
			"size", size,
		)
		orphans = record.Busy
	default:
		orphans = record.Busy
	}

	persistErr := p.persistLocked(ctx)
	readers := make(map[string]Finalizer, len(p.readers))
	for k, v := range p.readers {
		readers[k] = v
	}
	p.mu.Unlock()

	metrics.SetPoolSlotsBusy(p.name, 0)
	if persistErr != nil {
		return persistErr
	}

	if len(orphans) > 0 {
		metrics.AddPoolOrphans(p.name, len(orphans))
		p.logger.WarnwCtx(ctx, "Recovered busy slots from previous process",
			"pool", p.name,
			"orphans", len(orphans),
		)
	}

	for _, o := range orphans {
		f := readers[o.EventType]
		if f == nil {
			p.logger.WarnwCtx(ctx, "No reader registered for orphaned slot",
				"slot", o.ID,
				"handle", o.Handle,
				"event_type", o.EventType,
			)
			continue
		}
		if err := f.Finalize(ctx, o.Handle, false); err != nil {
			p.logger.WarnwCtx(ctx, "Failed to finalize orphaned slot",
				"slot", o.ID,
				"handle", o.Handle,
				"error", err,
			)
		}
	}
	return nil
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Name: p.name, Size: len(p.slots), Free: []int{}, Busy: []state.SlotRecord{}}
	for _, s := range p.slots {
		if s.busy {
			snap.Busy = append(snap.Busy, state.SlotRecord{ID: s.id, Handle: s.handle, EventType: s.eventType})
		} else {
			snap.Free = append(snap.Free, s.id)
		}
	}
	return snap
}

// Run blocks until ctx is done or a persistence failure is reported, then
// cancels in-flight dispatches and waits for them to release their slots.
func (p *Pool) Run(ctx context.Context) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-p.fatal:
		p.logger.ErrorwCtx(ctx, "Pool stopping after persistence failure", "error", err)
	}

	p.cancel()
	p.wg.Wait()
	return err
}

// Wait blocks until every dispatch started so far has released its slot.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// persistLocked writes the partition through to the store. Caller holds p.mu.
func (p *Pool) persistLocked(ctx context.Context) error {
	record := state.PoolRecord{
		Name:      p.name,
		Size:      len(p.slots),
		Busy:      []state.SlotRecord{},
		UpdatedAt: time.Now().UTC(),
	}
	for _, s := range p.slots {
		if s.busy {
			record.Busy = append(record.Busy, state.SlotRecord{ID: s.id, Handle: s.handle, EventType: s.eventType})
		}
	}
	sort.Slice(record.Busy, func(i, j int) bool { return record.Busy[i].ID < record.Busy[j].ID })

	if err := p.store.SavePool(ctx, record); err != nil {
		return apperrors.ErrPersistence.WithCause(err)
	}
	return nil
}

func (p *Pool) reportFatal(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}
