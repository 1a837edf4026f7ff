package reader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"captainhook/internal/broker"
	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/internal/logger"
	"captainhook/internal/pool"
	"captainhook/internal/state"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/logging"
	"captainhook/pkg/metrics"
	"captainhook/pkg/models"
	"captainhook/pkg/retry"
)

type Options struct {
	EventType            string
	BatchSize            int
	PollTimeout          time.Duration
	PollInterval         time.Duration
	RenewInterval        time.Duration
	RenewMargin          time.Duration
	RenewLimit           int
	PoolExhaustedBackoff time.Duration
	Retry                retry.Policy
	Clock                func() time.Time
}

func OptionsFromConfig(eventType string, cfg config.ReaderConfig, retryCfg config.RetryConfig) Options {
	policy := retry.DefaultPolicy()
	if retryCfg.MaxAttempts > 0 {
		policy.MaxAttempts = retryCfg.MaxAttempts
	}
	if retryCfg.InitialInterval > 0 {
		policy.InitialInterval = retryCfg.InitialInterval
	}
	if retryCfg.MaxInterval > 0 {
		policy.MaxInterval = retryCfg.MaxInterval
	}
	if retryCfg.Multiplier > 0 {
		policy.Multiplier = retryCfg.Multiplier
	}
	if retryCfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	}

	return Options{
		EventType:            eventType,
		BatchSize:            cfg.BatchSize,
		PollTimeout:          cfg.PollTimeout,
		PollInterval:         cfg.PollInterval,
		RenewInterval:        cfg.RenewInterval,
		RenewMargin:          cfg.RenewMargin,
		RenewLimit:           cfg.RenewLimit,
		PoolExhaustedBackoff: cfg.PoolExhaustedBackoff,
		Retry:                policy,
	}
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = constants.DefaultBatchSize
	}
	if o.BatchSize > constants.MaxBatchSize {
		o.BatchSize = constants.MaxBatchSize
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = constants.DefaultPollTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = constants.DefaultPollInterval
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = constants.DefaultRenewInterval
	}
	if o.RenewMargin <= 0 {
		o.RenewMargin = constants.DefaultRenewMargin
	}
	if o.RenewLimit <= 0 {
		o.RenewLimit = constants.DefaultRenewLimit
	}
	if o.PoolExhaustedBackoff <= 0 {
		o.PoolExhaustedBackoff = constants.DefaultPoolExhaustedBackoff
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Acquirer hands a message to a worker slot.
type Acquirer interface {
	Acquire(ctx context.Context, msg models.MessageEnvelope, assigned pool.AssignedFunc) (string, error)
}

// Lease is a broker message held by this reader while it is dispatched.
type Lease struct {
	Handle        string
	Message       broker.Message
	RenewCount    int
	LimitReported bool
	// Recovered marks leases restored from a previous process.
	Recovered bool
}

func (l *Lease) record(reader string) state.LeaseRecord {
	return state.LeaseRecord{
		Handle:        l.Handle,
		Reader:        reader,
		MessageID:     l.Message.ID,
		Topic:         l.Message.Topic,
		LockToken:     l.Message.LockToken,
		LockedUntil:   l.Message.LockedUntil,
		RenewCount:    l.RenewCount,
		LimitReported: l.LimitReported,
		DeliveryCount: l.Message.DeliveryCount,
		EnqueuedAt:    l.Message.EnqueuedAt,
		Body:          l.Message.Body,
		Headers:       l.Message.Headers,
	}
}

func leaseFromRecord(rec state.LeaseRecord) *Lease {
	return &Lease{
		Handle: rec.Handle,
		Message: broker.Message{
			ID:            rec.MessageID,
			Topic:         rec.Topic,
			LockToken:     rec.LockToken,
			LockedUntil:   rec.LockedUntil,
			DeliveryCount: rec.DeliveryCount,
			EnqueuedAt:    rec.EnqueuedAt,
			Body:          rec.Body,
			Headers:       rec.Headers,
		},
		RenewCount:    rec.RenewCount,
		LimitReported: rec.LimitReported,
		Recovered:     true,
	}
}

// LeaseView is the read-only projection exposed by the status API.
type LeaseView struct {
	Handle        string    `json:"handle"`
	MessageID     string    `json:"message_id"`
	LockToken     string    `json:"lock_token"`
	LockedUntil   time.Time `json:"locked_until"`
	RenewCount    int       `json:"renew_count"`
	DeliveryCount int       `json:"delivery_count"`
	Recovered     bool      `json:"recovered,omitempty"`
}

// Reader pulls one event type from the broker, hands messages to the pool and
// keeps their leases alive until the pool finalizes them.
type Reader struct {
	opts     Options
	receiver broker.Receiver
	pool     Acquirer
	store    state.Store
	logger   logger.Logger

	mu      sync.Mutex
	leases  map[string]*Lease
	pulling atomic.Bool
	fatal   chan error
}

func New(opts Options, receiver broker.Receiver, p Acquirer, store state.Store, log logger.Logger) *Reader {
	opts.applyDefaults()
	return &Reader{
		opts:     opts,
		receiver: receiver,
		pool:     p,
		store:    store,
		logger:   log.Named("reader"),
		leases:   make(map[string]*Lease),
		fatal:    make(chan error, 1),
	}
}

func (r *Reader) EventType() string { return r.opts.EventType }

func (r *Reader) logCtx(ctx context.Context) context.Context {
	return logging.WithEventType(ctx, r.opts.EventType)
}

// Run pulls and renews until ctx is done. It returns nil on cancellation and
// an error when the broker stays unreachable or state cannot be persisted.
func (r *Reader) Run(ctx context.Context) error {
	ctx = r.logCtx(ctx)
	r.logger.InfowCtx(ctx, "Reader started",
		"batch_size", r.opts.BatchSize,
		"renew_interval", r.opts.RenewInterval,
	)

	r.abandonRecovered(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			n, err := r.Pull(gctx)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := sleep(gctx, r.opts.PollInterval); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(r.opts.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := r.RenewLeases(gctx); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-r.fatal:
			return err
		}
	})

	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		r.logger.InfowCtx(ctx, "Reader stopped")
		return nil
	}
	r.logger.ErrorwCtx(ctx, "Reader terminated", "error", err)
	return err
}

// Pull receives one batch and dispatches it. Concurrent calls do not overlap:
// a second caller returns immediately with zero messages.
func (r *Reader) Pull(ctx context.Context) (int, error) {
	if !r.pulling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.pulling.Store(false)

	start := time.Now()
	var msgs []*broker.Message
	err := r.withRetry(ctx, "receive", func() error {
		var err error
		msgs, err = r.receiver.Receive(ctx, r.opts.BatchSize, r.opts.PollTimeout)
		return err
	})
	metrics.ObserveBrokerPull(r.opts.EventType, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, apperrors.ErrBrokerConnectivity.WithCause(err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	metrics.IncBrokerMessages(r.opts.EventType, "received", len(msgs))

	for i, msg := range msgs {
		err := r.dispatch(ctx, msg)
		if err == nil {
			continue
		}

		if errors.Is(err, apperrors.ErrPoolExhausted) {
			for _, rest := range msgs[i:] {
				r.settle(ctx, rest, false)
			}
			r.logger.WarnwCtx(ctx, "Worker pool exhausted, messages abandoned",
				"abandoned", len(msgs)-i,
				"backoff", r.opts.PoolExhaustedBackoff,
			)
			if err := sleep(ctx, r.opts.PoolExhaustedBackoff); err != nil {
				return i, err
			}
			return i, nil
		}

		for _, rest := range msgs[i:] {
			r.settle(ctx, rest, false)
		}
		return i, err
	}
	return len(msgs), nil
}

func (r *Reader) dispatch(ctx context.Context, msg *broker.Message) error {
	env := models.NewMessageEnvelopeBuilder().
		WithMessageID(msg.ID).
		WithEventType(r.opts.EventType).
		WithTimestamp(msg.EnqueuedAt).
		WithPayload(msg.Body).
		WithTraceContext(msg.Headers).
		Build()

	_, err := r.pool.Acquire(ctx, env, func(handle string) error {
		lease := &Lease{Handle: handle, Message: *msg}

		r.mu.Lock()
		r.leases[handle] = lease
		rec := lease.record(r.opts.EventType)
		tracked := len(r.leases)
		r.mu.Unlock()
		metrics.SetLeasesTracked(r.opts.EventType, tracked)

		if err := r.store.SaveLease(ctx, rec); err != nil {
			r.forget(handle)
			return apperrors.ErrPersistence.WithCause(err)
		}

		r.logger.DebugwCtx(logging.WithHandle(ctx, handle), "Message dispatched",
			"message_id", msg.ID,
			"delivery_count", msg.DeliveryCount,
		)
		return nil
	})
	return err
}

func (r *Reader) forget(handle string) *Lease {
	r.mu.Lock()
	lease, ok := r.leases[handle]
	delete(r.leases, handle)
	tracked := len(r.leases)
	r.mu.Unlock()
	metrics.SetLeasesTracked(r.opts.EventType, tracked)
	if !ok {
		return nil
	}
	return lease
}

// RenewLeases renews every lease whose lock expires within the renew margin.
// Leases at the renewal limit are left to expire; the limit is reported once
// per lease.
func (r *Reader) RenewLeases(ctx context.Context) error {
	ctx = r.logCtx(ctx)
	now := r.opts.Clock()

	r.mu.Lock()
	due := make([]*Lease, 0, len(r.leases))
	for _, l := range r.leases {
		if l.Message.LockedUntil.Sub(now) <= r.opts.RenewMargin {
			due = append(due, l)
		}
	}
	r.mu.Unlock()

	for _, l := range due {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.renew(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) renew(ctx context.Context, l *Lease) error {
	r.mu.Lock()
	if _, ok := r.leases[l.Handle]; !ok {
		r.mu.Unlock()
		return nil
	}
	handle := l.Handle
	msg := l.Message
	renewCount := l.RenewCount
	reported := l.LimitReported
	r.mu.Unlock()

	leaseCtx := logging.WithHandle(ctx, handle)

	if renewCount >= r.opts.RenewLimit {
		if reported {
			return nil
		}
		r.mu.Lock()
		l.LimitReported = true
		rec := l.record(r.opts.EventType)
		r.mu.Unlock()

		metrics.IncLockRenewalLimitExceeded(r.opts.EventType)
		r.logger.WarnwCtx(leaseCtx, "Broker lock renewal limit exceeded",
			"error_code", apperrors.ErrLockRenewalLimitExceeded.Code,
			"message_id", msg.ID,
			"renew_count", renewCount,
			"renew_limit", r.opts.RenewLimit,
			"locked_until", msg.LockedUntil,
		)
		return r.persist(ctx, handle, rec)
	}

	var until time.Time
	err := r.withRetry(ctx, "renew", func() error {
		var err error
		until, err = r.receiver.RenewLock(ctx, &msg)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, broker.ErrLockLost) {
			metrics.IncLockRenewal(r.opts.EventType, "lost")
			r.logger.WarnwCtx(leaseCtx, "Broker lock lost before renewal, message will be redelivered",
				"message_id", msg.ID,
			)
			return nil
		}
		metrics.IncLockRenewal(r.opts.EventType, "error")
		return apperrors.ErrBrokerConnectivity.WithCause(err)
	}
	metrics.IncLockRenewal(r.opts.EventType, "success")

	r.mu.Lock()
	if _, ok := r.leases[handle]; !ok {
		r.mu.Unlock()
		return nil
	}
	l.RenewCount++
	l.Message.LockedUntil = until
	rec := l.record(r.opts.EventType)
	r.mu.Unlock()

	r.logger.DebugwCtx(leaseCtx, "Broker lock renewed",
		"renew_count", rec.RenewCount,
		"locked_until", until,
	)
	return r.persist(ctx, handle, rec)
}

// persist writes rec unless the lease was finalized in the meantime.
func (r *Reader) persist(ctx context.Context, handle string, rec state.LeaseRecord) error {
	if err := r.store.SaveLease(ctx, rec); err != nil {
		return apperrors.ErrPersistence.WithCause(err)
	}

	r.mu.Lock()
	_, ok := r.leases[handle]
	r.mu.Unlock()
	if !ok {
		if err := r.store.DeleteLease(ctx, r.opts.EventType, handle); err != nil {
			return apperrors.ErrPersistence.WithCause(err)
		}
	}
	return nil
}

// Finalize completes the message behind handle on success and abandons it
// otherwise. Unknown handles are ignored.
func (r *Reader) Finalize(ctx context.Context, handle string, success bool) error {
	ctx = logging.WithHandle(r.logCtx(ctx), handle)

	lease := r.forget(handle)
	if lease == nil {
		r.logger.WarnwCtx(ctx, "Finalize of unknown handle ignored", "success", success)
		return nil
	}

	msg := lease.Message
	r.settle(ctx, &msg, success)

	if err := r.store.DeleteLease(ctx, r.opts.EventType, handle); err != nil {
		perr := apperrors.ErrPersistence.WithCause(err)
		r.reportFatal(perr)
		return perr
	}
	return nil
}

// settle completes or abandons msg on the broker. A lost lock means the
// broker already made the message available again.
func (r *Reader) settle(ctx context.Context, msg *broker.Message, success bool) {
	action := "abandoned"
	op := r.receiver.Abandon
	if success {
		action = "completed"
		op = r.receiver.Complete
	}

	err := r.withRetry(ctx, action, func() error {
		return op(ctx, msg)
	})
	switch {
	case err == nil:
		metrics.IncBrokerMessages(r.opts.EventType, action, 1)
		r.logger.InfowCtx(ctx, "Message settled",
			"message_id", msg.ID,
			"action", action,
			"delivery_count", msg.DeliveryCount,
		)
	case errors.Is(err, broker.ErrLockLost):
		metrics.IncBrokerMessages(r.opts.EventType, "lock_lost", 1)
		r.logger.WarnwCtx(ctx, "Broker lock lost, message will be redelivered",
			"message_id", msg.ID,
			"action", action,
		)
	default:
		r.logger.ErrorwCtx(ctx, "Failed to settle message",
			"message_id", msg.ID,
			"action", action,
			"error", err,
		)
	}
}

// Rehydrate restores leases persisted by a previous process. They are
// abandoned when Run starts unless the pool finalizes them first.
func (r *Reader) Rehydrate(ctx context.Context) error {
	ctx = r.logCtx(ctx)
	records, err := r.store.LoadLeases(ctx, r.opts.EventType)
	if err != nil {
		if errors.Is(err, state.ErrCorruptState) {
			r.logger.WarnwCtx(ctx, "Persisted leases are corrupt, ignoring them", "error", err)
			return nil
		}
		return apperrors.ErrPersistence.WithCause(err)
	}

	r.mu.Lock()
	for _, rec := range records {
		r.leases[rec.Handle] = leaseFromRecord(rec)
	}
	tracked := len(r.leases)
	r.mu.Unlock()

	metrics.SetLeasesTracked(r.opts.EventType, tracked)
	if len(records) > 0 {
		r.logger.InfowCtx(ctx, "Rehydrated leases", "count", len(records))
	}
	return nil
}

func (r *Reader) abandonRecovered(ctx context.Context) {
	r.mu.Lock()
	var handles []string
	for h, l := range r.leases {
		if l.Recovered {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.Finalize(ctx, h, false); err != nil {
			r.logger.ErrorwCtx(ctx, "Failed to abandon recovered lease", "handle", h, "error", err)
		}
	}
}

// Leases returns the tracked leases ordered by handle.
func (r *Reader) Leases() []LeaseView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LeaseView, 0, len(r.leases))
	for _, l := range r.leases {
		out = append(out, LeaseView{
			Handle:        l.Handle,
			MessageID:     l.Message.ID,
			LockToken:     l.Message.LockToken,
			LockedUntil:   l.Message.LockedUntil,
			RenewCount:    l.RenewCount,
			DeliveryCount: l.Message.DeliveryCount,
			Recovered:     l.Recovered,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (r *Reader) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.RetryWithCallback(ctx, r.opts.Retry, func() error {
		err := fn()
		if errors.Is(err, broker.ErrLockLost) || errors.Is(err, broker.ErrClosed) {
			return retry.NewFatalError(err)
		}
		return err
	}, func(attempt int, err error, nextDelay time.Duration) {
		r.logger.WarnwCtx(ctx, "Retrying broker operation",
			"operation", op,
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
}

func (r *Reader) reportFatal(err error) {
	select {
	case r.fatal <- err:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
