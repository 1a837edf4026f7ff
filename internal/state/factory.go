package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/pkg/metrics"
)

type Dependencies struct {
	Redis    *redis.Client
	Postgres *sql.DB
}

// New builds the configured backend wrapped with a circuit breaker and
// metrics.
func New(cfg *config.Config, deps Dependencies) (Store, error) {
	var store Store

	switch cfg.State.Backend {
	case constants.StateBackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("state backend redis requires a redis client")
		}
		store = NewRedisStore(deps.Redis, cfg.State.KeyPrefix)
	case constants.StateBackendPostgres:
		if deps.Postgres == nil {
			return nil, fmt.Errorf("state backend postgres requires a database")
		}
		store = NewPostgresStore(deps.Postgres)
	case constants.StateBackendMemory:
		return Instrument(NewMemoryStore(), constants.StateBackendMemory), nil
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.State.Backend)
	}

	store = NewCircuitBreakerStore(store, "state-"+cfg.State.Backend, cfg.CircuitBreaker)
	return Instrument(store, cfg.State.Backend), nil
}

type instrumentedStore struct {
	store   Store
	backend string
}

func Instrument(store Store, backend string) Store {
	return &instrumentedStore{store: store, backend: backend}
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	metrics.ObserveStateOperation(s.backend, op, err, time.Since(start))
}

func (s *instrumentedStore) SaveLease(ctx context.Context, lease LeaseRecord) error {
	start := time.Now()
	err := s.store.SaveLease(ctx, lease)
	s.observe("save_lease", start, err)
	return err
}

func (s *instrumentedStore) DeleteLease(ctx context.Context, reader, handle string) error {
	start := time.Now()
	err := s.store.DeleteLease(ctx, reader, handle)
	s.observe("delete_lease", start, err)
	return err
}

func (s *instrumentedStore) LoadLeases(ctx context.Context, reader string) ([]LeaseRecord, error) {
	start := time.Now()
	leases, err := s.store.LoadLeases(ctx, reader)
	s.observe("load_leases", start, err)
	return leases, err
}

func (s *instrumentedStore) LoadPool(ctx context.Context, name string) (*PoolRecord, error) {
	start := time.Now()
	pool, err := s.store.LoadPool(ctx, name)
	s.observe("load_pool", start, err)
	return pool, err
}

func (s *instrumentedStore) SavePool(ctx context.Context, pool PoolRecord) error {
	start := time.Now()
	err := s.store.SavePool(ctx, pool)
	s.observe("save_pool", start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.store.Close()
}
