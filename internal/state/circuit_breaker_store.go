package state

import (
	"context"
	"fmt"

	"captainhook/internal/config"
	"captainhook/pkg/circuitbreaker"
)

type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, name string, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	if !cfg.Enabled {
		return &CircuitBreakerStore{store: store}
	}

	cbConfig := circuitbreaker.DefaultConfig(name).
		WithSettings(cfg.MaxRequests, cfg.Interval, cfg.Timeout, cfg.FailureRatio, cfg.MinRequests)

	return &CircuitBreakerStore{
		store: store,
		cb:    circuitbreaker.NewWrapper(cbConfig),
	}
}

func (s *CircuitBreakerStore) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if s.cb == nil {
		return fn()
	}

	result, err := s.cb.ExecuteWithContext(ctx, fn)
	if err != nil {
		if s.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for %s: %w", s.cb.Name(), err)
		}
		return nil, err
	}
	return result, nil
}

func (s *CircuitBreakerStore) SaveLease(ctx context.Context, lease LeaseRecord) error {
	_, err := s.execute(ctx, func() (interface{}, error) {
		return nil, s.store.SaveLease(ctx, lease)
	})
	return err
}

func (s *CircuitBreakerStore) DeleteLease(ctx context.Context, reader, handle string) error {
	_, err := s.execute(ctx, func() (interface{}, error) {
		return nil, s.store.DeleteLease(ctx, reader, handle)
	})
	return err
}

func (s *CircuitBreakerStore) LoadLeases(ctx context.Context, reader string) ([]LeaseRecord, error) {
	result, err := s.execute(ctx, func() (interface{}, error) {
		return s.store.LoadLeases(ctx, reader)
	})
	if err != nil {
		return nil, err
	}

	leases, ok := result.([]LeaseRecord)
	if !ok {
		return nil, fmt.Errorf("store returned invalid result type")
	}
	return leases, nil
}

func (s *CircuitBreakerStore) LoadPool(ctx context.Context, name string) (*PoolRecord, error) {
	result, err := s.execute(ctx, func() (interface{}, error) {
		return s.store.LoadPool(ctx, name)
	})
	if err != nil {
		return nil, err
	}

	pool, ok := result.(*PoolRecord)
	if !ok {
		return nil, fmt.Errorf("store returned invalid result type")
	}
	return pool, nil
}

func (s *CircuitBreakerStore) SavePool(ctx context.Context, pool PoolRecord) error {
	_, err := s.execute(ctx, func() (interface{}, error) {
		return nil, s.store.SavePool(ctx, pool)
	})
	return err
}

func (s *CircuitBreakerStore) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) Close() error {
	return s.store.Close()
}
