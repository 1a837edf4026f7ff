package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps state for the life of the process only.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]map[string]LeaseRecord
	pools  map[string]PoolRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]map[string]LeaseRecord),
		pools:  make(map[string]PoolRecord),
	}
}

func (s *MemoryStore) SaveLease(_ context.Context, lease LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHandle, ok := s.leases[lease.Reader]
	if !ok {
		byHandle = make(map[string]LeaseRecord)
		s.leases[lease.Reader] = byHandle
	}
	byHandle[lease.Handle] = cloneLease(lease)
	return nil
}

func (s *MemoryStore) DeleteLease(_ context.Context, reader, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases[reader], handle)
	return nil
}

func (s *MemoryStore) LoadLeases(_ context.Context, reader string) ([]LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LeaseRecord, 0, len(s.leases[reader]))
	for _, l := range s.leases[reader] {
		out = append(out, cloneLease(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (s *MemoryStore) LoadPool(_ context.Context, name string) (*PoolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[name]
	if !ok {
		return nil, nil
	}
	p.Busy = append([]SlotRecord(nil), p.Busy...)
	return &p, nil
}

func (s *MemoryStore) SavePool(_ context.Context, pool PoolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool.Busy = append([]SlotRecord(nil), pool.Busy...)
	s.pools[pool.Name] = pool
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneLease(l LeaseRecord) LeaseRecord {
	l.Body = append([]byte(nil), l.Body...)
	if l.Headers != nil {
		headers := make(map[string]string, len(l.Headers))
		for k, v := range l.Headers {
			headers[k] = v
		}
		l.Headers = headers
	}
	return l
}
