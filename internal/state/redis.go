package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps leases in one hash per reader and each pool partition in
// a single key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) leasesKey(reader string) string {
	return fmt.Sprintf("%s:leases:%s", s.prefix, reader)
}

func (s *RedisStore) poolKey(name string) string {
	return fmt.Sprintf("%s:pool:%s", s.prefix, name)
}

func (s *RedisStore) SaveLease(ctx context.Context, lease LeaseRecord) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := s.client.HSet(ctx, s.leasesKey(lease.Reader), lease.Handle, data).Err(); err != nil {
		return fmt.Errorf("redis HSET failed: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteLease(ctx context.Context, reader, handle string) error {
	if err := s.client.HDel(ctx, s.leasesKey(reader), handle).Err(); err != nil {
		return fmt.Errorf("redis HDEL failed: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadLeases(ctx context.Context, reader string) ([]LeaseRecord, error) {
	values, err := s.client.HGetAll(ctx, s.leasesKey(reader)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}

	leases := make([]LeaseRecord, 0, len(values))
	for handle, raw := range values {
		var lease LeaseRecord
		if err := json.Unmarshal([]byte(raw), &lease); err != nil {
			return nil, fmt.Errorf("%w: lease %s: %v", ErrCorruptState, handle, err)
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (s *RedisStore) LoadPool(ctx context.Context, name string) (*PoolRecord, error) {
	raw, err := s.client.Get(ctx, s.poolKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var pool PoolRecord
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", ErrCorruptState, name, err)
	}
	return &pool, nil
}

func (s *RedisStore) SavePool(ctx context.Context, pool PoolRecord) error {
	data, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("failed to marshal pool: %w", err)
	}
	if err := s.client.Set(ctx, s.poolKey(pool.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
