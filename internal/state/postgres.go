package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveLease(ctx context.Context, lease LeaseRecord) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	query := `
		INSERT INTO reader_leases (reader, handle, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (reader, handle)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, lease.Reader, lease.Handle, data); err != nil {
		return fmt.Errorf("failed to save lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLease(ctx context.Context, reader, handle string) error {
	query := `DELETE FROM reader_leases WHERE reader = $1 AND handle = $2`
	if _, err := s.db.ExecContext(ctx, query, reader, handle); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLeases(ctx context.Context, reader string) ([]LeaseRecord, error) {
	query := `
		SELECT handle, payload
		FROM reader_leases
		WHERE reader = $1
		ORDER BY updated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}
	defer rows.Close()

	var leases []LeaseRecord
	for rows.Next() {
		var (
			handle string
			raw    []byte
		)
		if err := rows.Scan(&handle, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}

		var lease LeaseRecord
		if err := json.Unmarshal(raw, &lease); err != nil {
			return nil, fmt.Errorf("%w: lease %s: %v", ErrCorruptState, handle, err)
		}
		leases = append(leases, lease)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return leases, nil
}

func (s *PostgresStore) LoadPool(ctx context.Context, name string) (*PoolRecord, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM pool_state WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pool: %w", err)
	}

	var pool PoolRecord
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", ErrCorruptState, name, err)
	}
	return &pool, nil
}

func (s *PostgresStore) SavePool(ctx context.Context, pool PoolRecord) error {
	data, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("failed to marshal pool: %w", err)
	}

	query := `
		INSERT INTO pool_state (name, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, pool.Name, data); err != nil {
		return fmt.Errorf("failed to save pool: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
