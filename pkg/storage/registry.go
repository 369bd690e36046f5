package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/rackpatch/pkg/types"
)

// SetRegistryEntry replaces the entry stored under e.Key
func (s *SQLStore) SetRegistryEntry(ctx context.Context, e *types.RegistryEntry) error {
	if e == nil || e.Key == "" {
		return fmt.Errorf("%w: registry key is required", ErrInvalidArgument)
	}
	value := e.Value
	if value == "" {
		value = "Undefined"
	}
	return s.Tx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM registry WHERE _key = :1`, e.Key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO registry (`+registryColumns+`) VALUES (:1, :2, :3, :4)`,
			e.Key, value, e.UUID, e.Worker)
		return err
	})
}

// GetRegistryEntry returns the entry stored under key
func (s *SQLStore) GetRegistryEntry(ctx context.Context, key string) (*types.RegistryEntry, error) {
	var e *types.RegistryEntry
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		e, err = queryOne(ctx, tx, `SELECT `+registryColumns+` FROM registry WHERE _key = :1`, []any{key}, scanRegistry)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", key, err)
	}
	return e, nil
}

// DeleteRegistryByUUID drops every entry claimed by a request
func (s *SQLStore) DeleteRegistryByUUID(ctx context.Context, uuid string) (int64, error) {
	res, err := s.Exec(ctx, `DELETE FROM registry WHERE uuid = :1`, uuid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteRegistryByWorker drops every entry tagged with a worker port
func (s *SQLStore) DeleteRegistryByWorker(ctx context.Context, worker string) (int64, error) {
	res, err := s.Exec(ctx, `DELETE FROM registry WHERE worker = :1`, worker)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOrphanRegistryEntries drops entries whose worker slot no longer exists
func (s *SQLStore) DeleteOrphanRegistryEntries(ctx context.Context) (int64, error) {
	res, err := s.Exec(ctx, `DELETE FROM registry
		WHERE worker IS NOT NULL AND worker <> ''
		AND worker NOT IN (SELECT CAST(port AS CHAR) FROM workers)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRegistryEntries returns the number of registry rows
func (s *SQLStore) CountRegistryEntries(ctx context.Context) (int, error) {
	var n int
	err := s.QueryRow(ctx, `SELECT COUNT(1) FROM registry`, nil, &n)
	return n, err
}
