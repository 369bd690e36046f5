package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/cuemby/rackpatch/pkg/types"
)

var fabricHashRE = regexp.MustCompile(`^[0-9a-f]{128}$`)

// ValidFabricHash reports whether hash is a lower-case hex sha512 digest
func ValidFabricHash(hash string) bool {
	return fabricHashRE.MatchString(hash)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// InsertFabric creates the lock row of a fabric. An existing row with the
// same hash is returned unchanged along with AlreadyExists.
func (s *SQLStore) InsertFabric(ctx context.Context, hash string) (*types.FabricEntry, InsertResult, error) {
	if !ValidFabricHash(hash) {
		return nil, 0, fmt.Errorf("%w: fabric hash must be 128 lower-case hex chars", ErrInvalidArgument)
	}

	var (
		entry  *types.FabricEntry
		result InsertResult
	)
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO ibfabriclocks
			(ibswitches_output_sha512, do_switch, list_clusters_in_process, lockedfor, lockcount)
			VALUES (:1, :2, :3, :4, :5)`,
			hash, yesNo(false), "", string(types.LockedForNone), 0)
		if err != nil {
			return err
		}
		entry, err = queryOne(ctx, tx, `SELECT `+fabricColumns+` FROM ibfabriclocks WHERE ibswitches_output_sha512 = :1`,
			[]any{hash}, scanFabric)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return entry, result, nil
}

// GetFabric returns the fabric row with the given id
func (s *SQLStore) GetFabric(ctx context.Context, id int64) (*types.FabricEntry, error) {
	var f *types.FabricEntry
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		f, err = queryOne(ctx, tx, `SELECT `+fabricColumns+` FROM ibfabriclocks WHERE id = :1`, []any{id}, scanFabric)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fabric %d: %w", id, err)
	}
	return f, nil
}

// GetFabricByHash returns the fabric row registered for hash
func (s *SQLStore) GetFabricByHash(ctx context.Context, hash string) (*types.FabricEntry, error) {
	var f *types.FabricEntry
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		f, err = queryOne(ctx, tx, `SELECT `+fabricColumns+` FROM ibfabriclocks WHERE ibswitches_output_sha512 = :1`,
			[]any{hash}, scanFabric)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fabric %s: %w", hash, err)
	}
	return f, nil
}

// ListFabrics returns every fabric row ordered by id
func (s *SQLStore) ListFabrics(ctx context.Context) ([]*types.FabricEntry, error) {
	var fabrics []*types.FabricEntry
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		fabrics, err = queryAll(ctx, tx, `SELECT `+fabricColumns+` FROM ibfabriclocks ORDER BY id`, nil, scanFabric)
		return err
	})
	return fabrics, err
}

// ModifyFabric re-reads the fabric row under a write lock and passes it to
// fn. When fn returns true the lock columns of the modified entry are
// written back in the same transaction. found is false when the row does
// not exist, in which case fn is not called.
func (s *SQLStore) ModifyFabric(ctx context.Context, id int64, fn func(f *types.FabricEntry) bool) (found bool, applied bool, err error) {
	err = s.Tx(ctx, func(tx *Tx) error {
		found, applied = false, false

		f, err := queryOne(ctx, tx, `SELECT `+fabricColumns+` FROM ibfabriclocks WHERE id = :1`+tx.ForUpdate(),
			[]any{id}, scanFabric)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if !fn(f) {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE ibfabriclocks
			SET list_clusters_in_process = :1, lockedfor = :2, lockcount = :3 WHERE id = :4`,
			types.FormatBusyClusters(f.BusyClusters), string(f.LockedFor), f.LockCount, id)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return found, applied, nil
}

// SetFabricDoSwitch records whether a switch-level operation is pending
func (s *SQLStore) SetFabricDoSwitch(ctx context.Context, id int64, doSwitch bool) error {
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE ibfabriclocks SET do_switch = :1 WHERE id = :2`, yesNo(doSwitch), id)
		if err != nil {
			return err
		}
		return requireRows(res, fmt.Sprintf("fabric %d", id))
	})
}

// AttachClusterToFabric maps a cluster to a fabric. A cluster already
// mapped, to this or another fabric, reports AlreadyExists.
func (s *SQLStore) AttachClusterToFabric(ctx context.Context, fabricID int64, cluster string) (InsertResult, error) {
	if cluster == "" {
		return 0, fmt.Errorf("%w: cluster name is required", ErrInvalidArgument)
	}
	var result InsertResult
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO ibfabricclusters (fabric_id, clustername) VALUES (:1, :2)`,
			fabricID, cluster)
		return err
	})
	return result, err
}

// FabricIDForCluster returns the fabric a cluster is mapped to
func (s *SQLStore) FabricIDForCluster(ctx context.Context, cluster string) (int64, error) {
	var id sql.NullInt64
	err := s.QueryRow(ctx, `SELECT fabric_id FROM ibfabricclusters WHERE clustername = :1`, []any{cluster}, &id)
	if err != nil {
		return 0, fmt.Errorf("cluster %s: %w", cluster, err)
	}
	return id.Int64, nil
}

// AttachSwitchToFabric maps a switch to a fabric
func (s *SQLStore) AttachSwitchToFabric(ctx context.Context, fabricID int64, switchName string) (InsertResult, error) {
	if switchName == "" {
		return 0, fmt.Errorf("%w: switch name is required", ErrInvalidArgument)
	}
	var result InsertResult
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO ibfabricibswitches (fabric_id, ibswitchname) VALUES (:1, :2)`,
			fabricID, switchName)
		return err
	})
	return result, err
}

// ListFabricSwitches returns the switches mapped to a fabric, sorted
func (s *SQLStore) ListFabricSwitches(ctx context.Context, fabricID int64) ([]string, error) {
	var names []string
	err := s.Tx(ctx, func(tx *Tx) error {
		names = names[:0]
		return tx.Query(ctx, `SELECT ibswitchname FROM ibfabricibswitches WHERE fabric_id = :1 ORDER BY ibswitchname`,
			[]any{fabricID}, func(rows *sql.Rows) error {
				var name string
				if err := rows.Scan(ns(&name)); err != nil {
					return err
				}
				names = append(names, name)
				return nil
			})
	})
	return names, err
}

// CleanupFabricTables deletes every cluster operation and fabric row
func (s *SQLStore) CleanupFabricTables(ctx context.Context) error {
	return s.Tx(ctx, func(tx *Tx) error {
		for _, table := range []string{"clusterpatchoperations", "ibfabricclusters", "ibfabricibswitches", "ibfabriclocks"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clean %s: %w", table, err)
			}
		}
		return nil
	})
}
