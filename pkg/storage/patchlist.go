package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/rackpatch/pkg/types"
)

// InsertPatchListChild links a child request to its master request
func (s *SQLStore) InsertPatchListChild(ctx context.Context, masterUUID, childUUID, status string) (InsertResult, error) {
	if masterUUID == "" || childUUID == "" {
		return 0, fmt.Errorf("%w: master and child uuid are required", ErrInvalidArgument)
	}
	var result InsertResult
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO patchlist (`+patchListColumns+`) VALUES (:1, :2, :3, :4)`,
			masterUUID, childUUID, status, "")
		return err
	})
	return result, err
}

// UpsertPatchListReport stores the json report of a child request,
// creating the row when it does not exist yet
func (s *SQLStore) UpsertPatchListReport(ctx context.Context, e *types.PatchListEntry) error {
	if e == nil || e.ChildUUID == "" {
		return fmt.Errorf("%w: child uuid is required", ErrInvalidArgument)
	}
	master := e.MasterUUID
	if master == "" {
		master = e.ChildUUID
	}
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE patchlist SET json_report = :1 WHERE child_uuid = :2`, e.JSONReport, e.ChildUUID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		_, err = tx.TryInsert(ctx, `INSERT INTO patchlist (`+patchListColumns+`) VALUES (:1, :2, :3, :4)`,
			master, e.ChildUUID, e.ReqStatus, e.JSONReport)
		return err
	})
}

// UpdatePatchListStatus sets the status of a child request
func (s *SQLStore) UpdatePatchListStatus(ctx context.Context, childUUID, status string) error {
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE patchlist SET reqstatus = :1 WHERE child_uuid = :2`, status, childUUID)
		if err != nil {
			return err
		}
		return requireRows(res, "patchlist child "+childUUID)
	})
}

// GetPatchListEntry returns the patchlist row of a child request
func (s *SQLStore) GetPatchListEntry(ctx context.Context, childUUID string) (*types.PatchListEntry, error) {
	var e *types.PatchListEntry
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		e, err = queryOne(ctx, tx, `SELECT `+patchListColumns+` FROM patchlist WHERE child_uuid = :1`,
			[]any{childUUID}, scanPatchList)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("patchlist child %s: %w", childUUID, err)
	}
	return e, nil
}

// ListChildRequests returns the children of a master request
func (s *SQLStore) ListChildRequests(ctx context.Context, masterUUID string) ([]*types.PatchListEntry, error) {
	var entries []*types.PatchListEntry
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		entries, err = queryAll(ctx, tx, `SELECT `+patchListColumns+` FROM patchlist WHERE master_uuid = :1 ORDER BY child_uuid`,
			[]any{masterUUID}, scanPatchList)
		return err
	})
	return entries, err
}
