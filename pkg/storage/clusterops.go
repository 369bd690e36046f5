package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/rackpatch/pkg/types"
)

// InsertClusterOperation records an operation in flight on a cluster. One
// row per master request; a second insert reports AlreadyExists.
func (s *SQLStore) InsertClusterOperation(ctx context.Context, op *types.ClusterOperation) (InsertResult, error) {
	if op == nil || op.MasterUUID == "" || op.ClusterName == "" {
		return 0, fmt.Errorf("%w: cluster and master uuid are required", ErrInvalidArgument)
	}
	var result InsertResult
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO clusterpatchoperations
			(clustername, master_req_uuid, target_type, patch_type, operation_type, operation_style)
			VALUES (:1, :2, :3, :4, :5, :6)`,
			op.ClusterName, op.MasterUUID, op.TargetType, op.PatchType, op.Operation, op.OperationStyle)
		return err
	})
	return result, err
}

// ListClusterOperations returns the operations recorded for a cluster
func (s *SQLStore) ListClusterOperations(ctx context.Context, cluster string) ([]*types.ClusterOperation, error) {
	var ops []*types.ClusterOperation
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		ops, err = queryAll(ctx, tx, `SELECT `+clusterOperationColumns+` FROM clusterpatchoperations
			WHERE clustername = :1 ORDER BY id`, []any{cluster}, scanClusterOperation)
		return err
	})
	return ops, err
}

// CountClusterOperations counts operations on a cluster matching the target
// type, the patch type and any of the given operation types
func (s *SQLStore) CountClusterOperations(ctx context.Context, cluster, targetType, patchType string, operations []string) (int, error) {
	query := `SELECT COUNT(1) FROM clusterpatchoperations WHERE clustername = :1 AND target_type = :2 AND patch_type = :3`
	args := []any{cluster, targetType, patchType}
	if len(operations) > 0 {
		query += ` AND operation_type IN (`
		for i, op := range operations {
			if i > 0 {
				query += `, `
			}
			query += fmt.Sprintf(":%d", len(args)+1)
			args = append(args, op)
		}
		query += `)`
	}

	var n int
	err := s.QueryRow(ctx, query, args, &n)
	return n, err
}

// DeleteClusterOperationsByMaster drops the rows of a finished master request
func (s *SQLStore) DeleteClusterOperationsByMaster(ctx context.Context, masterUUID string) (int64, error) {
	res, err := s.Exec(ctx, `DELETE FROM clusterpatchoperations WHERE master_req_uuid = :1`, masterUUID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
