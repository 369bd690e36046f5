package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/cuemby/rackpatch/pkg/types"
)

func requireRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// InsertWorker registers a worker slot. The sync lock starts free, the
// activity time is set to now, and registry rows left by a previous worker
// on the same port are purged in the same transaction.
func (s *SQLStore) InsertWorker(ctx context.Context, w *types.Worker) (InsertResult, error) {
	if w == nil || w.Port <= 0 {
		return 0, fmt.Errorf("%w: worker port is required", ErrInvalidArgument)
	}

	now := s.cfg.Clock.Now().UTC()
	row := *w
	row.SyncLock = types.SyncLockFree
	row.LastActiveTime = now
	if row.StartTime.IsZero() {
		row.StartTime = now
	}
	if row.UUID == "" {
		row.UUID = types.IdleWorkerUUID
	}
	if row.Status == "" {
		row.Status = types.WorkerStatusIdle
	}
	if row.Type == "" {
		row.Type = types.WorkerTypeWorker
	}
	if row.State == "" {
		row.State = types.WorkerStateNormal
	}

	var result InsertResult
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO workers (`+workerColumns+`)
			VALUES (:1, :2, :3, :4, :5, :6, :7, :8, :9, :10, :11, :12, :13, :14)`,
			row.UUID, string(row.Status), row.StartTime.UTC(), nullTime(row.EndTime), row.Params, row.Error,
			row.ErrorStr, row.StatusInfo, row.PID, row.Port, string(row.Type), row.SyncLock,
			row.LastActiveTime, string(row.State))
		if err != nil || result == AlreadyExists {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM registry WHERE worker = :1`, strconv.Itoa(row.Port))
		return err
	})
	return result, err
}

// GetWorker returns the worker bound to port
func (s *SQLStore) GetWorker(ctx context.Context, port int) (*types.Worker, error) {
	var w *types.Worker
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		w, err = queryOne(ctx, tx, `SELECT `+workerColumns+` FROM workers WHERE port = :1`, []any{port}, scanWorker)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", port, err)
	}
	return w, nil
}

// ListWorkers returns every worker, special ones included
func (s *SQLStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		workers, err = queryAll(ctx, tx, `SELECT `+workerColumns+` FROM workers ORDER BY port`, nil, scanWorker)
		return err
	})
	return workers, err
}

// ListIdleWorkers returns allocatable workers: plain, idle, NORMAL and not
// bound to any request
func (s *SQLStore) ListIdleWorkers(ctx context.Context) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		workers, err = queryAll(ctx, tx, `SELECT `+workerColumns+` FROM workers
			WHERE type = :1 AND status = :2 AND state = :3 AND uuid = :4 ORDER BY port`,
			[]any{string(types.WorkerTypeWorker), string(types.WorkerStatusIdle),
				string(types.WorkerStateNormal), types.IdleWorkerUUID}, scanWorker)
		return err
	})
	return workers, err
}

// UpdateWorker writes every field of w except the sync lock, which is only
// changed through the sync lock operations
func (s *SQLStore) UpdateWorker(ctx context.Context, w *types.Worker) error {
	now := s.cfg.Clock.Now().UTC()
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE workers SET uuid = :1, status = :2, starttime = :3, endtime = :4,
			params = :5, error = :6, error_str = :7, statusinfo = :8, pid = :9, type = :10,
			lastactivetime = :11, state = :12 WHERE port = :13`,
			w.UUID, string(w.Status), w.StartTime.UTC(), nullTime(w.EndTime), w.Params, w.Error, w.ErrorStr,
			w.StatusInfo, w.PID, string(w.Type), now, string(w.State), w.Port)
		if err != nil {
			return err
		}
		return requireRows(res, fmt.Sprintf("worker %d", w.Port))
	})
}

// AssignResult is the outcome of AssignWorker
type AssignResult int

const (
	Assigned AssignResult = iota + 1
	// WorkerTaken means the worker is special, busy or missing
	WorkerTaken
	// RequestTaken means the request is no longer Pending or is already
	// bound to a worker
	RequestTaken
)

func (r AssignResult) String() string {
	switch r {
	case Assigned:
		return "assigned"
	case WorkerTaken:
		return "worker_taken"
	case RequestTaken:
		return "request_taken"
	default:
		return "unknown"
	}
}

// AssignWorker binds an idle plain worker to a pending request. The
// request row is locked and re-checked in the same transaction, so a
// request is bound to at most one worker across processes.
func (s *SQLStore) AssignWorker(ctx context.Context, port int, requestUUID string) (AssignResult, error) {
	if requestUUID == "" || requestUUID == types.IdleWorkerUUID {
		return 0, fmt.Errorf("%w: request uuid is required", ErrInvalidArgument)
	}
	now := s.cfg.Clock.Now().UTC()
	var result AssignResult
	err := s.Tx(ctx, func(tx *Tx) error {
		result = 0

		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM requests WHERE uuid = :1`+tx.ForUpdate(),
			[]any{requestUUID}, &status)
		if errors.Is(err, ErrNotFound) || (err == nil && types.RequestStatus(status) != types.RequestStatusPending) {
			result = RequestTaken
			return nil
		}
		if err != nil {
			return err
		}

		var bound int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM workers WHERE uuid = :1`,
			[]any{requestUUID}, &bound); err != nil {
			return err
		}
		if bound > 0 {
			result = RequestTaken
			return nil
		}

		res, err := tx.Exec(ctx, `UPDATE workers SET uuid = :1, status = :2, lastactivetime = :3
			WHERE port = :4 AND type = :5 AND uuid = :6 AND status = :7`,
			requestUUID, string(types.WorkerStatusRunning), now, port,
			string(types.WorkerTypeWorker), types.IdleWorkerUUID, string(types.WorkerStatusIdle))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result = WorkerTaken
		if n == 1 {
			result = Assigned
		}
		return nil
	})
	return result, err
}

// ReleaseWorker returns a worker to the idle pool
func (s *SQLStore) ReleaseWorker(ctx context.Context, port int) error {
	now := s.cfg.Clock.Now().UTC()
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE workers SET uuid = :1, status = :2, lastactivetime = :3 WHERE port = :4`,
			types.IdleWorkerUUID, string(types.WorkerStatusIdle), now, port)
		if err != nil {
			return err
		}
		return requireRows(res, fmt.Sprintf("worker %d", port))
	})
}

// DeleteWorker removes a worker slot and the registry rows tagged with it
func (s *SQLStore) DeleteWorker(ctx context.Context, port int) error {
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM workers WHERE port = :1`, port)
		if err != nil {
			return err
		}
		if err := requireRows(res, fmt.Sprintf("worker %d", port)); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM registry WHERE worker = :1`, strconv.Itoa(port))
		return err
	})
}

// SetSyncLockIfFree sets the sync lock of port to owner when it is free.
// It does not report whether it won; callers re-read with GetSyncLock.
func (s *SQLStore) SetSyncLockIfFree(ctx context.Context, port int, owner string) error {
	_, err := s.Exec(ctx, `UPDATE workers SET synclock = :1 WHERE port = :2 AND synclock = :3`,
		owner, port, types.SyncLockFree)
	return err
}

// ClearSyncLockIfOwner frees the sync lock of port when owner holds it
func (s *SQLStore) ClearSyncLockIfOwner(ctx context.Context, port int, owner string) error {
	_, err := s.Exec(ctx, `UPDATE workers SET synclock = :1 WHERE port = :2 AND synclock = :3`,
		types.SyncLockFree, port, owner)
	return err
}

// GetSyncLock returns the current sync lock owner of port
func (s *SQLStore) GetSyncLock(ctx context.Context, port int) (string, error) {
	var owner sql.NullString
	if err := s.QueryRow(ctx, `SELECT synclock FROM workers WHERE port = :1`, []any{port}, &owner); err != nil {
		return "", fmt.Errorf("worker %d: %w", port, err)
	}
	if !owner.Valid || owner.String == "" {
		return types.SyncLockFree, nil
	}
	return owner.String, nil
}

// ResetSyncLocks frees every sync lock
func (s *SQLStore) ResetSyncLocks(ctx context.Context) (int64, error) {
	res, err := s.Exec(ctx, `UPDATE workers SET synclock = :1 WHERE synclock IS NULL OR synclock <> :1`,
		types.SyncLockFree)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
