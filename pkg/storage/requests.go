package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/rackpatch/pkg/types"
)

// InsertRequest stores a new request. A request whose uuid already exists
// is left untouched and reported as AlreadyExists. Parameters are masked
// first when masking is enabled.
func (s *SQLStore) InsertRequest(ctx context.Context, req *types.Request) (InsertResult, error) {
	if req == nil || req.UUID == "" {
		return 0, fmt.Errorf("%w: request uuid is required", ErrInvalidArgument)
	}

	row := *req
	if row.Status == "" {
		row.Status = types.RequestStatusPending
	}
	if row.StartTime.IsZero() {
		row.StartTime = s.cfg.Clock.Now().UTC()
	}
	if s.cfg.MaskParams && s.cfg.Masker != nil && row.Params != "" {
		masked, err := s.cfg.Masker.Mask(row.Params)
		if err != nil {
			return 0, fmt.Errorf("failed to mask request params: %w", err)
		}
		row.Params = masked
	}

	var result InsertResult
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		result, err = tx.TryInsert(ctx, `INSERT INTO requests (`+requestColumns+`)
			VALUES (:1, :2, :3, :4, :5, :6, :7, :8, :9, :10, :11, :12, :13, :14, :15, :16, :17)`,
			requestArgs(&row)...)
		return err
	})
	return result, err
}

// GetRequest returns the request with the given uuid
func (s *SQLStore) GetRequest(ctx context.Context, uuid string) (*types.Request, error) {
	var req *types.Request
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		req, err = queryOne(ctx, tx, `SELECT `+requestColumns+` FROM requests WHERE uuid = :1`,
			[]any{uuid}, scanRequest)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", uuid, err)
	}
	return req, nil
}

// ListRequests returns every request in the given status, oldest first
func (s *SQLStore) ListRequests(ctx context.Context, status types.RequestStatus) ([]*types.Request, error) {
	var reqs []*types.Request
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		reqs, err = queryAll(ctx, tx, `SELECT `+requestColumns+` FROM requests WHERE status = :1 ORDER BY starttime`,
			[]any{string(status)}, scanRequest)
		return err
	})
	return reqs, err
}

// ListPendingRequests returns pending requests not yet bound to a worker, oldest first
func (s *SQLStore) ListPendingRequests(ctx context.Context) ([]*types.Request, error) {
	var reqs []*types.Request
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		reqs, err = queryAll(ctx, tx, `SELECT `+requestColumns+` FROM requests
			WHERE status = :1 AND uuid NOT IN (SELECT uuid FROM workers WHERE uuid IS NOT NULL)
			ORDER BY starttime`,
			[]any{string(types.RequestStatusPending)}, scanRequest)
		return err
	})
	return reqs, err
}

// UpdateRequestStatus moves a request to next. Transitions outside
// Pending→Running→{Done,Failed} return ErrInvalidTransition. Terminal
// transitions also stamp endtime.
func (s *SQLStore) UpdateRequestStatus(ctx context.Context, uuid string, next types.RequestStatus) error {
	return s.Tx(ctx, func(tx *Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM requests WHERE uuid = :1`+tx.ForUpdate(), []any{uuid}, &current)
		if err != nil {
			return fmt.Errorf("request %s: %w", uuid, err)
		}
		if !types.RequestStatus(current).CanTransitionTo(next) {
			return fmt.Errorf("%w: request %s %s -> %s", ErrInvalidTransition, uuid, current, next)
		}

		var end any
		if next.Terminal() {
			end = s.cfg.Clock.Now().UTC()
		}
		_, err = tx.Exec(ctx, `UPDATE requests SET status = :1, endtime = :2 WHERE uuid = :3 AND status = :4`,
			string(next), end, uuid, current)
		return err
	})
}

// StartRequest moves a Pending request to Running. It returns false when
// the request is in any other status, so exactly one caller starts it.
func (s *SQLStore) StartRequest(ctx context.Context, uuid string) (bool, error) {
	var started bool
	err := s.Tx(ctx, func(tx *Tx) error {
		started = false
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM requests WHERE uuid = :1`+tx.ForUpdate(), []any{uuid}, &current)
		if err != nil {
			return fmt.Errorf("request %s: %w", uuid, err)
		}
		if types.RequestStatus(current) != types.RequestStatusPending {
			return nil
		}
		res, err := tx.Exec(ctx, `UPDATE requests SET status = :1 WHERE uuid = :2 AND status = :3`,
			string(types.RequestStatusRunning), uuid, current)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		started = n == 1
		return err
	})
	return started, err
}

// UpdateRequestStatusInfo replaces the progress string of a request
func (s *SQLStore) UpdateRequestStatusInfo(ctx context.Context, uuid, statusInfo string) error {
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE requests SET statusinfo = :1 WHERE uuid = :2`, statusInfo, uuid)
		if err != nil {
			return err
		}
		return requireRows(res, "request "+uuid)
	})
}

// UpdateRequestError stores the structured error of a request
func (s *SQLStore) UpdateRequestError(ctx context.Context, uuid, code, message, data string) error {
	return s.Tx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `UPDATE requests SET error = :1, error_str = :2, data = :3 WHERE uuid = :4`,
			code, message, data, uuid)
		if err != nil {
			return err
		}
		return requireRows(res, "request "+uuid)
	})
}

// ArchiveRequests moves terminal requests that ended before the cutoff into
// requests_archive. Copy and delete happen in one transaction so a request is
// never in both tables.
func (s *SQLStore) ArchiveRequests(ctx context.Context, endedBefore time.Time) (int64, error) {
	var moved int64
	where := `status IN (:1, :2) AND endtime IS NOT NULL AND endtime < :3`
	args := []any{string(types.RequestStatusDone), string(types.RequestStatusFailed), endedBefore.UTC()}

	err := s.Tx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO requests_archive (`+requestColumns+`)
			SELECT `+requestColumns+` FROM requests WHERE `+where, args...); err != nil {
			return fmt.Errorf("failed to copy requests to archive: %w", err)
		}
		res, err := tx.Exec(ctx, `DELETE FROM requests WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("failed to delete archived requests: %w", err)
		}
		moved, err = res.RowsAffected()
		return err
	})
	return moved, err
}

// PurgeArchivedRequests deletes archived requests that ended before the cutoff
func (s *SQLStore) PurgeArchivedRequests(ctx context.Context, endedBefore time.Time) (int64, error) {
	res, err := s.Exec(ctx, `DELETE FROM requests_archive WHERE endtime < :1`, endedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
