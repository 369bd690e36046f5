package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/rackpatch/pkg/types"
)

// InsertTimeStat opens a timing row
func (s *SQLStore) InsertTimeStat(ctx context.Context, ts *types.TimeStat) error {
	if ts == nil || ts.ChildUUID == "" || ts.Stage == "" {
		return fmt.Errorf("%w: child uuid and stage are required", ErrInvalidArgument)
	}
	start := ts.StartTime
	if start.IsZero() {
		start = s.cfg.Clock.Now()
	}
	return s.Tx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO infrapatchingtimestats (`+timeStatColumns+`)
			VALUES (:1, :2, :3, :4, :5, :6, :7, :8, :9, :10, :11, :12, :13)`,
			ts.MasterUUID, ts.ChildUUID, ts.TargetType, ts.NodeNames, ts.Operation, ts.RackName,
			ts.PatchType, ts.OperationStyle, ts.Stage, ts.SubStage, start.UTC(), nil, nil)
		return err
	})
}

// CloseLatestTimeStat closes the most recent open row of a child matching
// stage and sub-stage, and node names when not empty. It returns false when
// no open row matches.
func (s *SQLStore) CloseLatestTimeStat(ctx context.Context, childUUID, stage, subStage, nodeNames string, now time.Time) (bool, error) {
	query := `SELECT start_time FROM infrapatchingtimestats
		WHERE child_uuid = :1 AND stage = :2 AND sub_stage = :3 AND end_time IS NULL`
	args := []any{childUUID, stage, subStage}
	if nodeNames != "" {
		query += ` AND node_names = :4`
		args = append(args, nodeNames)
	}
	query += ` ORDER BY start_time DESC`

	var closed bool
	err := s.Tx(ctx, func(tx *Tx) error {
		closed = false

		var start sql.NullTime
		err := tx.QueryRow(ctx, query+` LIMIT 1`+tx.ForUpdate(), args, &start)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		end := now.UTC()
		if _, err := tx.Exec(ctx, `UPDATE infrapatchingtimestats SET end_time = :1, duration_in_seconds = :2
			WHERE child_uuid = :3 AND stage = :4 AND sub_stage = :5 AND start_time = :6 AND end_time IS NULL`,
			end, durationSeconds(start.Time, end), childUUID, stage, subStage, start.Time.UTC()); err != nil {
			return err
		}
		closed = true
		return nil
	})
	return closed, err
}

// CloseOpenTimeStats closes every open row of a child and returns how many
// were closed
func (s *SQLStore) CloseOpenTimeStats(ctx context.Context, childUUID string, now time.Time) (int, error) {
	var closed int
	err := s.Tx(ctx, func(tx *Tx) error {
		closed = 0

		var starts []time.Time
		err := tx.Query(ctx, `SELECT start_time FROM infrapatchingtimestats
			WHERE child_uuid = :1 AND end_time IS NULL`+tx.ForUpdate(), []any{childUUID}, func(rows *sql.Rows) error {
			var start sql.NullTime
			if err := rows.Scan(&start); err != nil {
				return err
			}
			starts = append(starts, start.Time.UTC())
			return nil
		})
		if err != nil {
			return err
		}

		end := now.UTC()
		for _, start := range starts {
			res, err := tx.Exec(ctx, `UPDATE infrapatchingtimestats SET end_time = :1, duration_in_seconds = :2
				WHERE child_uuid = :3 AND start_time = :4 AND end_time IS NULL`,
				end, durationSeconds(start, end), childUUID, start)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			closed += int(n)
		}
		return nil
	})
	return closed, err
}

// ListTimeStats returns the rows of a child ordered by start time
func (s *SQLStore) ListTimeStats(ctx context.Context, childUUID string) ([]*types.TimeStat, error) {
	var stats []*types.TimeStat
	err := s.Tx(ctx, func(tx *Tx) error {
		var err error
		stats, err = queryAll(ctx, tx, `SELECT `+timeStatColumns+` FROM infrapatchingtimestats
			WHERE child_uuid = :1 ORDER BY start_time`, []any{childUUID}, scanTimeStat)
		return err
	})
	return stats, err
}

// ListOpenTimeStatChildren returns child uuids that still have open rows
// and whose request is no longer running
func (s *SQLStore) ListOpenTimeStatChildren(ctx context.Context) ([]string, error) {
	var children []string
	err := s.Tx(ctx, func(tx *Tx) error {
		children = children[:0]
		return tx.Query(ctx, `SELECT DISTINCT t.child_uuid FROM infrapatchingtimestats t
			WHERE t.end_time IS NULL AND NOT EXISTS (
				SELECT 1 FROM requests r WHERE r.uuid = t.child_uuid AND r.status IN (:1, :2))
			ORDER BY t.child_uuid`,
			[]any{string(types.RequestStatusPending), string(types.RequestStatusRunning)},
			func(rows *sql.Rows) error {
				var child string
				if err := rows.Scan(ns(&child)); err != nil {
					return err
				}
				children = append(children, child)
				return nil
			})
	})
	return children, err
}

func durationSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
