package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cuemby/rackpatch/pkg/types"
)

// Column lists, in the order the scan functions below expect them.
const (
	requestColumns = `uuid, status, starttime, endtime, cmdtype, params, error, error_str, body, xml,
		statusinfo, clustername, _lock, data, subcmd, response_sent, aq_name`

	workerColumns = `uuid, status, starttime, endtime, params, error, error_str, statusinfo,
		pid, port, type, synclock, lastactivetime, state`

	fabricColumns = `id, ibswitches_output_sha512, do_switch, list_clusters_in_process, lockedfor, lockcount`

	registryColumns = `_key, value, uuid, worker`

	patchListColumns = `master_uuid, child_uuid, reqstatus, json_report`

	timeStatColumns = `master_uuid, child_uuid, target_type, node_names, operation, rack_name,
		patch_type, operation_style, stage, sub_stage, start_time, end_time, duration_in_seconds`

	clusterOperationColumns = `id, clustername, master_req_uuid, target_type, patch_type,
		operation_type, operation_style`
)

type scanner interface {
	Scan(dest ...any) error
}

// nullString scans nullable text columns into plain strings
type nullString struct {
	s *string
}

func (n nullString) Scan(value any) error {
	var ns sql.NullString
	if err := ns.Scan(value); err != nil {
		return err
	}
	*n.s = ns.String
	return nil
}

func ns(s *string) nullString { return nullString{s: s} }

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanRequest(row scanner) (*types.Request, error) {
	var (
		r      types.Request
		status string
		start  sql.NullTime
		end    sql.NullTime
	)
	err := row.Scan(
		&r.UUID, ns(&status), &start, &end, ns(&r.CmdType), ns(&r.Params), ns(&r.Error), ns(&r.ErrorStr),
		ns(&r.Body), ns(&r.XML), ns(&r.StatusInfo), ns(&r.ClusterName), ns(&r.Lock), ns(&r.Data),
		ns(&r.SubCommand), ns(&r.ResponseSent), ns(&r.AQName),
	)
	if err != nil {
		return nil, err
	}
	r.Status = types.RequestStatus(status)
	if start.Valid {
		r.StartTime = start.Time.UTC()
	}
	r.EndTime = timePtr(end)
	return &r, nil
}

func requestArgs(r *types.Request) []any {
	return []any{
		r.UUID, string(r.Status), r.StartTime.UTC(), nullTime(r.EndTime), r.CmdType, r.Params, r.Error, r.ErrorStr,
		r.Body, r.XML, r.StatusInfo, r.ClusterName, r.Lock, r.Data, r.SubCommand, r.ResponseSent, r.AQName,
	}
}

func scanWorker(row scanner) (*types.Worker, error) {
	var (
		w      types.Worker
		status string
		wtype  string
		state  string
		start  sql.NullTime
		end    sql.NullTime
		active sql.NullTime
		pid    sql.NullInt64
	)
	err := row.Scan(
		ns(&w.UUID), ns(&status), &start, &end, ns(&w.Params), ns(&w.Error), ns(&w.ErrorStr), ns(&w.StatusInfo),
		&pid, &w.Port, ns(&wtype), ns(&w.SyncLock), &active, ns(&state),
	)
	if err != nil {
		return nil, err
	}
	w.Status = types.WorkerStatus(status)
	w.Type = types.WorkerType(wtype)
	w.State = types.WorkerState(state)
	w.PID = int(pid.Int64)
	if start.Valid {
		w.StartTime = start.Time.UTC()
	}
	w.EndTime = timePtr(end)
	if active.Valid {
		w.LastActiveTime = active.Time.UTC()
	}
	return &w, nil
}

func scanFabric(row scanner) (*types.FabricEntry, error) {
	var (
		f         types.FabricEntry
		doSwitch  string
		clusters  string
		lockedFor string
		count     sql.NullInt64
	)
	if err := row.Scan(&f.ID, ns(&f.Hash), ns(&doSwitch), ns(&clusters), ns(&lockedFor), &count); err != nil {
		return nil, err
	}
	f.DoSwitch = doSwitch == "yes"
	f.BusyClusters = types.ParseBusyClusters(clusters)
	f.LockedFor = types.LockedFor(lockedFor)
	if f.LockedFor == "" {
		f.LockedFor = types.LockedForNone
	}
	f.LockCount = int(count.Int64)
	return &f, nil
}

func scanRegistry(row scanner) (*types.RegistryEntry, error) {
	var e types.RegistryEntry
	if err := row.Scan(ns(&e.Key), ns(&e.Value), ns(&e.UUID), ns(&e.Worker)); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanPatchList(row scanner) (*types.PatchListEntry, error) {
	var e types.PatchListEntry
	if err := row.Scan(&e.MasterUUID, &e.ChildUUID, ns(&e.ReqStatus), ns(&e.JSONReport)); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanTimeStat(row scanner) (*types.TimeStat, error) {
	var (
		t        types.TimeStat
		start    sql.NullTime
		end      sql.NullTime
		duration sql.NullInt64
	)
	err := row.Scan(
		ns(&t.MasterUUID), ns(&t.ChildUUID), ns(&t.TargetType), ns(&t.NodeNames), ns(&t.Operation),
		ns(&t.RackName), ns(&t.PatchType), ns(&t.OperationStyle), ns(&t.Stage), ns(&t.SubStage),
		&start, &end, &duration,
	)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		t.StartTime = start.Time.UTC()
	}
	t.EndTime = timePtr(end)
	t.DurationSeconds = int(duration.Int64)
	return &t, nil
}

func scanClusterOperation(row scanner) (*types.ClusterOperation, error) {
	var op types.ClusterOperation
	err := row.Scan(&op.ID, ns(&op.ClusterName), ns(&op.MasterUUID), ns(&op.TargetType), ns(&op.PatchType),
		ns(&op.Operation), ns(&op.OperationStyle))
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func queryOne[T any](ctx context.Context, tx *Tx, query string, args []any, scan func(scanner) (*T, error)) (*T, error) {
	var out *T
	err := tx.Query(ctx, query, args, func(rows *sql.Rows) error {
		if out != nil {
			return nil
		}
		v, err := scan(rows)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func queryAll[T any](ctx context.Context, tx *Tx, query string, args []any, scan func(scanner) (*T, error)) ([]*T, error) {
	var out []*T
	err := tx.Query(ctx, query, args, func(rows *sql.Rows) error {
		v, err := scan(rows)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
