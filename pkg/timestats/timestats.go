package timestats

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Stages of a patch run
const (
	StagePrePatch  = "PRE_PATCH"
	StagePatchMgr  = "PATCH_MGR"
	StagePostPatch = "POST_PATCH"
)

// Store persists timing rows
type Store interface {
	InsertTimeStat(ctx context.Context, ts *types.TimeStat) error
	CloseLatestTimeStat(ctx context.Context, childUUID, stage, subStage, nodeNames string, now time.Time) (bool, error)
	CloseOpenTimeStats(ctx context.Context, childUUID string, now time.Time) (int, error)
	ListTimeStats(ctx context.Context, childUUID string) ([]*types.TimeStat, error)
}

// Recorder records the start and end of the stages of patch runs
type Recorder struct {
	store   Store
	clock   clock.Clock
	enabled atomic.Bool
	logger  zerolog.Logger
}

// New creates an enabled recorder. A nil clock means the wall clock.
func New(store Store, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.WallClock
	}
	r := &Recorder{
		store:  store,
		clock:  clk,
		logger: log.WithComponent("timestats"),
	}
	r.enabled.Store(true)
	return r
}

// SetEnabled turns recording on or off. A disabled recorder accepts every
// call and writes nothing.
func (r *Recorder) SetEnabled(enabled bool) {
	r.enabled.Store(enabled)
}

// Enabled reports whether the recorder writes rows
func (r *Recorder) Enabled() bool {
	return r.enabled.Load()
}

// NodeNames formats a node list the way it is stored
func NodeNames(nodes []string) string {
	return strings.Join(nodes, ",")
}

// PatchTypeOf returns monthly for live-update runs and quarterly otherwise
func PatchTypeOf(pc *types.PlanContext) types.PatchType {
	if pc.Exasplice || pc.PatchType == types.PatchTypeMonthly {
		return types.PatchTypeMonthly
	}
	return types.PatchTypeQuarterly
}

// Start opens a row for stage of the run of pc
func (r *Recorder) Start(ctx context.Context, pc *types.PlanContext, stage, subStage string, nodes []string) error {
	if !r.Enabled() {
		return nil
	}

	targets := make([]string, len(pc.Targets))
	for i, t := range pc.Targets {
		targets[i] = string(t)
	}
	ts := &types.TimeStat{
		MasterUUID:     pc.MasterUUID,
		ChildUUID:      pc.RequestUUID,
		TargetType:     strings.Join(targets, ","),
		NodeNames:      NodeNames(nodes),
		Operation:      string(pc.Task),
		RackName:       pc.RackName,
		PatchType:      string(PatchTypeOf(pc)),
		OperationStyle: string(pc.OpStyle),
		Stage:          stage,
		SubStage:       subStage,
		StartTime:      r.clock.Now().UTC(),
	}
	if err := r.store.InsertTimeStat(ctx, ts); err != nil {
		return fmt.Errorf("failed to start %s time stat: %w", stage, err)
	}

	r.logger.Debug().
		Str("request_id", pc.RequestUUID).
		Str("stage", stage).
		Str("sub_stage", subStage).
		Str("nodes", ts.NodeNames).
		Msg("Time stat started")
	return nil
}

// End closes the latest open row of child matching stage and subStage, and
// nodes when given. It reports false when no open row matches.
func (r *Recorder) End(ctx context.Context, child, stage, subStage string, nodes []string) (bool, error) {
	if !r.Enabled() {
		return false, nil
	}

	closed, err := r.store.CloseLatestTimeStat(ctx, child, stage, subStage, NodeNames(nodes), r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to end %s time stat: %w", stage, err)
	}
	if !closed {
		r.logger.Debug().Str("request_id", child).Str("stage", stage).Msg("No open time stat to end")
	}
	return closed, nil
}

// Transition ends the completed stage and starts the next one. Failures
// are logged and do not stop the run.
func (r *Recorder) Transition(ctx context.Context, pc *types.PlanContext, completedStage, completedSubStage, stage, subStage string, nodes []string) {
	if _, err := r.End(ctx, pc.RequestUUID, completedStage, completedSubStage, nil); err != nil {
		r.logger.Warn().Err(err).Str("request_id", pc.RequestUUID).Msg("Failed to end time stat")
	}
	if err := r.Start(ctx, pc, stage, subStage, nodes); err != nil {
		r.logger.Warn().Err(err).Str("request_id", pc.RequestUUID).Msg("Failed to start time stat")
	}
}

// CloseOpen closes every row of child still open, returning how many
func (r *Recorder) CloseOpen(ctx context.Context, child string) (int, error) {
	n, err := r.store.CloseOpenTimeStats(ctx, child, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to close time stats of %s: %w", child, err)
	}
	if n > 0 {
		r.logger.Info().Str("request_id", child).Int("closed", n).Msg("Closed unfinished time stats")
	}
	return n, nil
}

// List returns the rows of child ordered by start time
func (r *Recorder) List(ctx context.Context, child string) ([]*types.TimeStat, error) {
	return r.store.ListTimeStats(ctx, child)
}
