package timestats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newRecorder(t *testing.T) (*Recorder, *testclock.Clock) {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, storage.Config{
		Driver:        storage.DriverSQLite,
		DSN:           filepath.Join(t.TempDir(), "rackpatch.db"),
		RetryInterval: 10 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	clk := testclock.NewClock(epoch)
	return New(s, clk), clk
}

func planContext() *types.PlanContext {
	return &types.PlanContext{
		RequestUUID: "child-1",
		MasterUUID:  "master-1",
		RackName:    "rack7",
		Targets:     []types.TargetType{types.TargetDom0, types.TargetCell},
		Task:        types.TaskPatch,
		OpStyle:     types.OpStyleRolling,
		Exasplice:   true,
	}
}

func TestRecorder_StartEnd(t *testing.T) {
	r, clk := newRecorder(t)
	ctx := context.Background()
	pc := planContext()

	require.NoError(t, r.Start(ctx, pc, StagePrePatch, "", []string{"dom0-a", "dom0-b"}))
	clk.Advance(90 * time.Second)

	closed, err := r.End(ctx, pc.RequestUUID, StagePrePatch, "", nil)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = r.End(ctx, pc.RequestUUID, StagePrePatch, "", nil)
	require.NoError(t, err)
	assert.False(t, closed, "nothing left open")

	stats, err := r.List(ctx, pc.RequestUUID)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	st := stats[0]
	assert.Equal(t, "master-1", st.MasterUUID)
	assert.Equal(t, "dom0,cell", st.TargetType)
	assert.Equal(t, "dom0-a,dom0-b", st.NodeNames)
	assert.Equal(t, "patch", st.Operation)
	assert.Equal(t, "rack7", st.RackName)
	assert.Equal(t, "monthly", st.PatchType)
	assert.Equal(t, "rolling", st.OperationStyle)
	assert.Equal(t, epoch, st.StartTime)
	require.NotNil(t, st.EndTime)
	assert.Equal(t, 90, st.DurationSeconds)
}

func TestRecorder_EndMatchesNodes(t *testing.T) {
	r, clk := newRecorder(t)
	ctx := context.Background()
	pc := planContext()

	require.NoError(t, r.Start(ctx, pc, StagePatchMgr, "rolling", []string{"dom0-a"}))
	clk.Advance(time.Second)
	require.NoError(t, r.Start(ctx, pc, StagePatchMgr, "rolling", []string{"dom0-b"}))
	clk.Advance(time.Minute)

	closed, err := r.End(ctx, pc.RequestUUID, StagePatchMgr, "rolling", []string{"dom0-a"})
	require.NoError(t, err)
	assert.True(t, closed)

	stats, err := r.List(ctx, pc.RequestUUID)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.False(t, stats[0].Open())
	assert.Equal(t, 61, stats[0].DurationSeconds)
	assert.True(t, stats[1].Open())
}

func TestRecorder_TransitionAndCloseOpen(t *testing.T) {
	r, clk := newRecorder(t)
	ctx := context.Background()
	pc := planContext()

	require.NoError(t, r.Start(ctx, pc, StagePrePatch, "", nil))
	clk.Advance(10 * time.Second)
	r.Transition(ctx, pc, StagePrePatch, "", StagePatchMgr, "", []string{"dom0-a"})
	clk.Advance(20 * time.Second)
	r.Transition(ctx, pc, StagePatchMgr, "", StagePostPatch, "", []string{"dom0-a"})
	clk.Advance(5 * time.Second)

	n, err := r.CloseOpen(ctx, pc.RequestUUID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := r.List(ctx, pc.RequestUUID)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	want := []struct {
		stage    string
		duration int
	}{
		{StagePrePatch, 10},
		{StagePatchMgr, 20},
		{StagePostPatch, 5},
	}
	for i, w := range want {
		assert.Equal(t, w.stage, stats[i].Stage)
		assert.Equal(t, w.duration, stats[i].DurationSeconds)
		assert.False(t, stats[i].Open())
	}

	n, err = r.CloseOpen(ctx, pc.RequestUUID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorder_Disabled(t *testing.T) {
	r, _ := newRecorder(t)
	ctx := context.Background()
	pc := planContext()

	r.SetEnabled(false)
	assert.False(t, r.Enabled())
	require.NoError(t, r.Start(ctx, pc, StagePrePatch, "", nil))
	closed, err := r.End(ctx, pc.RequestUUID, StagePrePatch, "", nil)
	require.NoError(t, err)
	assert.False(t, closed)

	stats, err := r.List(ctx, pc.RequestUUID)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestRecorder_InvalidStage(t *testing.T) {
	r, _ := newRecorder(t)
	err := r.Start(context.Background(), planContext(), "", "", nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}
