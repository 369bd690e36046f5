package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rackpatch/pkg/types"
)

func TestTimeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := func(stage, subStage, nodes string, at time.Time) {
		require.NoError(t, s.InsertTimeStat(ctx, &types.TimeStat{
			MasterUUID: "m",
			ChildUUID:  "c",
			TargetType: "dom0",
			NodeNames:  nodes,
			Stage:      stage,
			SubStage:   subStage,
			StartTime:  at,
		}))
	}

	open("PRE_PATCH", "launch", "n1", testEpoch)
	open("PRE_PATCH", "launch", "n2", testEpoch.Add(10*time.Second))
	open("PATCH_MGR", "", "n1", testEpoch.Add(20*time.Second))

	closed, err := s.CloseLatestTimeStat(ctx, "c", "PRE_PATCH", "launch", "", testEpoch.Add(40*time.Second))
	require.NoError(t, err)
	assert.True(t, closed)

	stats, err := s.ListTimeStats(ctx, "c")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.True(t, stats[0].Open(), "older row stays open")
	assert.False(t, stats[1].Open(), "most recent matching row is closed")
	assert.Equal(t, 30, stats[1].DurationSeconds)

	closed, err = s.CloseLatestTimeStat(ctx, "c", "PRE_PATCH", "launch", "n1", testEpoch.Add(45*time.Second))
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseLatestTimeStat(ctx, "c", "PRE_PATCH", "launch", "", testEpoch.Add(50*time.Second))
	require.NoError(t, err)
	assert.False(t, closed, "nothing left open for the stage")

	n, err := s.CloseOpenTimeStats(ctx, "c", testEpoch.Add(80*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = s.ListTimeStats(ctx, "c")
	require.NoError(t, err)
	for _, st := range stats {
		assert.False(t, st.Open())
	}
	assert.Equal(t, 60, stats[2].DurationSeconds)

	assert.ErrorIs(t, s.InsertTimeStat(ctx, &types.TimeStat{}), ErrInvalidArgument)
}

func TestListOpenTimeStatChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"running", "failed"} {
		_, err := s.InsertRequest(ctx, &types.Request{UUID: id})
		require.NoError(t, err)
		require.NoError(t, s.UpdateRequestStatus(ctx, id, types.RequestStatusRunning))
		require.NoError(t, s.InsertTimeStat(ctx, &types.TimeStat{ChildUUID: id, Stage: "PRE_PATCH"}))
	}
	require.NoError(t, s.UpdateRequestStatus(ctx, "failed", types.RequestStatusFailed))
	require.NoError(t, s.InsertTimeStat(ctx, &types.TimeStat{ChildUUID: "archived", Stage: "PRE_PATCH"}))

	children, err := s.ListOpenTimeStatChildren(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"archived", "failed"}, children)
}

func TestPatchList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.InsertPatchListChild(ctx, "m", "c1", "Pending")
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	res, err = s.InsertPatchListChild(ctx, "m", "c1", "Pending")
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res)

	require.NoError(t, s.UpsertPatchListReport(ctx, &types.PatchListEntry{ChildUUID: "c1", JSONReport: `{"a":1}`}))
	require.NoError(t, s.UpsertPatchListReport(ctx, &types.PatchListEntry{MasterUUID: "m", ChildUUID: "c2", ReqStatus: "Failed", JSONReport: `{"b":2}`}))
	require.NoError(t, s.UpdatePatchListStatus(ctx, "c1", "Done"))

	e, err := s.GetPatchListEntry(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, e.JSONReport)
	assert.Equal(t, "Done", e.ReqStatus)

	children, err := s.ListChildRequests(ctx, "m")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "c2", children[1].ChildUUID)
	assert.Equal(t, `{"b":2}`, children[1].JSONReport)

	assert.ErrorIs(t, s.UpdatePatchListStatus(ctx, "nope", "Done"), ErrNotFound)
	_, err = s.GetPatchListEntry(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
