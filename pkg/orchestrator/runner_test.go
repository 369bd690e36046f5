package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rackpatch/pkg/availability"
	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/fabric"
	"github.com/cuemby/rackpatch/pkg/health"
	"github.com/cuemby/rackpatch/pkg/metadata"
	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/planner"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/timestats"
	"github.com/cuemby/rackpatch/pkg/types"
)

const toolCheck = "test -x /opt/patchmgr/patchmgr"

// fakeHosts answers guest listings and the tool check
type fakeHosts struct {
	mu        sync.Mutex
	running   map[string]string
	checkExit int
	commands  []string
}

func (h *fakeHosts) RunCommand(_ context.Context, host, cmd string) (int, string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, host+": "+cmd)
	if cmd == toolCheck {
		return h.checkExit, "", "missing", nil
	}
	return 0, h.running[host], "", nil
}

// fakeTool records invocations. failStep fails with exit 1; blockStep
// waits for cancellation.
type fakeTool struct {
	mu        sync.Mutex
	calls     []Invocation
	failStep  string
	blockStep string
}

func (t *fakeTool) Run(ctx context.Context, inv Invocation) (ToolResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, inv)
	t.mu.Unlock()

	switch inv.Step {
	case t.failStep:
		return ToolResult{
			ExitCode: 1,
			Errors:   []metadata.PatchMgrError{{"error_code": "PATCHMGR-1", "node": inv.Nodes[0]}},
		}, nil
	case t.blockStep:
		<-ctx.Done()
		return ToolResult{ExitCode: -1}, ctx.Err()
	}
	return ToolResult{}, nil
}

func (t *fakeTool) steps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	for i, c := range t.calls {
		out[i] = c.Step
	}
	return out
}

func (t *fakeTool) call(step string) (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		if c.Step == step {
			return c, true
		}
	}
	return Invocation{}, false
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(t events.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type harness struct {
	store   *storage.SQLStore
	fabrics *fabric.Manager
	meta    *metadata.BoltStore
	hosts   *fakeHosts
	tool    *fakeTool
	events  *recorder
	runner  *Runner
	healthy map[string]bool
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{
		Driver:        storage.DriverSQLite,
		DSN:           filepath.Join(t.TempDir(), "rackpatch.db"),
		RetryInterval: 10 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(ctx))

	meta, err := metadata.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	h := &harness{
		store:   store,
		fabrics: fabric.NewManager(store, nil),
		meta:    meta,
		hosts: &fakeHosts{running: map[string]string{
			"dom0-a": "vm1\n",
			"dom0-b": "vm2\n",
		}},
		tool:    &fakeTool{},
		events:  &recorder{},
		healthy: map[string]bool{"dom0-a": true, "dom0-b": true},
	}

	cfg := Config{
		Defaults:         planner.Defaults{OpStyle: types.OpStyleAuto},
		HACheckEnabled:   true,
		ToolCheckCommand: toolCheck,
		StepTimeout:      time.Minute,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	stats := timestats.New(store, nil)
	stats.SetEnabled(true)

	h.runner = New(cfg, Deps{
		Store:     store,
		Fabrics:   h.fabrics,
		Reporter:  patcherror.NewReporter(store, meta),
		TimeStats: stats,
		Metadata:  meta,
		Prober: health.ProberFunc(func(_ context.Context, host, _ string) health.Result {
			return health.Result{Healthy: h.healthy[host]}
		}),
		Hosts:      h.hosts,
		Tool:       h.tool,
		Topology:   NewParamsTopology(store, nil),
		Events:     h.events,
		Operations: store,
	})
	return h
}

func dom0Params(task types.Task) RequestParams {
	return RequestParams{
		MasterUUID:  "master-1",
		ClusterName: "c1",
		RackName:    "rack-1",
		TargetTypes: []types.TargetType{types.TargetDom0},
		Operation:   task,
		Nodes: map[types.TargetType][]string{
			types.TargetDom0: {"dom0-a", "dom0-b"},
		},
		Domains: availability.DomainMap{
			"c1": {
				{Name: "vm1", Host: "dom0-a", VCPUs: 4},
				{Name: "vm2", Host: "dom0-b", VCPUs: 4},
			},
		},
	}
}

func (h *harness) submit(t *testing.T, uuid string, p RequestParams) *types.Request {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	req := &types.Request{UUID: uuid, CmdType: "patch", Params: string(raw), ClusterName: p.ClusterName}
	_, err = h.store.InsertRequest(context.Background(), req)
	require.NoError(t, err)
	got, err := h.store.GetRequest(context.Background(), uuid)
	require.NoError(t, err)
	return got
}

func (h *harness) request(t *testing.T, uuid string) *types.Request {
	t.Helper()
	req, err := h.store.GetRequest(context.Background(), uuid)
	require.NoError(t, err)
	return req
}

func TestRun_RollingPatchCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))

	require.NoError(t, h.runner.Handle(ctx, req, nil))

	got := h.request(t, "req-1")
	assert.Equal(t, types.RequestStatusDone, got.Status)
	assert.Equal(t, "Done:100:patch_done", got.StatusInfo)

	assert.Equal(t, []string{
		"prepare_environment_dom0",
		"filter_nodes",
		"filter_nodes_dom0",
		"gather_data_dom0_[1]",
		"patch_init_dom0_[1]",
		"clean_environment_dom0_[1]",
		"run_postchecks_dom0_[1]",
		"gather_data_dom0_[2]",
		"patch_dom0s_[2]",
		"clean_environment_dom0_[2]",
		"run_postchecks_dom0_[2]",
	}, h.tool.steps())

	first, ok := h.tool.call("patch_init_dom0_[1]")
	require.True(t, ok)
	assert.Equal(t, []string{"dom0-a"}, first.Nodes)
	assert.Equal(t, types.OpStyleRolling, first.Style)
	assert.Equal(t, types.TargetDom0, first.Target)
	second, ok := h.tool.call("patch_dom0s_[2]")
	require.True(t, ok)
	assert.Equal(t, []string{"dom0-b"}, second.Nodes)

	progress, err := h.meta.NodeProgress("req-1")
	require.NoError(t, err)
	assert.Equal(t, metadata.NodeStatusCompleted, progress["dom0-a"].Status)
	assert.Equal(t, metadata.NodeStatusCompleted, progress["dom0-b"].Status)

	stats, err := h.store.ListTimeStats(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	for _, s := range stats {
		assert.False(t, s.Open(), "stage %s left open", s.Stage)
	}

	ops, err := h.store.ListClusterOperations(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, ops)

	assert.True(t, h.events.has(events.EventRequestRunning))
	assert.True(t, h.events.has(events.EventRequestDone))
}

func TestRun_NonRollingSkipsEmptyGroup(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HACheckEnabled = false })
	p := dom0Params(types.TaskPatch)
	p.OpStyle = types.OpStyleNonRolling
	p.Nodes[types.TargetDom0] = []string{"dom0-a"}
	req := h.submit(t, "req-1", p)

	require.NoError(t, h.runner.Handle(context.Background(), req, nil))
	assert.Equal(t, types.RequestStatusDone, h.request(t, "req-1").Status)

	init, ok := h.tool.call("patch_init_dom0_[1]")
	require.True(t, ok)
	assert.Equal(t, []string{"dom0-a"}, init.Nodes)
	assert.Equal(t, types.OpStyleNonRolling, init.Style)

	h.tool.mu.Lock()
	defer h.tool.mu.Unlock()
	for _, c := range h.tool.calls {
		assert.False(t, strings.HasSuffix(c.Step, "_[2]"), "step %s invoked", c.Step)
		if _, grouped := stepGroup(c.Step); grouped {
			assert.NotEmpty(t, c.Nodes, "step %s invoked without nodes", c.Step)
		}
	}
}

func TestRun_ToolFailureRecordsError(t *testing.T) {
	h := newHarness(t)
	h.tool.failStep = "patch_init_dom0_[1]"
	ctx := context.Background()
	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))

	err := h.runner.Handle(ctx, req, nil)
	require.Error(t, err)
	assert.Equal(t, patcherror.PatchMgrCommandFailed, patcherror.CodeOf(err))

	got := h.request(t, "req-1")
	assert.Equal(t, types.RequestStatusFailed, got.Status)
	assert.Equal(t, string(patcherror.PatchMgrCommandFailed), got.Error)
	assert.True(t, strings.HasPrefix(got.StatusInfo, "Failed:"), got.StatusInfo)
	assert.Contains(t, got.StatusInfo, "patch_init_dom0_[1]")

	var report patcherror.Report
	require.NoError(t, json.Unmarshal([]byte(got.Data), &report))
	assert.Equal(t, string(patcherror.PatchMgrCommandFailed), report.Data.ErrorCode)
	require.NotNil(t, report.Data.PatchMgrError)
	require.Len(t, report.Data.PatchMgrError.Details, 1)
	assert.Equal(t, "PATCHMGR-1", report.Data.PatchMgrError.Details[0]["error_code"])
	assert.Equal(t, metadata.NodeStatusFailed, report.Data.NodeProgressingStatus["dom0-a"].Status)

	assert.NotContains(t, h.tool.steps(), "patch_dom0s_[2]")
	assert.True(t, h.events.has(events.EventRequestFailed))
}

func TestRun_ReportOmitsEarlierToolErrors(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness)
		wantDetails []string
	}{
		{
			name:        "step failure",
			setup:       func(h *harness) { h.tool.failStep = "patch_init_dom0_[1]" },
			wantDetails: []string{"PATCHMGR-1"},
		},
		{
			name:  "tool check failure",
			setup: func(h *harness) { h.hosts.checkExit = 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for _, n := range []string{"dom0-a", "dom0-b"} {
				require.NoError(t, h.meta.SavePatchMgrErrors(n, []metadata.PatchMgrError{
					{"error_code": "STALE-" + n, "node": n},
				}))
			}
			tt.setup(h)
			req := h.submit(t, "req-1", dom0Params(types.TaskPatch))

			require.Error(t, h.runner.Handle(context.Background(), req, nil))

			got := h.request(t, "req-1")
			assert.Equal(t, types.RequestStatusFailed, got.Status)
			var report patcherror.Report
			require.NoError(t, json.Unmarshal([]byte(got.Data), &report))

			if tt.wantDetails == nil {
				assert.Nil(t, report.Data.PatchMgrError)
				return
			}
			require.NotNil(t, report.Data.PatchMgrError)
			var codes []string
			for _, d := range report.Data.PatchMgrError.Details {
				codes = append(codes, fmt.Sprint(d["error_code"]))
			}
			assert.Equal(t, tt.wantDetails, codes)
		})
	}
}

func TestRun_NoReachableLaunchNode(t *testing.T) {
	h := newHarness(t)
	h.healthy = map[string]bool{}
	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))

	err := h.runner.Handle(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, patcherror.NoEligibleLaunchNode, patcherror.CodeOf(err))
	assert.Empty(t, h.tool.steps())

	got := h.request(t, "req-1")
	assert.Equal(t, types.RequestStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.StatusInfo, "Failed:"), got.StatusInfo)
}

func TestRun_ExternalLaunchNodeUnreachable(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LaunchNode.LaunchNodes = "ext-1" })
	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))

	err := h.runner.Handle(context.Background(), req, nil)
	assert.Equal(t, patcherror.ExternalLaunchNodeUnreachable, patcherror.CodeOf(err))
}

func TestRun_FabricLock(t *testing.T) {
	tests := []struct {
		name     string
		holder   types.LockedFor
		wantCode patcherror.Code
	}{
		{name: "free fabric", holder: types.LockedForNone, wantCode: patcherror.Success},
		{name: "shared with host run", holder: types.LockedForNonIBSwitch, wantCode: patcherror.Success},
		{name: "held by switch run", holder: types.LockedForIBSwitch, wantCode: patcherror.ParallelPatchingIBNonIB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			entry, _, err := h.fabrics.Register(ctx, []string{"sw-1", "sw-2"})
			require.NoError(t, err)
			_, err = h.fabrics.AttachCluster(ctx, entry.ID, "c1")
			require.NoError(t, err)
			_, err = h.fabrics.AttachCluster(ctx, entry.ID, "c2")
			require.NoError(t, err)
			if tt.holder != types.LockedForNone {
				ok, err := h.fabrics.Lock(ctx, entry.ID, "c2", tt.holder)
				require.NoError(t, err)
				require.True(t, ok)
			}

			req := h.submit(t, "req-1", dom0Params(types.TaskPatch))
			err = h.runner.Handle(ctx, req, nil)
			assert.Equal(t, tt.wantCode, patcherror.CodeOf(err))

			got, err := h.fabrics.Get(ctx, entry.ID)
			require.NoError(t, err)
			assert.False(t, got.Busy("c1"), "fabric still held by c1")
			assert.Equal(t, tt.holder, got.LockedFor)
		})
	}
}

func TestRun_AvailabilityCheck(t *testing.T) {
	tests := []struct {
		name     string
		task     types.Task
		wantCode patcherror.Code
	}{
		{name: "patch", task: types.TaskPatch, wantCode: patcherror.Dom0PatchNoDomU},
		{name: "rollback", task: types.TaskRollback, wantCode: patcherror.Dom0RollbackNoDomU},
		{name: "precheck only warns", task: types.TaskPrereqCheck, wantCode: patcherror.Success},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.hosts.running["dom0-b"] = ""
			req := h.submit(t, "req-1", dom0Params(tt.task))

			err := h.runner.Handle(context.Background(), req, nil)
			assert.Equal(t, tt.wantCode, patcherror.CodeOf(err))
			if tt.wantCode != patcherror.Success {
				assert.Empty(t, h.tool.steps())
				assert.Contains(t, err.Error(), "c1: [vm2]")
			}
		})
	}
}

func TestRun_ToolCheckFails(t *testing.T) {
	h := newHarness(t)
	h.hosts.checkExit = 127
	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))

	err := h.runner.Handle(context.Background(), req, nil)
	assert.Equal(t, patcherror.PatchMgrScriptMissing, patcherror.CodeOf(err))
	assert.NotContains(t, h.tool.steps(), "patch_init_dom0_[1]")
}

func TestRun_CancelReleasesFabric(t *testing.T) {
	h := newHarness(t)
	h.tool.blockStep = "gather_data_dom0_[1]"
	ctx, cancel := context.WithCancel(context.Background())

	entry, _, err := h.fabrics.Register(ctx, []string{"sw-1"})
	require.NoError(t, err)
	_, err = h.fabrics.AttachCluster(ctx, entry.ID, "c1")
	require.NoError(t, err)

	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))
	done := make(chan error, 1)
	go func() { done <- h.runner.Handle(ctx, req, nil) }()

	require.Eventually(t, func() bool {
		_, ok := h.tool.call("gather_data_dom0_[1]")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	got, err := h.fabrics.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockedForNone, got.LockedFor)
	assert.Equal(t, 0, got.LockCount)

	assert.Equal(t, types.RequestStatusFailed, h.request(t, "req-1").Status)

	open, err := h.store.ListOpenTimeStatChildren(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHandle_InvalidParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.InsertRequest(ctx, &types.Request{UUID: "req-1", Params: "{not json", ClusterName: "c1"})
	require.NoError(t, err)

	err = h.runner.Handle(ctx, h.request(t, "req-1"), nil)
	assert.Equal(t, patcherror.IncorrectInputJSON, patcherror.CodeOf(err))

	got := h.request(t, "req-1")
	assert.Equal(t, types.RequestStatusFailed, got.Status)
	assert.Equal(t, string(patcherror.IncorrectInputJSON), got.Error)
}

func TestRun_RequestStartedElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.submit(t, "req-1", dom0Params(types.TaskPatch))
	require.NoError(t, h.store.UpdateRequestStatus(ctx, "req-1", types.RequestStatusRunning))
	require.NoError(t, h.store.UpdateRequestStatusInfo(ctx, "req-1", "Running:30:patch_init_dom0_[1]"))

	require.NoError(t, h.runner.Handle(ctx, req, nil))

	assert.Empty(t, h.tool.steps())
	got := h.request(t, "req-1")
	assert.Equal(t, types.RequestStatusRunning, got.Status)
	assert.Equal(t, "Running:30:patch_init_dom0_[1]", got.StatusInfo)
	assert.False(t, h.events.has(events.EventRequestRunning))
}

func TestRun_FinishedRequestUntouched(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{"valid params", ""},
		{"invalid params", "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			req := h.submit(t, "req-1", dom0Params(types.TaskPatch))
			require.NoError(t, h.runner.Handle(ctx, req, nil))
			done := h.request(t, "req-1")
			require.Equal(t, types.RequestStatusDone, done.Status)
			ran := len(h.tool.steps())

			again := *done
			if tt.params != "" {
				again.Params = tt.params
			}
			h.runner.Handle(ctx, &again, nil)

			got := h.request(t, "req-1")
			assert.Equal(t, types.RequestStatusDone, got.Status)
			assert.Equal(t, "Done:100:patch_done", got.StatusInfo)
			assert.Empty(t, got.Error)
			assert.Len(t, h.tool.steps(), ran)
		})
	}
}

func TestRun_MissingRequest(t *testing.T) {
	h := newHarness(t)
	p := dom0Params(types.TaskPatch)
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	err = h.runner.Handle(context.Background(), &types.Request{UUID: "req-gone", Params: string(raw)}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, h.tool.steps())
}
