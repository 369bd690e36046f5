package availability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/types"
)

// fakeHosts answers the list command from a fixed guest table
type fakeHosts struct {
	running map[string][]string
	broken  map[string]bool
	calls   []string
}

func (f *fakeHosts) RunCommand(_ context.Context, host, _ string) (int, string, string, error) {
	f.calls = append(f.calls, host)
	if f.broken[host] {
		return -1, "", "", errors.New("connection refused")
	}
	return 0, strings.Join(f.running[host], "\n") + "\n", "", nil
}

func guests(host string, names ...string) []Guest {
	out := make([]Guest, len(names))
	for i, n := range names {
		out[i] = Guest{Name: n, Host: host, VCPUs: 4}
	}
	return out
}

func TestCheck(t *testing.T) {
	twoHostCluster := DomainMap{
		"c1": append(guests("dom0-a", "c1-vm1"), guests("dom0-b", "c1-vm2")...),
	}

	tests := []struct {
		name       string
		task       types.Task
		domains    DomainMap
		running    map[string][]string
		broken     map[string]bool
		wantCode   patcherror.Code
		wantDetail string
	}{
		{
			name:     "all up",
			task:     types.TaskPatch,
			domains:  twoHostCluster,
			running:  map[string][]string{"dom0-a": {"c1-vm1"}, "dom0-b": {"c1-vm2"}},
			wantCode: patcherror.Success,
		},
		{
			name:       "one down during patch",
			task:       types.TaskPatch,
			domains:    twoHostCluster,
			running:    map[string][]string{"dom0-a": {"c1-vm1"}},
			wantCode:   patcherror.Dom0PatchNoDomU,
			wantDetail: "c1: [c1-vm2]",
		},
		{
			name:       "one down during rollback",
			task:       types.TaskRollback,
			domains:    twoHostCluster,
			running:    map[string][]string{"dom0-b": {"c1-vm2"}},
			wantCode:   patcherror.Dom0RollbackNoDomU,
			wantDetail: "c1: [c1-vm1]",
		},
		{
			name:       "one down during precheck warns",
			task:       types.TaskPrereqCheck,
			domains:    twoHostCluster,
			running:    map[string][]string{"dom0-a": {"c1-vm1"}},
			wantCode:   patcherror.Success,
			wantDetail: "c1: [c1-vm2]",
		},
		{
			name:     "all down is a tenant stop",
			task:     types.TaskPatch,
			domains:  twoHostCluster,
			running:  map[string][]string{},
			wantCode: patcherror.Success,
		},
		{
			name:     "single guest cluster exempt",
			task:     types.TaskPatch,
			domains:  DomainMap{"solo": guests("dom0-a", "solo-vm1")},
			running:  map[string][]string{},
			wantCode: patcherror.Success,
		},
		{
			name: "zero cpu and tenant stopped guests do not count",
			task: types.TaskPatch,
			domains: DomainMap{"c2": {
				{Name: "c2-vm1", Host: "dom0-a", VCPUs: 4},
				{Name: "c2-vm2", Host: "dom0-b", VCPUs: 0},
				{Name: "c2-vm3", Host: "dom0-c", VCPUs: 4, StoppedByTenant: true},
			}},
			running:  map[string][]string{},
			wantCode: patcherror.Success,
		},
		{
			name: "unreachable host counts its guests as down",
			task: types.TaskPatch,
			domains: DomainMap{
				"c3": append(guests("dom0-a", "c3-vm1"), guests("dom0-b", "c3-vm2", "c3-vm3")...),
			},
			running:    map[string][]string{"dom0-a": {"c3-vm1"}, "dom0-b": {"c3-vm2", "c3-vm3"}},
			broken:     map[string]bool{"dom0-b": true},
			wantCode:   patcherror.Dom0PatchNoDomU,
			wantDetail: "c3: [c3-vm2, c3-vm3]",
		},
		{
			name: "three guests with two up is fine",
			task: types.TaskPatch,
			domains: DomainMap{
				"c4": append(guests("dom0-a", "c4-vm1", "c4-vm2"), guests("dom0-b", "c4-vm3")...),
			},
			running:  map[string][]string{"dom0-a": {"c4-vm1", "c4-vm2", "other"}},
			wantCode: patcherror.Success,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts := &fakeHosts{running: tt.running, broken: tt.broken}
			pc := &types.PlanContext{RequestUUID: "req-1", Task: tt.task, CurrentTarget: types.TargetDom0}

			code, detail := New(hosts, true).Check(context.Background(), pc, tt.domains)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantDetail == "" {
				assert.Empty(t, detail)
				return
			}
			assert.Contains(t, detail, tt.wantDetail)
			assert.Contains(t, detail, "At least 2 Guest VMs are expected")
		})
	}
}

func TestCheck_Disabled(t *testing.T) {
	hosts := &fakeHosts{}
	pc := &types.PlanContext{Task: types.TaskPatch}
	domains := DomainMap{"c1": append(guests("dom0-a", "vm1"), guests("dom0-b", "vm2")...)}

	code, detail := New(hosts, false).Check(context.Background(), pc, domains)
	assert.Equal(t, patcherror.Success, code)
	assert.Empty(t, detail)
	assert.Empty(t, hosts.calls)
}

func TestCheck_QueriesEachHostOnce(t *testing.T) {
	hosts := &fakeHosts{running: map[string][]string{"dom0-a": {"a1", "b1"}, "dom0-b": {"a2", "b2"}}}
	domains := DomainMap{
		"a": append(guests("dom0-a", "a1"), guests("dom0-b", "a2")...),
		"b": append(guests("dom0-a", "b1"), guests("dom0-b", "b2")...),
	}

	code, _ := New(hosts, true).Check(context.Background(), &types.PlanContext{Task: types.TaskPatch}, domains)
	assert.Equal(t, patcherror.Success, code)
	assert.Equal(t, []string{"dom0-a", "dom0-b"}, hosts.calls)
}

func TestFormatViolations(t *testing.T) {
	got := formatViolations(map[string][]string{"b": {"b1"}, "a": {"a1", "a2"}})
	assert.Equal(t, "{a: [a1, a2], b: [b1]}", got)
}
