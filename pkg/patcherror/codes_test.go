package patcherror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name      string
		code      Code
		wantCode  Code
		wantKnown bool
		wantMsg   string
	}{
		{"busy", SystemBusyLockNotAcquired, SystemBusyLockNotAcquired, true, "System is busy. Please retry the operation after some time."},
		{"parallel", ParallelPatchingIBNonIB, ParallelPatchingIBNonIB, true, "In a shared IBFabric environment, combination of an IBSwitch/Non-IBSwitch target patch cannot be run in parallel"},
		{"no domu on patch", Dom0PatchNoDomU, Dom0PatchNoDomU, true, "DomUs are not running on dom0 while dom0 patch requested"},
		{"no domu on rollback", Dom0RollbackNoDomU, Dom0RollbackNoDomU, true, "DomUs are not running on dom0 while dom0 rollback requested"},
		{"unknown", Code("0x0301FFFF"), OperationFailed, false, "Patch operation Status failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, known := Lookup(tt.code)
			assert.Equal(t, tt.wantKnown, known)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantMsg, e.Message)
		})
	}
}

func TestCatalogDefaultAction(t *testing.T) {
	for code, e := range catalog {
		if code == Success {
			continue
		}
		assert.NotEmpty(t, e.Action, "code %s has no action", code)
	}
	e, _ := Lookup(OperationFailed)
	assert.Equal(t, ActionFailDontShowPageOncall, e.Action)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, Success},
		{"coded", New(NoEligibleLaunchNode, "no node reachable"), NoEligibleLaunchNode},
		{"wrapped coded", fmt.Errorf("run: %w", Wrap(NodePingCheckFailed, errors.New("timeout"), "")), NodePingCheckFailed},
		{"deadline", fmt.Errorf("tool: %w", context.DeadlineExceeded), CommandTimeout},
		{"plain", errors.New("boom"), OperationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(NodeConnectFailed, cause, "check sshd on node1")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), string(NodeConnectFailed))
	assert.Contains(t, err.Error(), "check sshd on node1")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "check sshd on node1", SuggestionOf(fmt.Errorf("x: %w", err)))
	assert.Equal(t, "boom", SuggestionOf(errors.New("boom")))
	assert.Equal(t, "", SuggestionOf(nil))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
		cut   bool
	}{
		{"short", "fine", 4, false},
		{"exact", strings.Repeat("a", MaxDetailLength), MaxDetailLength, false},
		{"long", strings.Repeat("a", MaxDetailLength+10), MaxDetailLength, true},
		{"multibyte", strings.Repeat("é", MaxDetailLength+1), MaxDetailLength, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.input)
			assert.Equal(t, tt.want, len([]rune(got)))
			assert.Equal(t, tt.cut, strings.HasSuffix(got, "..."))
		})
	}
}
