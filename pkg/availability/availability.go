package availability

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/types"
)

// DefaultListCommand prints the names of the guests running on a host,
// one per line
const DefaultListCommand = "virsh list --name --state-running"

// Guest is one virtual machine of a cluster
type Guest struct {
	Name            string `json:"name"`
	Host            string `json:"host"`
	VCPUs           int    `json:"vcpus"`
	StoppedByTenant bool   `json:"stopped_by_tenant,omitempty"`
}

// DomainMap maps cluster names to their guests
type DomainMap map[string][]Guest

// HostExecutor runs commands on fleet hosts
type HostExecutor interface {
	RunCommand(ctx context.Context, host, cmd string) (exitCode int, stdout, stderr string, err error)
}

// Checker verifies that every multi-guest cluster keeps at least two guests
// running before hosts are taken down
type Checker struct {
	exec    HostExecutor
	enabled bool
	logger  zerolog.Logger

	// ListCommand defaults to DefaultListCommand
	ListCommand string
}

// New creates a checker. A disabled checker always succeeds.
func New(exec HostExecutor, enabled bool) *Checker {
	return &Checker{
		exec:        exec,
		enabled:     enabled,
		logger:      log.WithComponent("availability"),
		ListCommand: DefaultListCommand,
	}
}

// Check returns Success when every cluster keeps high availability. During
// precheck tasks violations are logged and Success is returned with the
// detail; otherwise the patch or rollback code is returned.
func (c *Checker) Check(ctx context.Context, pc *types.PlanContext, domains DomainMap) (patcherror.Code, string) {
	logger := c.logger.With().Str("request_id", pc.RequestUUID).Logger()
	if !c.enabled {
		logger.Debug().Msg("High availability check disabled")
		return patcherror.Success, ""
	}

	eligible := make(map[string][]Guest)
	hosts := make(map[string]bool)
	for cluster, guests := range domains {
		var live []Guest
		for _, g := range guests {
			if g.VCPUs > 0 && !g.StoppedByTenant {
				live = append(live, g)
			}
		}
		if len(live) == 1 {
			logger.Info().Str("cluster", cluster).Msg("Single guest cluster, skipping high availability check")
			continue
		}
		if len(live) == 0 {
			continue
		}
		eligible[cluster] = live
		for _, g := range live {
			hosts[g.Host] = true
		}
	}
	if len(eligible) == 0 {
		return patcherror.Success, ""
	}

	running := c.runningGuests(ctx, sortedKeys(hosts), logger)

	violations := make(map[string][]string)
	for cluster, guests := range eligible {
		up := 0
		var down []string
		for _, g := range guests {
			if running[g.Name] {
				up++
			} else {
				down = append(down, g.Name)
			}
		}
		if up == 0 {
			logger.Info().Str("cluster", cluster).Msg("No guest running, cluster stopped by tenant")
			continue
		}
		if up < 2 {
			sort.Strings(down)
			violations[cluster] = down
		}
	}
	if len(violations) == 0 {
		return patcherror.Success, ""
	}

	detail := fmt.Sprintf("DomUs are not available on dom0s. Corresponding Cluster with VMs details that are currently down are as follows : %s. At least 2 Guest VMs are expected to be up and running for high availability.",
		formatViolations(violations))

	if pc.Task.Precheck() {
		logger.Warn().Msg(detail)
		return patcherror.Success, detail
	}

	code := patcherror.Dom0PatchNoDomU
	if pc.Task == types.TaskRollback {
		code = patcherror.Dom0RollbackNoDomU
	}
	logger.Error().Str("code", string(code)).Msg(detail)
	return code, detail
}

// runningGuests queries every host and returns the set of running guest
// names. Hosts that cannot be queried contribute no guests.
func (c *Checker) runningGuests(ctx context.Context, hosts []string, logger zerolog.Logger) map[string]bool {
	running := make(map[string]bool)
	for _, host := range hosts {
		exit, stdout, stderr, err := c.exec.RunCommand(ctx, host, c.ListCommand)
		if err != nil || exit != 0 {
			logger.Warn().
				Err(err).
				Str("host", host).
				Int("exit_code", exit).
				Str("stderr", strings.TrimSpace(stderr)).
				Msg("Failed to list running guests")
			continue
		}
		for _, line := range strings.Split(stdout, "\n") {
			if name := strings.TrimSpace(line); name != "" {
				running[name] = true
			}
		}
	}
	return running
}

func formatViolations(v map[string][]string) string {
	parts := make([]string, 0, len(v))
	for _, cluster := range sortedKeys(v) {
		parts = append(parts, fmt.Sprintf("%s: [%s]", cluster, strings.Join(v[cluster], ", ")))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
