package orchestrator

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/rackpatch/pkg/availability"
	"github.com/cuemby/rackpatch/pkg/planner"
	"github.com/cuemby/rackpatch/pkg/types"
)

// stepTokens maps step name tokens to the target they belong to
var stepTokens = map[string]types.TargetType{
	"cell":       types.TargetCell,
	"cells":      types.TargetCell,
	"dom0":       types.TargetDom0,
	"dom0s":      types.TargetDom0,
	"domu":       types.TargetDomU,
	"domus":      types.TargetDomU,
	"ibswitch":   types.TargetIBSwitch,
	"roceswitch": types.TargetRoCESwitch,
	"switch":     types.TargetSwitch,
}

// stepTarget returns the target a step names, if any. Steps shared by all
// targets, such as filter_nodes or patch_switches, keep the current one.
func stepTarget(step string) (types.TargetType, bool) {
	for _, tok := range strings.Split(step, "_") {
		if t, ok := stepTokens[tok]; ok {
			return t, true
		}
	}
	return "", false
}

// stepGroup parses the _[i] node group suffix of a step
func stepGroup(step string) (int, bool) {
	if !strings.HasSuffix(step, "]") {
		return 0, false
	}
	open := strings.LastIndex(step, "_[")
	if open < 0 {
		return 0, false
	}
	i, err := strconv.Atoi(step[open+2 : len(step)-1])
	if err != nil || i < 1 {
		return 0, false
	}
	return i, true
}

// stepNodes returns the nodes a step acts on. Rolling groups hold one node
// each; non-rolling runs split the target in two halves. An empty group
// yields nil.
func stepNodes(pc *types.PlanContext, target types.TargetType, step string) []string {
	nodes := pc.Nodes[target]
	i, ok := stepGroup(step)
	if !ok {
		return nodes
	}

	if pc.StyleFor(target) == types.OpStyleNonRolling {
		half := (len(nodes) + 1) / 2
		group := nodes[half:]
		if i == 1 {
			group = nodes[:half]
		}
		if len(group) == 0 {
			return nil
		}
		return group
	}
	if i > len(nodes) {
		return nil
	}
	return nodes[i-1 : i]
}

// driverFor picks the launch node that runs the tool for nodes. A launch
// node never drives the patching of itself when another one is available.
func driverFor(launchNodes, nodes []string) string {
	if len(launchNodes) == 0 {
		return ""
	}
	if len(launchNodes) > 1 {
		for _, n := range nodes {
			if n == launchNodes[0] {
				return launchNodes[1]
			}
		}
	}
	return launchNodes[0]
}

// isPatchStep reports whether step changes node software
func isPatchStep(step string) bool {
	return strings.HasPrefix(step, "patch_") && step != planner.StepPatchDone
}

// allNodes returns every node of the run, sorted and without duplicates
func allNodes(pc *types.PlanContext) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, nodes := range pc.Nodes {
		for _, n := range nodes {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// guestsUp reports whether any guest is expected to be running
func guestsUp(domains availability.DomainMap) bool {
	for _, guests := range domains {
		for _, g := range guests {
			if !g.StoppedByTenant {
				return true
			}
		}
	}
	return false
}

// firstTarget is the target a run starts on; all_nodes starts on the hosts
func firstTarget(targets []types.TargetType) types.TargetType {
	if len(targets) == 0 {
		return ""
	}
	if targets[0] == types.TargetAll {
		return types.TargetDom0
	}
	return targets[0]
}
