package planner

import (
	"fmt"

	"github.com/cuemby/rackpatch/pkg/types"
)

// Step names reported in the request status
const (
	StepSelectLaunchNode = "select_launch_node_and_copy_files"
	StepFilterNodes      = "filter_nodes"
	StepGatherData       = "gather_data"
	StepPrepareEnv       = "prepare_environment"
	StepPatchCells       = "patch_cells"
	StepPatchSwitches    = "patch_switches"
	StepCleanUpCells     = "clean_up_cells"
	StepCleanEnv         = "clean_environment"
	StepPostchecks       = "run_postchecks"
	StepShutdownVMs      = "shutdown_vms"
	StepStopCellServices = "stop_cell_services"
	StepStartVMs         = "start_vms"
	StepPatchDone        = "patch_done"
)

func suffixed(step string, target types.TargetType) string {
	return step + "_" + string(target)
}

func group(step string, i int) string {
	return fmt.Sprintf("%s_[%d]", step, i)
}

// PatchNodesStep is the name of the patch step of a guest or host target,
// for example patch_dom0s
func PatchNodesStep(target types.TargetType) string {
	return "patch_" + string(target) + "s"
}

// PatchInitStep is the name of the first patch step of a guest or host
// target, for example patch_init_dom0
func PatchInitStep(target types.TargetType) string {
	return "patch_init_" + string(target)
}

// BuildSteps returns the ordered step list of a run. Rolling targets get
// one node group per node; non-rolling targets get exactly two groups so
// half the fleet stays available.
func BuildSteps(pc types.PlanContext) []string {
	steps := []string{StepSelectLaunchNode}

	if pc.HasTarget(types.TargetCell) {
		steps = append(steps, cellSteps(&pc)...)
	}
	for _, target := range []types.TargetType{types.TargetDom0, types.TargetDomU} {
		if pc.HasTarget(target) {
			steps = append(steps, nodeSteps(&pc, target)...)
		}
	}
	for _, target := range []types.TargetType{types.TargetIBSwitch, types.TargetSwitch} {
		if pc.HasTarget(target) {
			steps = append(steps, switchSteps(target)...)
		}
	}

	return append(steps, StepPatchDone)
}

// shutdownServices reports whether guests are brought down for target
func shutdownServices(pc *types.PlanContext, target types.TargetType) bool {
	return pc.Task.Disruptive() && pc.StyleFor(target) == types.OpStyleNonRolling
}

func cellSteps(pc *types.PlanContext) []string {
	cell := types.TargetCell
	shutdown := shutdownServices(pc, cell)

	steps := []string{
		suffixed(StepFilterNodes, cell),
		suffixed(StepGatherData, cell),
		suffixed(StepPrepareEnv, cell),
	}
	if shutdown {
		steps = append(steps, suffixed(StepShutdownVMs, cell), suffixed(StepStopCellServices, cell))
	}
	steps = append(steps, StepPatchCells, StepCleanUpCells)
	if shutdown {
		steps = append(steps, suffixed(StepStartVMs, cell))
	}
	return append(steps, suffixed(StepCleanEnv, cell), suffixed(StepPostchecks, cell))
}

func nodeSteps(pc *types.PlanContext, target types.TargetType) []string {
	steps := []string{suffixed(StepPrepareEnv, target), StepFilterNodes}

	switch {
	case pc.Task == types.TaskPrereqCheck || pc.Task == types.TaskRollbackPrereqCheck || pc.Task == types.TaskBackupImage:
		steps = append(steps,
			suffixed(StepFilterNodes, target)+"_1",
			PatchNodesStep(target),
			suffixed(StepCleanEnv, target)+"_1",
			suffixed(StepFilterNodes, target)+"_2",
			PatchInitStep(target),
			suffixed(StepCleanEnv, target)+"_2",
		)

	case pc.Task.Disruptive():
		steps = append(steps, suffixed(StepFilterNodes, target))

		if shutdownServices(pc, target) {
			for i := 1; i <= 2; i++ {
				steps = append(steps,
					group(suffixed(StepGatherData, target), i),
					group(suffixed(StepShutdownVMs, target), i),
					group(patchStep(target, i), i),
					group(suffixed(StepCleanEnv, target), i),
					group(suffixed(StepPostchecks, target), i),
				)
			}
			break
		}

		for i := 1; i <= len(pc.Nodes[target]); i++ {
			steps = append(steps,
				group(suffixed(StepGatherData, target), i),
				group(patchStep(target, i), i),
				group(suffixed(StepCleanEnv, target), i),
				group(suffixed(StepPostchecks, target), i),
			)
		}
	}
	return steps
}

// patchStep is patch_init_X for the first node group and patch_Xs after
func patchStep(target types.TargetType, i int) string {
	if i == 1 {
		return PatchInitStep(target)
	}
	return PatchNodesStep(target)
}

func switchSteps(target types.TargetType) []string {
	return []string{
		suffixed(StepFilterNodes, target),
		suffixed(StepGatherData, target),
		suffixed(StepPrepareEnv, target),
		StepPatchSwitches,
		suffixed(StepCleanEnv, target),
		suffixed(StepPostchecks, target),
	}
}
