package planner

import (
	"github.com/cuemby/rackpatch/pkg/types"
)

// Defaults are the configured styles used when a request names none
type Defaults struct {
	OpStyle types.OpStyle
}

// ResolveStyle returns the effective style of target.
//
// Monthly live-update runs pin dom0 to non-rolling and cell to rolling. A
// non-rolling precheck is relaxed to auto. Auto becomes rolling when the
// cluster's guests are up and non-rolling otherwise.
func ResolveStyle(pc *types.PlanContext, target types.TargetType, defaults Defaults, guestsUp bool) types.OpStyle {
	if pc.Exasplice || pc.PatchType == types.PatchTypeMonthly {
		switch target {
		case types.TargetDom0:
			return types.OpStyleNonRolling
		case types.TargetCell:
			return types.OpStyleRolling
		}
	}

	style := pc.OpStyle
	if style == "" {
		style = defaults.OpStyle
	}
	if style == "" {
		style = types.OpStyleAuto
	}

	if (pc.Task == types.TaskPrereqCheck || pc.Task == types.TaskRollbackPrereqCheck) && style == types.OpStyleNonRolling {
		style = types.OpStyleAuto
	}

	if style == types.OpStyleAuto {
		if guestsUp {
			return types.OpStyleRolling
		}
		return types.OpStyleNonRolling
	}
	return style
}

// ResolveStyles fills pc.Styles for every target of the run
func ResolveStyles(pc *types.PlanContext, defaults Defaults, guestsUp bool) {
	if pc.Styles == nil {
		pc.Styles = make(map[types.TargetType]types.OpStyle)
	}
	for _, target := range []types.TargetType{
		types.TargetCell, types.TargetDom0, types.TargetDomU,
		types.TargetIBSwitch, types.TargetSwitch, types.TargetRoCESwitch,
	} {
		if pc.HasTarget(target) {
			pc.Styles[target] = ResolveStyle(pc, target, defaults, guestsUp)
		}
	}
}
