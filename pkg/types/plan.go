package types

// TargetType is a class of node a patch operation acts on
type TargetType string

const (
	TargetDom0       TargetType = "dom0"
	TargetDomU       TargetType = "domu"
	TargetCell       TargetType = "cell"
	TargetSwitch     TargetType = "switch"
	TargetIBSwitch   TargetType = "ibswitch"
	TargetRoCESwitch TargetType = "roceswitch"
	TargetAll        TargetType = "all_nodes"
)

// IsSwitch reports whether t is one of the fabric switch targets
func (t TargetType) IsSwitch() bool {
	return t == TargetSwitch || t == TargetIBSwitch || t == TargetRoCESwitch
}

// Task is the patch operation requested
type Task string

const (
	TaskPrereqCheck         Task = "patch_prereq_check"
	TaskPatch               Task = "patch"
	TaskPostCheck           Task = "postcheck"
	TaskRollbackPrereqCheck Task = "rollback_prereq_check"
	TaskRollback            Task = "rollback"
	TaskBackupImage         Task = "backup_image"
)

// Precheck reports whether t is non-destructive.
// HA violations only warn during these tasks.
func (t Task) Precheck() bool {
	return t == TaskPrereqCheck || t == TaskRollbackPrereqCheck || t == TaskBackupImage || t == TaskPostCheck
}

// Disruptive reports whether t reboots or reimages nodes
func (t Task) Disruptive() bool {
	return t == TaskPatch || t == TaskRollback
}

// OpStyle is how nodes of one target are sequenced
type OpStyle string

const (
	OpStyleAuto       OpStyle = "auto"
	OpStyleRolling    OpStyle = "rolling"
	OpStyleNonRolling OpStyle = "non-rolling"
)

// PatchType distinguishes full quarterly bundles from monthly live-update bundles
type PatchType string

const (
	PatchTypeQuarterly PatchType = "quarterly"
	PatchTypeMonthly   PatchType = "monthly"
)

// PlanContext carries everything one orchestration run needs.
// It is passed by value or pointer through planner, selector and checker
// calls instead of living in shared mutable fields.
type PlanContext struct {
	RequestUUID string
	MasterUUID  string
	ClusterName string
	ClusterID   string
	RackName    string

	Targets       []TargetType
	CurrentTarget TargetType
	Task          Task
	OpStyle       OpStyle
	PatchType     PatchType

	// Styles holds the effective style per target once resolved
	Styles map[TargetType]OpStyle

	// Exasplice marks a monthly live-update run. It pins dom0 to
	// non-rolling and cell to rolling.
	Exasplice bool

	// Nodes are the customized node lists per target, include list applied.
	Nodes map[TargetType][]string

	IncludeNodes []string
	LaunchNodes  []string
}

// HasTarget reports whether the run covers t, directly or through all_nodes
func (pc *PlanContext) HasTarget(t TargetType) bool {
	for _, target := range pc.Targets {
		if target == t || target == TargetAll {
			return true
		}
	}
	return false
}

// SwitchOnly reports whether every target is a switch target
func (pc *PlanContext) SwitchOnly() bool {
	if len(pc.Targets) == 0 {
		return false
	}
	for _, target := range pc.Targets {
		if !target.IsSwitch() {
			return false
		}
	}
	return true
}

// StyleFor returns the effective style of target: the resolved one, else
// the requested one, else rolling
func (pc *PlanContext) StyleFor(target TargetType) OpStyle {
	if s, ok := pc.Styles[target]; ok && s != "" && s != OpStyleAuto {
		return s
	}
	if pc.OpStyle == OpStyleNonRolling {
		return OpStyleNonRolling
	}
	return OpStyleRolling
}
