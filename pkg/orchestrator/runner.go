package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/availability"
	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/fabric"
	"github.com/cuemby/rackpatch/pkg/health"
	"github.com/cuemby/rackpatch/pkg/launchnode"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metadata"
	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/planner"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/timestats"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Store is the part of the coordination store a run updates
type Store interface {
	StartRequest(ctx context.Context, uuid string) (bool, error)
	UpdateRequestStatus(ctx context.Context, uuid string, next types.RequestStatus) error
	UpdateRequestStatusInfo(ctx context.Context, uuid, statusInfo string) error
}

// FabricLocker grants runs a share of their cluster's switch fabric
type FabricLocker interface {
	FabricForCluster(ctx context.Context, cluster string) (int64, error)
	Get(ctx context.Context, fabricID int64) (*types.FabricEntry, error)
	Lock(ctx context.Context, fabricID int64, cluster string, kind types.LockedFor) (bool, error)
	Unlock(ctx context.Context, fabricID int64, cluster string) (bool, error)
}

// ErrorReporter records the structured error of a failed run
type ErrorReporter interface {
	AddError(ctx context.Context, pc *types.PlanContext, code patcherror.Code, suggestion string) (*patcherror.Report, error)
}

// NodeMetadata records per node progress and patch tool failures
type NodeMetadata interface {
	SetNodeProgress(request, node string, p metadata.NodeProgress) error
	SavePatchMgrErrors(launchNode string, details []metadata.PatchMgrError) error
	DeletePatchMgrErrors(launchNode string) error
}

// Topology describes the nodes a run acts on
type Topology interface {
	// Nodes returns the node lists per target, include list applied
	Nodes(ctx context.Context, pc *types.PlanContext) (map[types.TargetType][]string, error)
	// LaunchCandidates returns the hosts that may drive the patch tool
	LaunchCandidates(ctx context.Context, pc *types.PlanContext) ([]string, error)
	// Domains returns the guests of every cluster hosted on the targets
	Domains(ctx context.Context, pc *types.PlanContext) (availability.DomainMap, error)
}

// Config controls a runner
type Config struct {
	Defaults   planner.Defaults
	LaunchNode launchnode.Config

	HACheckEnabled bool

	// GuestListCommand overrides the availability list command
	GuestListCommand string

	// ToolCheckCommand runs on the launch node before the first tool step.
	// A non-zero exit fails the run.
	ToolCheckCommand string

	// StepTimeout bounds every patch tool step; zero means no bound
	StepTimeout time.Duration
}

// Deps are the collaborators of a runner. Events, Metadata and TimeStats
// may be nil; Fabrics may be nil when no switch fabric is shared.
type Deps struct {
	Store     Store
	Fabrics   FabricLocker
	Reporter  ErrorReporter
	TimeStats *timestats.Recorder
	Metadata  NodeMetadata
	Prober    health.Prober
	Hosts     availability.HostExecutor
	Tool      PatchTool
	Topology  Topology
	Events    events.Publisher

	// Operations records the run against its cluster; may be nil
	Operations ClusterOperations
}

// ClusterOperations tracks the operations in flight per cluster
type ClusterOperations interface {
	InsertClusterOperation(ctx context.Context, op *types.ClusterOperation) (storage.InsertResult, error)
	DeleteClusterOperationsByMaster(ctx context.Context, masterUUID string) (int64, error)
}

// Runner executes patch runs
type Runner struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New creates a runner
func New(cfg Config, deps Deps) *Runner {
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("orchestrator"),
	}
}

// run is the state of one execution
type run struct {
	pc      *types.PlanContext
	plan    *planner.Planner
	logger  zerolog.Logger
	domains availability.DomainMap
	fabric  int64
	locked  bool
	checked bool
	opened  bool
}

// Run executes the run of pc. The request must be Pending: a request that
// another runner started or that already finished is left untouched and
// Run returns nil. Once started, any failure is recorded on the request as
// a structured error, the request is marked Failed and held locks are
// released; the original error is returned.
func (r *Runner) Run(ctx context.Context, pc *types.PlanContext) error {
	started, err := r.markRunning(ctx, pc)
	if err != nil {
		return err
	}
	if !started {
		r.logger.Info().Str("request_id", pc.RequestUUID).Msg("Request not pending, skipping run")
		return nil
	}
	return r.run(ctx, pc)
}

func (r *Runner) run(ctx context.Context, pc *types.PlanContext) (err error) {
	rn := &run{
		pc:     pc,
		logger: log.WithRequestID(pc.RequestUUID).With().Str("component", "orchestrator").Logger(),
	}

	defer func() {
		// cleanup must run even when ctx was cancelled
		cleanup := context.WithoutCancel(ctx)
		r.releaseFabric(cleanup, rn)
		r.closeOperation(cleanup, rn)
		if r.deps.TimeStats != nil {
			if _, cerr := r.deps.TimeStats.CloseOpen(cleanup, pc.RequestUUID); cerr != nil {
				rn.logger.Warn().Err(cerr).Msg("Failed to close time stats")
			}
		}
		if err != nil {
			r.fail(cleanup, rn, err)
		}
	}()

	if err := r.prepare(ctx, rn); err != nil {
		return err
	}
	r.openOperation(ctx, rn)
	r.startStats(ctx, pc, timestats.StagePrePatch, allNodes(pc))

	if err := r.selectLaunchNode(ctx, rn); err != nil {
		return err
	}
	if err := r.acquireFabric(ctx, rn); err != nil {
		return err
	}
	if err := r.checkAvailability(ctx, rn); err != nil {
		return err
	}

	r.transitionStats(ctx, pc, timestats.StagePrePatch, timestats.StagePatchMgr, allNodes(pc))
	if err := r.execute(ctx, rn); err != nil {
		return err
	}
	r.transitionStats(ctx, pc, timestats.StagePatchMgr, timestats.StagePostPatch, allNodes(pc))

	r.releaseFabric(ctx, rn)

	if _, err := rn.plan.UpdateStatus(ctx, types.RequestStatusDone, planner.StepPatchDone, ""); err != nil {
		return err
	}
	if err := r.deps.Store.UpdateRequestStatus(ctx, pc.RequestUUID, types.RequestStatusDone); err != nil {
		return fmt.Errorf("failed to complete request: %w", err)
	}

	rn.logger.Info().Msg("Patch run completed")
	r.publish(events.EventRequestDone, pc.RequestUUID, "patch run completed")
	return nil
}

// markRunning claims the request for this runner. false means it was not
// Pending.
func (r *Runner) markRunning(ctx context.Context, pc *types.PlanContext) (bool, error) {
	started, err := r.deps.Store.StartRequest(ctx, pc.RequestUUID)
	if err != nil {
		return false, fmt.Errorf("failed to start request: %w", err)
	}
	if started {
		r.publish(events.EventRequestRunning, pc.RequestUUID, "patch run started")
	}
	return started, nil
}

// prepare loads the node lists, resolves the styles and builds the plan
func (r *Runner) prepare(ctx context.Context, rn *run) error {
	pc := rn.pc
	if pc.RequestUUID == "" || len(pc.Targets) == 0 || pc.Task == "" {
		return patcherror.New(patcherror.IncorrectInputJSON, "request uuid, targets and task are required")
	}

	nodes, err := r.deps.Topology.Nodes(ctx, pc)
	if err != nil {
		return patcherror.Wrap(patcherror.IncorrectInputJSON, err, "unable to read the target nodes")
	}
	pc.Nodes = nodes
	if pc.CurrentTarget == "" {
		pc.CurrentTarget = firstTarget(pc.Targets)
	}

	domains, err := r.deps.Topology.Domains(ctx, pc)
	if err != nil {
		return patcherror.Wrap(patcherror.IncorrectInputJSON, err, "unable to read the cluster guests")
	}
	rn.domains = domains
	planner.ResolveStyles(pc, r.cfg.Defaults, guestsUp(domains))

	rn.plan = planner.New(pc, r.deps.Store, r.deps.Events)
	rn.logger.Info().
		Str("task", string(pc.Task)).
		Int("steps", len(rn.plan.Steps())).
		Msg("Patch plan built")
	return nil
}

func (r *Runner) selectLaunchNode(ctx context.Context, rn *run) error {
	pc := rn.pc
	if _, err := rn.plan.UpdateStatus(ctx, types.RequestStatusRunning, planner.StepSelectLaunchNode, ""); err != nil {
		return err
	}

	candidates, err := r.deps.Topology.LaunchCandidates(ctx, pc)
	if err != nil {
		return patcherror.Wrap(patcherror.IncorrectInputJSON, err, "unable to read the launch node candidates")
	}

	sel := launchnode.New(r.cfg.LaunchNode, r.deps.Prober)
	nodes, err := sel.Select(ctx, pc, candidates, pc.IncludeNodes)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		if r.cfg.LaunchNode.External() {
			return patcherror.New(patcherror.ExternalLaunchNodeUnreachable,
				"Launch nodes passed are not valid since they are not pingable or not connectible")
		}
		return patcherror.New(patcherror.NoEligibleLaunchNode,
			"No reachable launch node found among %s", strings.Join(candidates, ","))
	}
	pc.LaunchNodes = nodes
	rn.logger.Info().Strs("launch_nodes", nodes).Msg("Launch node selected")

	// tool output left by an earlier run must not reach this run's report
	if r.deps.Metadata != nil {
		for _, n := range nodes {
			if err := r.deps.Metadata.DeletePatchMgrErrors(n); err != nil {
				rn.logger.Warn().Err(err).Str("launch_node", n).Msg("Failed to clear patch tool errors")
			}
		}
	}
	return nil
}

// acquireFabric locks the fabric of the cluster when it shares one
func (r *Runner) acquireFabric(ctx context.Context, rn *run) error {
	pc := rn.pc
	if r.deps.Fabrics == nil || pc.ClusterName == "" {
		return nil
	}

	id, err := r.deps.Fabrics.FabricForCluster(ctx, pc.ClusterName)
	if errors.Is(err, storage.ErrNotFound) {
		rn.logger.Debug().Msg("Cluster shares no fabric")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find fabric: %w", err)
	}

	kind := fabric.KindFor(pc.Targets)
	granted, err := r.deps.Fabrics.Lock(ctx, id, pc.ClusterName, kind)
	if err != nil {
		return fmt.Errorf("failed to lock fabric %d: %w", id, err)
	}
	if !granted {
		code := patcherror.SystemBusyLockNotAcquired
		if entry, gerr := r.deps.Fabrics.Get(ctx, id); gerr == nil &&
			entry.LockedFor != types.LockedForNone && entry.LockedFor != kind {
			code = patcherror.ParallelPatchingIBNonIB
		}
		return patcherror.New(code, "fabric %d is busy", id)
	}
	rn.fabric, rn.locked = id, true
	return nil
}

func (r *Runner) releaseFabric(ctx context.Context, rn *run) {
	if !rn.locked {
		return
	}
	if _, err := r.deps.Fabrics.Unlock(ctx, rn.fabric, rn.pc.ClusterName); err != nil {
		rn.logger.Error().Err(err).Int64("fabric_id", rn.fabric).Msg("Failed to release fabric lock")
		return
	}
	rn.locked = false
}

// openOperation records the run as in flight on its cluster
func (r *Runner) openOperation(ctx context.Context, rn *run) {
	pc := rn.pc
	if r.deps.Operations == nil || pc.ClusterName == "" {
		return
	}
	for _, target := range pc.Targets {
		op := &types.ClusterOperation{
			ClusterName:    pc.ClusterName,
			MasterUUID:     operationOwner(pc),
			TargetType:     string(target),
			PatchType:      string(timestats.PatchTypeOf(pc)),
			Operation:      string(pc.Task),
			OperationStyle: string(pc.StyleFor(target)),
		}
		if _, err := r.deps.Operations.InsertClusterOperation(ctx, op); err != nil {
			rn.logger.Warn().Err(err).Str("target", string(target)).Msg("Failed to record cluster operation")
			continue
		}
		rn.opened = true
	}
}

func (r *Runner) closeOperation(ctx context.Context, rn *run) {
	if !rn.opened {
		return
	}
	if _, err := r.deps.Operations.DeleteClusterOperationsByMaster(ctx, operationOwner(rn.pc)); err != nil {
		rn.logger.Warn().Err(err).Msg("Failed to clear cluster operation")
		return
	}
	rn.opened = false
}

func operationOwner(pc *types.PlanContext) string {
	if pc.MasterUUID != "" {
		return pc.MasterUUID
	}
	return pc.RequestUUID
}

// checkAvailability runs the high availability check for host targets
func (r *Runner) checkAvailability(ctx context.Context, rn *run) error {
	pc := rn.pc
	if !pc.HasTarget(types.TargetDom0) {
		return nil
	}
	checker := availability.New(r.deps.Hosts, r.cfg.HACheckEnabled)
	if r.cfg.GuestListCommand != "" {
		checker.ListCommand = r.cfg.GuestListCommand
	}

	prev := pc.CurrentTarget
	pc.CurrentTarget = types.TargetDom0
	code, detail := checker.Check(ctx, pc, rn.domains)
	pc.CurrentTarget = prev
	if code != patcherror.Success {
		return patcherror.New(code, "%s", detail)
	}
	return nil
}

// execute runs every tool step of the plan in order
func (r *Runner) execute(ctx context.Context, rn *run) error {
	pc := rn.pc
	for _, step := range rn.plan.Steps() {
		if step == planner.StepSelectLaunchNode || step == planner.StepPatchDone {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if target, ok := stepTarget(step); ok {
			pc.CurrentTarget = target
		}
		if _, err := rn.plan.UpdateStatus(ctx, types.RequestStatusRunning, step, ""); err != nil {
			return err
		}
		if err := r.runStep(ctx, rn, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, rn *run, step string) error {
	pc := rn.pc
	nodes := stepNodes(pc, pc.CurrentTarget, step)
	if _, grouped := stepGroup(step); grouped && len(nodes) == 0 {
		rn.logger.Debug().Str("step", step).Msg("Step group has no nodes, skipping")
		return nil
	}
	launch := driverFor(pc.LaunchNodes, nodes)
	patching := isPatchStep(step)

	if patching && !rn.checked {
		if err := r.checkTool(ctx, launch); err != nil {
			return err
		}
		rn.checked = true
	}
	if patching {
		r.nodeProgress(rn, nodes, metadata.NodeStatusPatching, step)
	}

	stepCtx := ctx
	if r.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.cfg.StepTimeout)
		defer cancel()
	}

	inv := Invocation{
		RequestUUID: pc.RequestUUID,
		LaunchNode:  launch,
		Target:      pc.CurrentTarget,
		Task:        pc.Task,
		Style:       pc.StyleFor(pc.CurrentTarget),
		Step:        step,
		Nodes:       nodes,
	}
	res, err := r.deps.Tool.Run(stepCtx, inv)
	if err == nil && res.ExitCode != 0 {
		err = patcherror.New(patcherror.PatchMgrCommandFailed,
			"step %s failed on %s with exit code %d", step, launch, res.ExitCode)
	}
	if err != nil {
		if patching {
			r.nodeProgress(rn, nodes, metadata.NodeStatusFailed, step)
		}
		if len(res.Errors) > 0 && r.deps.Metadata != nil {
			if serr := r.deps.Metadata.SavePatchMgrErrors(launch, res.Errors); serr != nil {
				rn.logger.Warn().Err(serr).Msg("Failed to save patch tool errors")
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return patcherror.Wrap(patcherror.CommandTimeout, err, fmt.Sprintf("step %s timed out", step))
		}
		return err
	}

	if patching {
		r.nodeProgress(rn, nodes, metadata.NodeStatusCompleted, step)
	}
	rn.logger.Debug().Str("step", step).Strs("nodes", nodes).Msg("Step completed")
	return nil
}

// checkTool verifies the patch tool on the launch node
func (r *Runner) checkTool(ctx context.Context, launch string) error {
	if r.cfg.ToolCheckCommand == "" || r.deps.Hosts == nil {
		return nil
	}
	exit, _, stderr, err := r.deps.Hosts.RunCommand(ctx, launch, r.cfg.ToolCheckCommand)
	if err != nil {
		return patcherror.Wrap(patcherror.NodeConnectFailed, err, fmt.Sprintf("unable to connect to launch node %s", launch))
	}
	if exit != 0 {
		return patcherror.New(patcherror.PatchMgrScriptMissing,
			"patch tool check exited %d on %s: %s", exit, launch, strings.TrimSpace(stderr))
	}
	return nil
}

func (r *Runner) nodeProgress(rn *run, nodes []string, status, step string) {
	if r.deps.Metadata == nil {
		return
	}
	now := time.Now().UTC()
	for _, n := range nodes {
		err := r.deps.Metadata.SetNodeProgress(rn.pc.RequestUUID, n, metadata.NodeProgress{Status: status, Step: step, UpdatedAt: now})
		if err != nil {
			rn.logger.Warn().Err(err).Str("node", n).Msg("Failed to record node progress")
		}
	}
}

// fail records err against the request and marks it Failed
func (r *Runner) fail(ctx context.Context, rn *run, err error) {
	pc := rn.pc
	code := patcherror.CodeOf(err)
	rn.logger.Error().Err(err).Str("code", string(code)).Msg("Patch run failed")

	if r.deps.Reporter != nil {
		if _, rerr := r.deps.Reporter.AddError(ctx, pc, code, patcherror.SuggestionOf(err)); rerr != nil {
			rn.logger.Error().Err(rerr).Msg("Failed to record error")
		}
	}

	percent, step := 0, planner.StepSelectLaunchNode
	if rn.plan != nil {
		if p, s := rn.plan.Current(); s != "" {
			percent, step = p, s
		}
	}
	info := planner.StatusInfo(types.RequestStatusFailed, percent, step, "")
	if uerr := r.deps.Store.UpdateRequestStatusInfo(ctx, pc.RequestUUID, info); uerr != nil {
		rn.logger.Error().Err(uerr).Msg("Failed to update status info")
	}
	if uerr := r.deps.Store.UpdateRequestStatus(ctx, pc.RequestUUID, types.RequestStatusFailed); uerr != nil {
		rn.logger.Error().Err(uerr).Msg("Failed to mark request failed")
	}

	if r.deps.Events != nil {
		r.deps.Events.Publish(events.New(events.EventRequestFailed, err.Error(),
			events.KeyRequest, pc.RequestUUID,
			events.KeyCode, string(code),
			events.KeyPercent, strconv.Itoa(percent),
		))
	}
}

func (r *Runner) startStats(ctx context.Context, pc *types.PlanContext, stage string, nodes []string) {
	if r.deps.TimeStats == nil {
		return
	}
	if err := r.deps.TimeStats.Start(ctx, pc, stage, "", nodes); err != nil {
		r.logger.Warn().Err(err).Str("request_id", pc.RequestUUID).Msg("Failed to start time stat")
	}
}

func (r *Runner) transitionStats(ctx context.Context, pc *types.PlanContext, done, next string, nodes []string) {
	if r.deps.TimeStats == nil {
		return
	}
	r.deps.TimeStats.Transition(ctx, pc, done, "", next, "", nodes)
}

func (r *Runner) publish(t events.EventType, request, msg string) {
	if r.deps.Events == nil {
		return
	}
	r.deps.Events.Publish(events.New(t, msg, events.KeyRequest, request))
}
