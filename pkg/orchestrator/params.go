package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/rackpatch/pkg/availability"
	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/types"
)

// RequestParams is the JSON document stored in a request's params column
type RequestParams struct {
	MasterUUID       string                        `json:"master_uuid,omitempty"`
	ClusterName      string                        `json:"cluster_name"`
	ClusterID        string                        `json:"cluster_id,omitempty"`
	RackName         string                        `json:"rack_name,omitempty"`
	TargetTypes      []types.TargetType            `json:"target_types"`
	Operation        types.Task                    `json:"operation"`
	OpStyle          types.OpStyle                 `json:"op_style,omitempty"`
	PatchType        types.PatchType               `json:"patch_type,omitempty"`
	Exasplice        bool                          `json:"exasplice,omitempty"`
	Nodes            map[types.TargetType][]string `json:"nodes"`
	IncludeNodes     []string                      `json:"include_nodes,omitempty"`
	LaunchCandidates []string                      `json:"launch_candidates,omitempty"`
	Domains          availability.DomainMap        `json:"domains,omitempty"`
}

// Unmasker reverses the masking applied to stored params
type Unmasker interface {
	Unmask(value string) (string, error)
}

// ParseParams decodes params, unmasking them first when m is set
func ParseParams(params string, m Unmasker) (*RequestParams, error) {
	if m != nil {
		plain, err := m.Unmask(params)
		if err != nil {
			return nil, fmt.Errorf("failed to unmask params: %w", err)
		}
		params = plain
	}
	var p RequestParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if len(p.TargetTypes) == 0 {
		return nil, fmt.Errorf("params name no target_types")
	}
	if p.Operation == "" {
		return nil, fmt.Errorf("params name no operation")
	}
	return &p, nil
}

// PlanContextFromRequest builds the plan context of req
func PlanContextFromRequest(req *types.Request, p *RequestParams) *types.PlanContext {
	cluster := p.ClusterName
	if cluster == "" {
		cluster = req.ClusterName
	}
	return &types.PlanContext{
		RequestUUID:  req.UUID,
		MasterUUID:   p.MasterUUID,
		ClusterName:  cluster,
		ClusterID:    p.ClusterID,
		RackName:     p.RackName,
		Targets:      p.TargetTypes,
		Task:         p.Operation,
		OpStyle:      p.OpStyle,
		PatchType:    p.PatchType,
		Exasplice:    p.Exasplice,
		IncludeNodes: p.IncludeNodes,
	}
}

// ParamsStore reads requests
type ParamsStore interface {
	GetRequest(ctx context.Context, uuid string) (*types.Request, error)
}

// ParamsTopology reads the topology of a run from its request params
type ParamsTopology struct {
	store    ParamsStore
	unmasker Unmasker
}

// NewParamsTopology creates a topology backed by request params. unmasker
// may be nil when params are stored in the clear.
func NewParamsTopology(store ParamsStore, unmasker Unmasker) *ParamsTopology {
	return &ParamsTopology{store: store, unmasker: unmasker}
}

func (t *ParamsTopology) params(ctx context.Context, pc *types.PlanContext) (*RequestParams, error) {
	req, err := t.store.GetRequest(ctx, pc.RequestUUID)
	if err != nil {
		return nil, err
	}
	return ParseParams(req.Params, t.unmasker)
}

// Nodes returns the node lists of the request. A non-empty include list
// restricts every target to the included nodes.
func (t *ParamsTopology) Nodes(ctx context.Context, pc *types.PlanContext) (map[types.TargetType][]string, error) {
	p, err := t.params(ctx, pc)
	if err != nil {
		return nil, err
	}
	if len(p.IncludeNodes) == 0 {
		return p.Nodes, nil
	}

	include := make(map[string]struct{}, len(p.IncludeNodes))
	for _, n := range p.IncludeNodes {
		include[n] = struct{}{}
	}
	out := make(map[types.TargetType][]string, len(p.Nodes))
	for target, nodes := range p.Nodes {
		var kept []string
		for _, n := range nodes {
			if _, ok := include[n]; ok {
				kept = append(kept, n)
			}
		}
		out[target] = kept
	}
	return out, nil
}

// LaunchCandidates returns the candidates named in the request, else the
// hosts, else the guests of the cluster
func (t *ParamsTopology) LaunchCandidates(ctx context.Context, pc *types.PlanContext) ([]string, error) {
	p, err := t.params(ctx, pc)
	if err != nil {
		return nil, err
	}
	if len(p.LaunchCandidates) > 0 {
		return p.LaunchCandidates, nil
	}
	if nodes := p.Nodes[types.TargetDom0]; len(nodes) > 0 {
		return nodes, nil
	}
	return p.Nodes[types.TargetDomU], nil
}

// Domains returns the guests per cluster named in the request
func (t *ParamsTopology) Domains(ctx context.Context, pc *types.PlanContext) (availability.DomainMap, error) {
	p, err := t.params(ctx, pc)
	if err != nil {
		return nil, err
	}
	if p.Domains == nil {
		return availability.DomainMap{}, nil
	}
	return p.Domains, nil
}

// Handle runs the request assigned to a worker. Params that cannot be
// parsed fail the request with an input error.
func (r *Runner) Handle(ctx context.Context, req *types.Request, unmasker Unmasker) error {
	p, err := ParseParams(req.Params, unmasker)
	if err != nil {
		pc := &types.PlanContext{RequestUUID: req.UUID, ClusterName: req.ClusterName}
		err = patcherror.Wrap(patcherror.IncorrectInputJSON, err, "request params are not valid JSON")
		r.reject(ctx, pc, err)
		return err
	}
	return r.Run(ctx, PlanContextFromRequest(req, p))
}

// reject fails a pending request whose params cannot be used. A request
// that is not Pending belongs to another run and is left untouched.
func (r *Runner) reject(ctx context.Context, pc *types.PlanContext, err error) {
	rn := &run{pc: pc, logger: r.logger.With().Str("request_id", pc.RequestUUID).Logger()}
	cleanup := context.WithoutCancel(ctx)
	started, merr := r.markRunning(cleanup, pc)
	if merr != nil {
		rn.logger.Error().Err(merr).Msg("Failed to start rejected request")
		return
	}
	if !started {
		rn.logger.Info().Msg("Request not pending, not rejecting")
		return
	}
	r.fail(cleanup, rn, err)
}
