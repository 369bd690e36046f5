package launchnode

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/health"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Localhost is the launch node used when ForceLocal is set
const Localhost = "localhost"

// NoLaunchNodes disables external launch nodes when given as LaunchNodes
const NoLaunchNodes = "none"

var (
	// ErrNodeNotInFleet is returned when a single include node is not one
	// of the candidates
	ErrNodeNotInFleet = errors.New("node is not part of the fleet")

	// ErrNodeUnreachable is returned when a single include node does not
	// answer the probe
	ErrNodeUnreachable = errors.New("node is unreachable")
)

// Config controls launch node selection
type Config struct {
	// ForceLocal selects the co-located management host and skips probing
	ForceLocal bool

	// LaunchNodes is a comma separated list of external launch nodes, or
	// "none". Empty means the target nodes drive the tool.
	LaunchNodes string

	// ProbeUser is the low-privilege user external nodes are probed as
	ProbeUser string
}

// External reports whether external launch nodes are configured
func (c Config) External() bool {
	return c.LaunchNodes != "" && c.LaunchNodes != NoLaunchNodes
}

func (c Config) externalNodes() []string {
	var nodes []string
	for _, n := range strings.Split(c.LaunchNodes, ",") {
		if n = strings.TrimSpace(n); n != "" && !slices.Contains(nodes, n) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Selector picks the host that drives the vendor patch tool. A selector
// serves one run: the first successful choice is kept and returned by
// every later call.
type Selector struct {
	cfg    Config
	prober health.Prober
	logger zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	memo []string
}

// New creates a selector probing candidates with prober
func New(cfg Config, prober health.Prober) *Selector {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:], rand.Uint64())
	}
	return &Selector{
		cfg:    cfg,
		prober: prober,
		logger: log.WithComponent("launchnode"),
		rng:    rand.New(rand.NewChaCha8(seed)),
	}
}

// Config returns the selector configuration
func (s *Selector) Config() Config {
	return s.cfg
}

// Select returns the launch nodes of the run of pc. An empty result means
// no candidate is usable and the run cannot proceed.
func (s *Selector) Select(ctx context.Context, pc *types.PlanContext, candidates, include []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With().Str("request_id", pc.RequestUUID).Logger()

	if s.cfg.ForceLocal {
		return []string{Localhost}, nil
	}
	if s.memo != nil {
		return slices.Clone(s.memo), nil
	}

	user := ""
	switch {
	case len(include) == 1:
		nodes, err := s.selectSingle(ctx, candidates, include[0])
		if err != nil {
			return nil, err
		}
		s.memo = nodes
		logger.Info().Strs("launch_nodes", nodes).Msg("Launch nodes chosen for single node run")
		return slices.Clone(nodes), nil

	case len(include) >= 2:
		if pc.CurrentTarget == types.TargetDom0 && len(include) < len(candidates) {
			candidates = without(candidates, include)
		} else {
			candidates = include
		}
	}

	if s.cfg.LaunchNodes == NoLaunchNodes {
		return []string{}, nil
	}
	if s.cfg.External() {
		external := s.cfg.externalNodes()
		for _, n := range external {
			if slices.Contains(pc.Nodes[pc.CurrentTarget], n) {
				return nil, patcherror.New(patcherror.LaunchNodeIsTarget,
					"Launch node %s passed should not be part of the list of the nodes to be patched.", n)
			}
		}
		candidates = external
		user = s.cfg.ProbeUser
	}

	node, ok := s.sample(ctx, candidates, user)
	if !ok {
		logger.Warn().Strs("candidates", candidates).Msg("No reachable launch node")
		return []string{}, nil
	}
	s.memo = []string{node}
	logger.Info().Str("launch_node", node).Msg("Launch node chosen")
	return []string{node}, nil
}

// selectSingle validates a single include node and pairs it with the
// first other reachable candidate
func (s *Selector) selectSingle(ctx context.Context, candidates []string, node string) ([]string, error) {
	if !slices.Contains(candidates, node) {
		return nil, patcherror.Wrap(patcherror.IncorrectInputJSON,
			fmt.Errorf("%w: %s", ErrNodeNotInFleet, node),
			fmt.Sprintf("Node %s passed in the include list is not one of the nodes of the cluster.", node))
	}
	if res := s.prober.Probe(ctx, node, ""); !res.Healthy {
		return nil, patcherror.Wrap(patcherror.NodePingCheckFailed,
			fmt.Errorf("%w: %s: %s", ErrNodeUnreachable, node, res.Message),
			fmt.Sprintf("Node %s passed in the include list is not reachable.", node))
	}

	nodes := []string{node}
	for _, c := range candidates {
		if c == node {
			continue
		}
		if s.prober.Probe(ctx, c, "").Healthy {
			nodes = append(nodes, c)
			break
		}
	}
	return nodes, nil
}

// sample probes candidates in random order without replacement and returns
// the first healthy one
func (s *Selector) sample(ctx context.Context, candidates []string, user string) (string, bool) {
	pool := slices.Clone(candidates)
	for len(pool) > 0 {
		if ctx.Err() != nil {
			return "", false
		}
		i := 0
		if len(pool) > 1 {
			i = s.rng.IntN(len(pool))
		}
		node := pool[i]
		res := s.prober.Probe(ctx, node, user)
		if res.Healthy {
			return node, true
		}
		s.logger.Debug().Str("node", node).Str("result", res.Message).Msg("Launch node candidate unreachable")
		pool = slices.Delete(pool, i, i+1)
	}
	return "", false
}

// Reset forgets the chosen launch node
func (s *Selector) Reset() {
	s.mu.Lock()
	s.memo = nil
	s.mu.Unlock()
}

func without(nodes, drop []string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !slices.Contains(drop, n) {
			out = append(out, n)
		}
	}
	return out
}
