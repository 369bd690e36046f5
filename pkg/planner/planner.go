package planner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/types"
)

// StatusStore persists the progress string of a request
type StatusStore interface {
	UpdateRequestStatusInfo(ctx context.Context, uuid, statusInfo string) error
}

// Planner holds the step list of one run and reports progress against it
type Planner struct {
	pc     *types.PlanContext
	steps  []string
	store  StatusStore
	events events.Publisher
	logger zerolog.Logger

	mu      sync.Mutex
	percent int
	step    string
}

// New builds the step list of pc. pub may be nil.
func New(pc *types.PlanContext, store StatusStore, pub events.Publisher) *Planner {
	return &Planner{
		pc:     pc,
		steps:  BuildSteps(*pc),
		store:  store,
		events: pub,
		logger: log.WithRequestID(pc.RequestUUID).With().Str("component", "planner").Logger(),
	}
}

// Steps returns a copy of the step list
func (p *Planner) Steps() []string {
	return append([]string(nil), p.steps...)
}

// Position returns the progress percent of step and the step name as it
// appears in the list. The bare name is tried first, then the name
// suffixed with the current target.
func (p *Planner) Position(step string) (int, string, bool) {
	idx := indexOf(p.steps, step)
	if idx < 0 {
		step = step + "_" + string(p.pc.CurrentTarget)
		idx = indexOf(p.steps, step)
	}
	if idx < 0 {
		return 0, "", false
	}
	return int(100.0 / float64(len(p.steps)) * float64(idx+1)), step, true
}

func indexOf(steps []string, step string) int {
	for i, s := range steps {
		if s == step {
			return i
		}
	}
	return -1
}

// StatusInfo formats the persisted progress string
func StatusInfo(status types.RequestStatus, percent int, step, comment string) string {
	info := string(status) + ":" + strconv.Itoa(percent) + ":" + step
	if comment != "" {
		info += "-" + comment
	}
	return info
}

// UpdateStatus writes status:percent:step[-comment] into the request. An
// unknown step is logged and reported as false.
func (p *Planner) UpdateStatus(ctx context.Context, status types.RequestStatus, step, comment string) (bool, error) {
	percent, name, ok := p.Position(step)
	if !ok {
		p.logger.Warn().Str("step", step).Msg("Step not in list")
		return false, nil
	}

	if strings.HasPrefix(name, "patch_") && p.pc.Task != "" {
		name = strings.ReplaceAll(name, "patch_", string(p.pc.Task)+"_")
	}

	info := StatusInfo(status, percent, name, comment)
	if err := p.store.UpdateRequestStatusInfo(ctx, p.pc.RequestUUID, info); err != nil {
		return false, fmt.Errorf("failed to update status of request %s: %w", p.pc.RequestUUID, err)
	}

	p.mu.Lock()
	p.percent, p.step = percent, name
	p.mu.Unlock()

	p.logger.Debug().Str("status_info", info).Msg("Request progress updated")
	if p.events != nil {
		p.events.Publish(events.New(events.EventRequestProgress, info,
			events.KeyRequest, p.pc.RequestUUID,
			events.KeyPercent, strconv.Itoa(percent),
			events.KeyStep, name,
		))
	}
	return true, nil
}

// Current returns the last reported percent and step name
func (p *Planner) Current() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent, p.step
}
