package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metrics"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

// DefaultPollInterval is the time between dispatch cycles
const DefaultPollInterval = 5 * time.Second

// Store is the part of the coordination store the dispatcher reads and
// updates
type Store interface {
	ListPendingRequests(ctx context.Context) ([]*types.Request, error)
	ListIdleWorkers(ctx context.Context) ([]*types.Worker, error)
	AssignWorker(ctx context.Context, port int, requestUUID string) (storage.AssignResult, error)
	ReleaseWorker(ctx context.Context, port int) error
}

// Locker guards worker assignment
type Locker interface {
	Acquire(ctx context.Context, port int, owner string) (bool, error)
	Release(ctx context.Context, port int, owner string) (bool, error)
	ReleaseAll(ctx context.Context) (int64, error)
}

// Handler runs a request on the worker it was assigned to
type Handler interface {
	Handle(ctx context.Context, req *types.Request) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *types.Request) error

func (f HandlerFunc) Handle(ctx context.Context, req *types.Request) error {
	return f(ctx, req)
}

// Config controls a dispatcher
type Config struct {
	// Name is the sync lock owner recorded while assigning
	Name string

	PollInterval time.Duration
	Clock        clock.Clock
}

// Dispatcher assigns pending requests to idle workers
type Dispatcher struct {
	store   Store
	locks   Locker
	handler Handler
	events  events.Publisher
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]int
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a dispatcher. pub may be nil.
func New(cfg Config, store Store, locks Locker, handler Handler, pub events.Publisher) *Dispatcher {
	if cfg.Name == "" {
		cfg.Name = "dispatcher"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Dispatcher{
		store:    store,
		locks:    locks,
		handler:  handler,
		events:   pub,
		cfg:      cfg,
		logger:   log.WithComponent("dispatcher"),
		inflight: make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

// Start frees sync locks left by a previous process and begins the
// dispatch loop
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.locks.ReleaseAll(ctx); err != nil {
		return fmt.Errorf("failed to heal sync locks: %w", err)
	}
	metrics.RegisterComponent(metrics.ComponentDispatcher, true, "dispatching")

	d.wg.Add(1)
	go d.run(ctx)

	d.logger.Info().
		Str("name", d.cfg.Name).
		Dur("poll_interval", d.cfg.PollInterval).
		Msg("Dispatcher started")
	return nil
}

// Stop ends the loop and waits for running requests to return
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	metrics.UpdateComponent(metrics.ComponentDispatcher, false, "stopped")
}

// run is the main dispatch loop
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Dispatch cycle failed")
			metrics.UpdateComponent(metrics.ComponentDispatcher, false, err.Error())
		} else {
			metrics.UpdateComponent(metrics.ComponentDispatcher, true, "dispatching")
		}

		select {
		case <-d.cfg.Clock.After(d.cfg.PollInterval):
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch performs one cycle and returns the number of requests it
// handed to workers. Requests are taken oldest first; requests already
// running in this process are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	pending, err := d.store.ListPendingRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}
	pending = d.notInflight(pending)
	if len(pending) == 0 {
		return 0, nil
	}

	workers, err := d.store.ListIdleWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle workers: %w", err)
	}
	workers = filterAllocatable(workers)
	if len(workers) == 0 {
		d.logger.Debug().Int("pending", len(pending)).Msg("No idle worker")
		return 0, nil
	}

	dispatched := 0
	for _, req := range pending {
		if len(workers) == 0 {
			break
		}
		w, rest, err := d.claim(ctx, req, workers)
		workers = rest
		if err != nil {
			return dispatched, err
		}
		if w == nil {
			continue
		}
		d.start(ctx, w, req)
		dispatched++
	}
	return dispatched, nil
}

// claim assigns req to the first worker it can lock. Workers that were
// tried and lost are removed from the returned list. A nil worker with no
// error means req was claimed elsewhere or no worker could be locked.
func (d *Dispatcher) claim(ctx context.Context, req *types.Request, workers []*types.Worker) (*types.Worker, []*types.Worker, error) {
	for i, w := range workers {
		logger := log.WithWorkerPort(w.Port).With().Str("request_id", req.UUID).Logger()

		ok, err := d.locks.Acquire(ctx, w.Port, d.cfg.Name)
		if err != nil {
			return nil, workers[i+1:], err
		}
		if !ok {
			logger.Debug().Msg("Worker claimed elsewhere")
			continue
		}

		result, err := d.store.AssignWorker(ctx, w.Port, req.UUID)
		if _, rerr := d.locks.Release(context.WithoutCancel(ctx), w.Port, d.cfg.Name); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to release sync lock")
		}
		if err != nil {
			return nil, workers[i+1:], fmt.Errorf("failed to assign worker %d: %w", w.Port, err)
		}

		switch result {
		case storage.Assigned:
			w.UUID = req.UUID
			w.Status = types.WorkerStatusRunning
			return w, workers[i+1:], nil
		case storage.RequestTaken:
			logger.Debug().Msg("Request claimed elsewhere")
			return nil, workers[i:], nil
		default:
			logger.Debug().Msg("Worker no longer idle")
		}
	}
	return nil, nil, nil
}

// start hands req to the handler on its own goroutine
func (d *Dispatcher) start(ctx context.Context, w *types.Worker, req *types.Request) {
	d.mu.Lock()
	d.inflight[req.UUID] = w.Port
	d.mu.Unlock()

	if !req.StartTime.IsZero() {
		metrics.DispatchLatency.Observe(d.cfg.Clock.Now().Sub(req.StartTime).Seconds())
	}
	if d.events != nil {
		d.events.Publish(events.New(events.EventRequestAssigned, "request assigned",
			events.KeyRequest, req.UUID,
			events.KeyPort, strconv.Itoa(w.Port),
		))
	}

	logger := log.WithWorkerPort(w.Port).With().Str("request_id", req.UUID).Logger()
	logger.Info().Msg("Request assigned")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.finish(ctx, w, req)

		if err := d.handler.Handle(ctx, req); err != nil {
			logger.Warn().Err(err).Msg("Request ended with error")
			return
		}
		logger.Info().Msg("Request finished")
	}()
}

// finish returns the worker to the idle pool
func (d *Dispatcher) finish(ctx context.Context, w *types.Worker, req *types.Request) {
	if err := d.store.ReleaseWorker(context.WithoutCancel(ctx), w.Port); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error().Err(err).Int("port", w.Port).Msg("Failed to release worker")
	}
	d.mu.Lock()
	delete(d.inflight, req.UUID)
	d.mu.Unlock()
}

// Inflight returns the number of requests running in this process
func (d *Dispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) notInflight(reqs []*types.Request) []*types.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := reqs[:0:0]
	for _, r := range reqs {
		if _, ok := d.inflight[r.UUID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// filterAllocatable returns only plain idle workers. Special workers are
// never handed a request.
func filterAllocatable(workers []*types.Worker) []*types.Worker {
	var ready []*types.Worker
	for _, w := range workers {
		if w.Allocatable() {
			ready = append(ready, w)
		}
	}
	return ready
}
