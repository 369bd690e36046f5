package janitor

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

// Defaults
const (
	DefaultInterval     = 10 * time.Minute
	DefaultArchiveAfter = 7 * 24 * time.Hour
	DefaultPurgeAfter   = 90 * 24 * time.Hour
)

// Store is the part of the coordination store the janitor cleans
type Store interface {
	GetRequest(ctx context.Context, uuid string) (*types.Request, error)
	ArchiveRequests(ctx context.Context, endedBefore time.Time) (int64, error)
	PurgeArchivedRequests(ctx context.Context, endedBefore time.Time) (int64, error)
	DeleteOrphanRegistryEntries(ctx context.Context) (int64, error)
	ListOpenTimeStatChildren(ctx context.Context) ([]string, error)
}

// StatsCloser force-closes the open time stats of a request
type StatsCloser interface {
	CloseOpen(ctx context.Context, child string) (int, error)
}

// Metadata is the node metadata of requests
type Metadata interface {
	ListRequests() ([]string, error)
	DeleteRequest(request string) error
}

// Config controls a janitor
type Config struct {
	Interval     time.Duration
	ArchiveAfter time.Duration
	PurgeAfter   time.Duration
	Clock        clock.Clock
}

// Result counts the rows handled in one cycle
type Result struct {
	Archived      int64
	Purged        int64
	Orphans       int64
	StatsClosed   int
	MetadataFreed int
}

// Janitor removes state that no run will come back for
type Janitor struct {
	store  Store
	stats  StatsCloser
	meta   Metadata
	events events.Publisher
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a janitor. stats, meta and pub may be nil.
func New(cfg Config, store Store, stats StatsCloser, meta Metadata, pub events.Publisher) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = DefaultArchiveAfter
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = DefaultPurgeAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Janitor{
		store:  store,
		stats:  stats,
		meta:   meta,
		events: pub,
		cfg:    cfg,
		logger: log.WithComponent("janitor"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the cleanup loop
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)
}

// Stop stops the loop and waits for a running cycle
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

// run is the main cleanup loop
func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	for {
		select {
		case <-j.cfg.Clock.After(j.cfg.Interval):
			if _, err := j.Cycle(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error().Err(err).Msg("Janitor cycle failed")
			}
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle performs one cleanup pass. Every task runs even when an earlier
// one fails; the errors are joined.
func (j *Janitor) Cycle(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JanitorCycleDuration)

	j.mu.Lock()
	defer j.mu.Unlock()

	var res Result
	var errs []error
	now := j.cfg.Clock.Now().UTC()

	// stats first: archiving moves the requests they are checked against
	if j.stats != nil {
		n, err := j.closeStaleStats(ctx)
		res.StatsClosed = n
		errs = append(errs, err)
	}

	n, err := j.store.ArchiveRequests(ctx, now.Add(-j.cfg.ArchiveAfter))
	res.Archived = n
	errs = append(errs, wrap("archive requests", err))

	n, err = j.store.PurgeArchivedRequests(ctx, now.Add(-j.cfg.PurgeAfter))
	res.Purged = n
	errs = append(errs, wrap("purge archived requests", err))

	n, err = j.store.DeleteOrphanRegistryEntries(ctx)
	res.Orphans = n
	errs = append(errs, wrap("delete orphan registry entries", err))

	if j.meta != nil {
		freed, err := j.freeMetadata(ctx)
		res.MetadataFreed = freed
		errs = append(errs, err)
	}

	metrics.JanitorRowsTotal.WithLabelValues("archived").Add(float64(res.Archived))
	metrics.JanitorRowsTotal.WithLabelValues("purged").Add(float64(res.Purged))
	metrics.JanitorRowsTotal.WithLabelValues("orphans").Add(float64(res.Orphans))
	metrics.JanitorRowsTotal.WithLabelValues("stats_closed").Add(float64(res.StatsClosed))
	metrics.JanitorRowsTotal.WithLabelValues("metadata_freed").Add(float64(res.MetadataFreed))

	err = errors.Join(errs...)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentJanitor, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentJanitor, true, "cleaning")
	}
	j.logger.Info().
		Int64("archived", res.Archived).
		Int64("purged", res.Purged).
		Int64("orphans", res.Orphans).
		Int("stats_closed", res.StatsClosed).
		Int("metadata_freed", res.MetadataFreed).
		Dur("duration", timer.Duration()).
		Msg("Janitor cycle completed")

	if j.events != nil {
		j.events.Publish(events.New(events.EventJanitorCycle, "janitor cycle completed",
			"archived", strconv.FormatInt(res.Archived, 10),
			"purged", strconv.FormatInt(res.Purged, 10),
		))
	}
	return res, err
}

// closeStaleStats closes time stats left open by requests that are no
// longer running
func (j *Janitor) closeStaleStats(ctx context.Context) (int, error) {
	children, err := j.store.ListOpenTimeStatChildren(ctx)
	if err != nil {
		return 0, wrap("list open time stats", err)
	}
	closed := 0
	for _, child := range children {
		n, err := j.stats.CloseOpen(ctx, child)
		if err != nil {
			return closed, wrap("close time stats of "+child, err)
		}
		closed += n
	}
	return closed, nil
}

// freeMetadata deletes node metadata of requests that left the requests
// table
func (j *Janitor) freeMetadata(ctx context.Context) (int, error) {
	requests, err := j.meta.ListRequests()
	if err != nil {
		return 0, wrap("list metadata", err)
	}
	freed := 0
	for _, uuid := range requests {
		_, err := j.store.GetRequest(ctx, uuid)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return freed, wrap("look up request "+uuid, err)
		}
		if err := j.meta.DeleteRequest(uuid); err != nil {
			return freed, wrap("delete metadata of "+uuid, err)
		}
		freed++
	}
	return freed, nil
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}
