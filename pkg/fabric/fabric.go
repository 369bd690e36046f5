package fabric

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/retry"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Defaults for lock retries on transient store errors
const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// Store is the subset of the coordination store used by the manager
type Store interface {
	InsertFabric(ctx context.Context, hash string) (*types.FabricEntry, storage.InsertResult, error)
	GetFabric(ctx context.Context, id int64) (*types.FabricEntry, error)
	GetFabricByHash(ctx context.Context, hash string) (*types.FabricEntry, error)
	ListFabrics(ctx context.Context) ([]*types.FabricEntry, error)
	ModifyFabric(ctx context.Context, id int64, fn func(f *types.FabricEntry) bool) (found bool, applied bool, err error)
	SetFabricDoSwitch(ctx context.Context, id int64, doSwitch bool) error
	AttachClusterToFabric(ctx context.Context, fabricID int64, cluster string) (storage.InsertResult, error)
	FabricIDForCluster(ctx context.Context, cluster string) (int64, error)
	AttachSwitchToFabric(ctx context.Context, fabricID int64, switchName string) (storage.InsertResult, error)
	ListFabricSwitches(ctx context.Context, fabricID int64) ([]string, error)
	CleanupFabricTables(ctx context.Context) error
}

// Manager owns the fabric lock rows
type Manager struct {
	store  Store
	events events.Publisher
	logger zerolog.Logger

	// Attempts and Delay bound the read-modify-write retries of Lock and Unlock
	Attempts int
	Delay    time.Duration
	Clock    clock.Clock
}

// NewManager creates a fabric manager. pub may be nil.
func NewManager(store Store, pub events.Publisher) *Manager {
	return &Manager{
		store:    store,
		events:   pub,
		logger:   log.WithComponent("fabric"),
		Attempts: DefaultAttempts,
		Delay:    DefaultDelay,
		Clock:    clock.WallClock,
	}
}

// Hash returns the registration hash of a switch inventory: the sha512 of
// the sorted, de-duplicated switch names, one per line
func Hash(switches []string) string {
	names := normalize(switches)
	sum := sha512.Sum512([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}

func normalize(switches []string) []string {
	seen := make(map[string]struct{}, len(switches))
	names := make([]string, 0, len(switches))
	for _, s := range switches {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// Register creates the lock row of the fabric made of switches and maps
// each switch to it. Registering the same inventory again returns the
// existing row with AlreadyExists.
func (m *Manager) Register(ctx context.Context, switches []string) (*types.FabricEntry, storage.InsertResult, error) {
	names := normalize(switches)
	if len(names) == 0 {
		return nil, 0, fmt.Errorf("%w: empty switch inventory", storage.ErrInvalidArgument)
	}

	entry, result, err := m.store.InsertFabric(ctx, Hash(names))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to register fabric: %w", err)
	}
	if result == storage.AlreadyExists {
		m.logger.Info().Int64("fabric_id", entry.ID).Msg("Fabric already registered")
		return entry, result, nil
	}

	if err := m.AttachSwitches(ctx, entry.ID, names); err != nil {
		return entry, result, err
	}
	m.logger.Info().
		Int64("fabric_id", entry.ID).
		Int("switches", len(names)).
		Msg("Fabric registered")
	return entry, result, nil
}

// checkCluster rejects ids that would not survive the space separated busy
// cluster list
func checkCluster(cluster string) error {
	if cluster == "" {
		return fmt.Errorf("%w: cluster is required", storage.ErrInvalidArgument)
	}
	if strings.IndexFunc(cluster, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: cluster %q contains whitespace", storage.ErrInvalidArgument, cluster)
	}
	return nil
}

// Lock grants cluster a share of the fabric for kind. It reports false
// when the fabric is busy in a conflicting way or does not exist.
func (m *Manager) Lock(ctx context.Context, fabricID int64, cluster string, kind types.LockedFor) (bool, error) {
	if err := checkCluster(cluster); err != nil {
		return false, err
	}
	if kind != types.LockedForIBSwitch && kind != types.LockedForNonIBSwitch {
		return false, fmt.Errorf("%w: cannot lock fabric for %q", storage.ErrInvalidArgument, kind)
	}

	logger := log.WithFabricID(fabricID).With().Str("cluster", cluster).Str("kind", string(kind)).Logger()

	var holders []string
	var holderKind types.LockedFor
	granted, err := m.modify(ctx, fabricID, logger, func(f *types.FabricEntry) bool {
		holders = append([]string(nil), f.BusyClusters...)
		holderKind = f.LockedFor
		return grantLock(f, cluster, kind)
	})
	if err != nil {
		return false, err
	}

	if !granted {
		logger.Info().
			Strs("holders", holders).
			Str("locked_for", string(holderKind)).
			Msg("Fabric lock contended")
		m.publish(events.EventLockContended, fabricID, cluster)
		return false, nil
	}

	logger.Info().Msg("Fabric lock acquired")
	m.publish(events.EventLockAcquired, fabricID, cluster)
	return true, nil
}

// Unlock releases the share of cluster. It reports false when cluster does
// not hold the fabric or the fabric does not exist.
func (m *Manager) Unlock(ctx context.Context, fabricID int64, cluster string) (bool, error) {
	if err := checkCluster(cluster); err != nil {
		return false, err
	}

	logger := log.WithFabricID(fabricID).With().Str("cluster", cluster).Logger()

	released, err := m.modify(ctx, fabricID, logger, func(f *types.FabricEntry) bool {
		return grantUnlock(f, cluster)
	})
	if err != nil {
		return false, err
	}
	if !released {
		logger.Warn().Msg("Cluster does not hold the fabric lock")
		return false, nil
	}

	logger.Info().Msg("Fabric lock released")
	m.publish(events.EventLockReleased, fabricID, cluster)
	return true, nil
}

// modify runs one read-modify-write of the fabric row per attempt. Every
// retry redoes the read, so decisions never rest on stale state.
func (m *Manager) modify(ctx context.Context, fabricID int64, logger zerolog.Logger, decide func(f *types.FabricEntry) bool) (bool, error) {
	ctx = storage.WithoutRetry(ctx)

	var found, applied bool
	err := retry.Do(ctx, retry.Policy{
		Attempts: m.Attempts,
		Delay:    m.Delay,
		Clock:    m.Clock,
		IsFatal: func(err error) bool {
			return !storage.IsTransient(err)
		},
		Notify: func(err error, attempt int) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Fabric update failed, retrying")
		},
	}, func(int) error {
		var err error
		found, applied, err = m.store.ModifyFabric(ctx, fabricID, decide)
		return err
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		return false, fmt.Errorf("failed to update fabric %d: %w", fabricID, err)
	}

	if !found {
		logger.Error().Msg("Fabric not found")
		return false, nil
	}
	return applied, nil
}

// SetDoSwitch records whether a switch-level operation is pending on the fabric
func (m *Manager) SetDoSwitch(ctx context.Context, fabricID int64, doSwitch bool) error {
	if err := m.store.SetFabricDoSwitch(ctx, fabricID, doSwitch); err != nil {
		return fmt.Errorf("failed to set do_switch on fabric %d: %w", fabricID, err)
	}
	return nil
}

// Get returns the fabric row with the given id
func (m *Manager) Get(ctx context.Context, fabricID int64) (*types.FabricEntry, error) {
	return m.store.GetFabric(ctx, fabricID)
}

// GetByHash returns the fabric registered for hash
func (m *Manager) GetByHash(ctx context.Context, hash string) (*types.FabricEntry, error) {
	if !storage.ValidFabricHash(hash) {
		return nil, fmt.Errorf("%w: fabric hash must be 128 lower-case hex chars", storage.ErrInvalidArgument)
	}
	return m.store.GetFabricByHash(ctx, hash)
}

// List returns every registered fabric
func (m *Manager) List(ctx context.Context) ([]*types.FabricEntry, error) {
	return m.store.ListFabrics(ctx)
}

// AttachCluster maps cluster to the fabric. A cluster belongs to one fabric;
// attaching it again reports AlreadyExists.
func (m *Manager) AttachCluster(ctx context.Context, fabricID int64, cluster string) (storage.InsertResult, error) {
	if err := checkCluster(cluster); err != nil {
		return 0, err
	}
	if _, err := m.store.GetFabric(ctx, fabricID); err != nil {
		return 0, err
	}
	return m.store.AttachClusterToFabric(ctx, fabricID, cluster)
}

// FabricForCluster returns the id of the fabric cluster is attached to
func (m *Manager) FabricForCluster(ctx context.Context, cluster string) (int64, error) {
	return m.store.FabricIDForCluster(ctx, cluster)
}

// AttachSwitches maps every named switch to the fabric
func (m *Manager) AttachSwitches(ctx context.Context, fabricID int64, names []string) error {
	for _, name := range normalize(names) {
		result, err := m.store.AttachSwitchToFabric(ctx, fabricID, name)
		if err != nil {
			return fmt.Errorf("failed to attach switch %s: %w", name, err)
		}
		if result == storage.AlreadyExists {
			m.logger.Debug().Str("switch", name).Msg("Switch already attached")
		}
	}
	return nil
}

// Switches returns the switch names mapped to the fabric
func (m *Manager) Switches(ctx context.Context, fabricID int64) ([]string, error) {
	return m.store.ListFabricSwitches(ctx, fabricID)
}

// Cleanup deletes every fabric, mapping and cluster operation row
func (m *Manager) Cleanup(ctx context.Context) error {
	if err := m.store.CleanupFabricTables(ctx); err != nil {
		return fmt.Errorf("failed to clean up fabric tables: %w", err)
	}
	m.logger.Warn().Msg("Fabric tables cleaned up")
	return nil
}

func (m *Manager) publish(t events.EventType, fabricID int64, cluster string) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.New(t, "fabric lock "+string(t),
		events.KeyLock, events.LockFabric,
		events.KeyOwner, cluster,
		"fabric", strconv.FormatInt(fabricID, 10),
	))
}
