package synclock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/retry"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Defaults for release verification
const (
	DefaultReleaseAttempts = 3
	DefaultReleaseDelay    = time.Second
)

// errStillHeld marks a release whose verifying read still saw the owner
var errStillHeld = errors.New("sync lock still held")

// Store is the subset of the coordination store used by the locker
type Store interface {
	SetSyncLockIfFree(ctx context.Context, port int, owner string) error
	ClearSyncLockIfOwner(ctx context.Context, port int, owner string) error
	GetSyncLock(ctx context.Context, port int) (string, error)
	ResetSyncLocks(ctx context.Context) (int64, error)
}

// Locker grants per-port worker sync locks stored in the workers table
type Locker struct {
	store  Store
	events events.Publisher
	logger zerolog.Logger

	// ReleaseAttempts and ReleaseDelay bound the verify loop of Release
	ReleaseAttempts int
	ReleaseDelay    time.Duration
	Clock           clock.Clock
}

// New creates a locker. pub may be nil.
func New(store Store, pub events.Publisher) *Locker {
	return &Locker{
		store:           store,
		events:          pub,
		logger:          log.WithComponent("synclock"),
		ReleaseAttempts: DefaultReleaseAttempts,
		ReleaseDelay:    DefaultReleaseDelay,
		Clock:           clock.WallClock,
	}
}

func valid(port int, owner string) bool {
	return port > 0 && owner != "" && owner != types.SyncLockFree
}

// Acquire takes the sync lock of port for owner. It reports true only when
// the re-read value equals owner, so two racing acquirers never both win.
func (l *Locker) Acquire(ctx context.Context, port int, owner string) (bool, error) {
	if !valid(port, owner) {
		return false, nil
	}

	if err := l.store.SetSyncLockIfFree(ctx, port, owner); err != nil {
		return false, fmt.Errorf("failed to set sync lock on port %d: %w", port, err)
	}
	current, err := l.store.GetSyncLock(ctx, port)
	if err != nil {
		return false, fmt.Errorf("failed to read sync lock on port %d: %w", port, err)
	}

	if current != owner {
		l.logger.Debug().
			Int("port", port).
			Str("owner", owner).
			Str("holder", current).
			Msg("Sync lock held by another owner")
		l.publish(events.EventLockContended, port, owner)
		return false, nil
	}

	l.logger.Debug().Int("port", port).Str("owner", owner).Msg("Sync lock acquired")
	l.publish(events.EventLockAcquired, port, owner)
	return true, nil
}

// Release frees the sync lock of port held by owner. It returns false
// without touching the row when another owner holds it, and false with an
// error log when the lock is still held after every verification attempt.
func (l *Locker) Release(ctx context.Context, port int, owner string) (bool, error) {
	if !valid(port, owner) {
		return false, nil
	}

	current, err := l.store.GetSyncLock(ctx, port)
	if err != nil {
		return false, fmt.Errorf("failed to read sync lock on port %d: %w", port, err)
	}
	if current != owner {
		l.logger.Warn().
			Int("port", port).
			Str("owner", owner).
			Str("holder", current).
			Msg("Not releasing sync lock owned by another holder")
		return false, nil
	}

	err = retry.Do(ctx, retry.Policy{
		Attempts: l.ReleaseAttempts,
		Delay:    l.ReleaseDelay,
		Clock:    l.Clock,
		IsFatal: func(err error) bool {
			return !errors.Is(err, errStillHeld)
		},
		Notify: func(err error, attempt int) {
			l.logger.Warn().
				Int("port", port).
				Str("owner", owner).
				Int("attempt", attempt).
				Msg("Sync lock release not visible yet, retrying")
		},
	}, func(int) error {
		if err := l.store.ClearSyncLockIfOwner(ctx, port, owner); err != nil {
			return err
		}
		current, err := l.store.GetSyncLock(ctx, port)
		if err != nil {
			return err
		}
		if current == owner {
			return errStillHeld
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, errStillHeld) {
			l.logger.Error().
				Int("port", port).
				Str("owner", owner).
				Msg("Failed to release sync lock")
			return false, nil
		}
		return false, fmt.Errorf("failed to release sync lock on port %d: %w", port, err)
	}

	l.logger.Debug().Int("port", port).Str("owner", owner).Msg("Sync lock released")
	l.publish(events.EventLockReleased, port, owner)
	return true, nil
}

// ReleaseAll frees every sync lock. It is meant for process startup, to heal
// locks left behind by a crashed holder.
func (l *Locker) ReleaseAll(ctx context.Context) (int64, error) {
	n, err := l.store.ResetSyncLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset sync locks: %w", err)
	}
	if n > 0 {
		l.logger.Info().Int64("count", n).Msg("Released orphaned sync locks")
	}
	return n, nil
}

func (l *Locker) publish(t events.EventType, port int, owner string) {
	if l.events == nil {
		return
	}
	l.events.Publish(events.New(t, "sync lock "+string(t),
		events.KeyLock, events.LockSync,
		events.KeyPort, strconv.Itoa(port),
		events.KeyOwner, owner,
	))
}
