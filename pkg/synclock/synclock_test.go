package synclock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

// memStore keeps sync locks in memory. staleReads makes the next reads
// after a clear still return the previous owner.
type memStore struct {
	mu         sync.Mutex
	locks      map[int]string
	staleReads int
	stale      string
	clears     int
	readErr    error
}

func newMemStore(ports ...int) *memStore {
	m := &memStore{locks: map[int]string{}}
	for _, p := range ports {
		m.locks[p] = types.SyncLockFree
	}
	return m
}

func (m *memStore) SetSyncLockIfFree(_ context.Context, port int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[port]; ok && cur == types.SyncLockFree {
		m.locks[port] = owner
	}
	return nil
}

func (m *memStore) ClearSyncLockIfOwner(_ context.Context, port int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	if m.locks[port] == owner {
		m.stale = owner
		m.locks[port] = types.SyncLockFree
	}
	return nil
}

func (m *memStore) GetSyncLock(_ context.Context, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", m.readErr
	}
	if m.staleReads > 0 && m.stale != "" {
		m.staleReads--
		return m.stale, nil
	}
	cur, ok := m.locks[port]
	if !ok {
		return "", storage.ErrNotFound
	}
	return cur, nil
}

func (m *memStore) ResetSyncLocks(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for p, cur := range m.locks {
		if cur != types.SyncLockFree {
			m.locks[p] = types.SyncLockFree
			n++
		}
	}
	return n, nil
}

func newTestLocker(store Store, pub events.Publisher) *Locker {
	l := New(store, pub)
	l.ReleaseDelay = time.Millisecond
	return l
}

func TestAcquire_InvalidArguments(t *testing.T) {
	tests := []struct {
		name  string
		port  int
		owner string
	}{
		{"zero port", 0, "disp-1"},
		{"negative port", -1, "disp-1"},
		{"empty owner", 5001, ""},
		{"sentinel owner", 5001, types.SyncLockFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(5001)
			l := newTestLocker(store, nil)

			ok, err := l.Acquire(context.Background(), tt.port, tt.owner)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, types.SyncLockFree, store.locks[5001])

			ok, err = l.Release(context.Background(), tt.port, tt.owner)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Zero(t, store.clears)
		})
	}
}

func TestAcquire_SecondOwnerLoses(t *testing.T) {
	store := newMemStore(5001)
	l := newTestLocker(store, nil)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, 5001, "disp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, 5001, "disp-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "disp-1", store.locks[5001])
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name       string
		holder     string
		owner      string
		staleReads int
		want       bool
		wantHolder string
		wantClears int
	}{
		{"owner releases", "disp-1", "disp-1", 0, true, types.SyncLockFree, 1},
		{"other owner is a no-op", "disp-1", "disp-2", 0, false, "disp-1", 0},
		{"free lock is a no-op", types.SyncLockFree, "disp-1", 0, false, types.SyncLockFree, 0},
		{"stale read retried", "disp-1", "disp-1", 1, true, types.SyncLockFree, 2},
		{"still held after every attempt", "disp-1", "disp-1", 10, false, types.SyncLockFree, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(5001)
			store.locks[5001] = tt.holder
			store.staleReads = tt.staleReads
			l := newTestLocker(store, nil)

			ok, err := l.Release(context.Background(), 5001, tt.owner)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantHolder, store.locks[5001])
			assert.Equal(t, tt.wantClears, store.clears)
		})
	}
}

func TestRelease_StoreError(t *testing.T) {
	store := newMemStore(5001)
	store.locks[5001] = "disp-1"
	store.readErr = errors.New("connection refused")
	l := newTestLocker(store, nil)

	ok, err := l.Release(context.Background(), 5001, "disp-1")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestReleaseAll(t *testing.T) {
	store := newMemStore(5001, 5002, 5003)
	store.locks[5001] = "disp-1"
	store.locks[5003] = "disp-2"
	l := newTestLocker(store, nil)

	n, err := l.ReleaseAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	for port, holder := range store.locks {
		assert.Equal(t, types.SyncLockFree, holder, "port %d", port)
	}
}

func TestEventsPublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	l := newTestLocker(newMemStore(5001), broker)
	ctx := context.Background()

	_, err := l.Acquire(ctx, 5001, "disp-1")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, 5001, "disp-2")
	require.NoError(t, err)
	_, err = l.Release(ctx, 5001, "disp-1")
	require.NoError(t, err)

	want := []events.EventType{events.EventLockAcquired, events.EventLockContended, events.EventLockReleased}
	for _, typ := range want {
		select {
		case ev := <-sub:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, events.LockSync, ev.Metadata[events.KeyLock])
			assert.Equal(t, "5001", ev.Metadata[events.KeyPort])
		case <-time.After(time.Second):
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestLocker_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{
		Driver:        storage.DriverSQLite,
		DSN:           filepath.Join(t.TempDir(), "rackpatch.db"),
		RetryInterval: 10 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))

	_, err = store.InsertWorker(ctx, &types.Worker{
		UUID:   types.IdleWorkerUUID,
		Status: types.WorkerStatusIdle,
		Port:   5001,
		Type:   types.WorkerTypeWorker,
		State:  types.WorkerStateNormal,
	})
	require.NoError(t, err)

	p1 := newTestLocker(store, nil)
	p2 := newTestLocker(store, nil)

	ok, err := p1.Acquire(ctx, 5001, "disp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p2.Acquire(ctx, 5001, "disp-2")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := store.GetSyncLock(ctx, 5001)
	require.NoError(t, err)
	assert.Equal(t, "disp-1", holder)

	ok, err = p2.Release(ctx, 5001, "disp-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p1.Release(ctx, 5001, "disp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err = store.GetSyncLock(ctx, 5001)
	require.NoError(t, err)
	assert.Equal(t, types.SyncLockFree, holder)
}

func TestAcquire_ConcurrentOwners(t *testing.T) {
	store := newMemStore(5001)
	l := newTestLocker(store, nil)

	var wg sync.WaitGroup
	wins := make(chan string, 8)
	for _, owner := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if ok, _ := l.Acquire(context.Background(), 5001, owner); ok {
				wins <- owner
			}
		}(owner)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], store.locks[5001])
}
