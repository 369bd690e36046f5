package fabric

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, storage.Config{
		Driver:        storage.DriverSQLite,
		DSN:           filepath.Join(t.TempDir(), "rackpatch.db"),
		RetryInterval: 10 * time.Millisecond,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func newTestManager(store Store) *Manager {
	m := NewManager(store, nil)
	m.Delay = time.Millisecond
	return m
}

func TestHash(t *testing.T) {
	a := Hash([]string{"sw-iba01", "sw-ibb01", "sw-ibs01"})
	b := Hash([]string{" sw-ibs01", "sw-iba01", "sw-ibb01", "sw-iba01", ""})

	assert.Equal(t, a, b)
	assert.True(t, storage.ValidFabricHash(a))
	assert.NotEqual(t, a, Hash([]string{"sw-iba01"}))
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := newTestManager(store)

	switches := []string{"sw-ibb01", "sw-iba01"}
	f, result, err := m.Register(ctx, switches)
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, result)
	assert.Equal(t, Hash(switches), f.Hash)
	assert.Equal(t, types.LockedForNone, f.LockedFor)
	assert.Zero(t, f.LockCount)

	names, err := m.Switches(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sw-iba01", "sw-ibb01"}, names)

	ok, err := m.Lock(ctx, f.ID, "clu1", types.LockedForNonIBSwitch)
	require.NoError(t, err)
	require.True(t, ok)

	again, result, err := m.Register(ctx, []string{"sw-iba01", "sw-ibb01"})
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, result)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, 1, again.LockCount, "duplicate registration must not reset the row")

	byHash, err := m.GetByHash(ctx, f.Hash)
	require.NoError(t, err)
	assert.Equal(t, f.ID, byHash.ID)

	_, _, err = m.Register(ctx, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = m.GetByHash(ctx, "ABC")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestSwitchScenario(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := newTestManager(store)

	f, _, err := m.Register(ctx, []string{"sw-iba01"})
	require.NoError(t, err)

	ok, err := m.Lock(ctx, f.ID, "A", types.LockedForIBSwitch)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockedForIBSwitch, got.LockedFor)
	assert.Equal(t, 1, got.LockCount)
	assert.Equal(t, []string{"A"}, got.BusyClusters)

	ok, err = m.Lock(ctx, f.ID, "B", types.LockedForNonIBSwitch)
	require.NoError(t, err)
	assert.False(t, ok)

	unchanged, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, got, unchanged)

	ok, err = m.Unlock(ctx, f.ID, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockedForNone, got.LockedFor)
	assert.Zero(t, got.LockCount)
	assert.Empty(t, got.BusyClusters)
}

func TestSharedNonSwitchLocks(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newTestStore(t))

	f, _, err := m.Register(ctx, []string{"sw-iba01"})
	require.NoError(t, err)

	for _, c := range []string{"A", "B", "C"} {
		ok, err := m.Lock(ctx, f.ID, c, types.LockedForNonIBSwitch)
		require.NoError(t, err)
		assert.True(t, ok, c)
	}

	ok, err := m.Lock(ctx, f.ID, "D", types.LockedForIBSwitch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Unlock(ctx, f.ID, "Z")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Unlock(ctx, f.ID, "B")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, got.BusyClusters)
	assert.Equal(t, 2, got.LockCount)
	assert.Equal(t, types.LockedForNonIBSwitch, got.LockedFor)
}

func TestLock_MissingFabricFailsClosed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newTestStore(t))

	ok, err := m.Lock(ctx, 42, "A", types.LockedForNonIBSwitch)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Unlock(ctx, 42, "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLock_InvalidArguments(t *testing.T) {
	m := newTestManager(newTestStore(t))

	_, err := m.Lock(context.Background(), 1, "", types.LockedForIBSwitch)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = m.Lock(context.Background(), 1, "A", types.LockedForNone)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = m.Unlock(context.Background(), 1, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestLock_RejectsWhitespaceClusters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newTestStore(t))
	entry, _, err := m.Register(ctx, []string{"sw-1"})
	require.NoError(t, err)

	for _, cluster := range []string{"exa cluster", "exa\tcluster", " exa", "exa\n"} {
		t.Run(cluster, func(t *testing.T) {
			_, err := m.Lock(ctx, entry.ID, cluster, types.LockedForNonIBSwitch)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)

			_, err = m.Unlock(ctx, entry.ID, cluster)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)

			_, err = m.AttachCluster(ctx, entry.ID, cluster)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		})
	}

	got, err := m.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.LockCount)
	assert.Empty(t, got.BusyClusters)
	assert.Equal(t, types.LockedForNone, got.LockedFor)
}

func TestClusterMappingAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := newTestManager(store)

	f, _, err := m.Register(ctx, []string{"sw-iba01", "sw-ibb01"})
	require.NoError(t, err)

	result, err := m.AttachCluster(ctx, f.ID, "clu1")
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, result)

	result, err = m.AttachCluster(ctx, f.ID, "clu1")
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, result)

	_, err = m.AttachCluster(ctx, f.ID+100, "clu2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	id, err := m.FabricForCluster(ctx, "clu1")
	require.NoError(t, err)
	assert.Equal(t, f.ID, id)

	require.NoError(t, m.SetDoSwitch(ctx, f.ID, true))
	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.DoSwitch)

	require.NoError(t, m.Cleanup(ctx))

	fabrics, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, fabrics)

	_, err = m.FabricForCluster(ctx, "clu1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// flakyStore fails ModifyFabric a number of times before delegating
type flakyStore struct {
	Store
	failures int
	err      error
	reads    int
}

func (f *flakyStore) ModifyFabric(ctx context.Context, id int64, fn func(*types.FabricEntry) bool) (bool, bool, error) {
	f.reads++
	if f.failures > 0 {
		f.failures--
		return false, false, f.err
	}
	return f.Store.ModifyFabric(ctx, id, fn)
}

func TestLock_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	f, _, err := newTestManager(base).Register(ctx, []string{"sw-iba01"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		failures  int
		err       error
		wantOK    bool
		wantErr   bool
		wantReads int
	}{
		{"recovers after two failures", 2, errors.New("connection reset"), true, false, 3},
		{"gives up after three attempts", 3, errors.New("connection reset"), false, true, 3},
		{"fatal error not retried", 1, storage.ErrInvalidArgument, false, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := &flakyStore{Store: base, failures: tt.failures, err: tt.err}
			m := newTestManager(flaky)

			ok, err := m.Lock(ctx, f.ID, "A", types.LockedForNonIBSwitch)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReads, flaky.reads)

			if ok {
				released, err := m.Unlock(ctx, f.ID, "A")
				require.NoError(t, err)
				assert.True(t, released)
			}
		})
	}
}
