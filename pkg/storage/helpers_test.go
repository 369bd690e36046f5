package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// newTestStore opens a schema-initialized SQLite store in a temp dir. The
// store clock is a test clock set to testEpoch unless cfg carries one.
func newTestStore(t *testing.T, mutate ...func(*Config)) *SQLStore {
	t.Helper()

	cfg := Config{
		Driver:         DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "rackpatch.db"),
		ConnectTimeout: time.Second,
		RetryInterval:  10 * time.Millisecond,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		Clock:          testclock.NewClock(testEpoch),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func withWallClock(cfg *Config) {
	cfg.Clock = clock.WallClock
}
