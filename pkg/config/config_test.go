package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/mask"
	"github.com/cuemby/rackpatch/pkg/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rackpatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, storage.DefaultConnectTimeout, cfg.Store.ConnectTimeout)
	assert.True(t, cfg.Patching.HACheckEnabled)
	assert.Equal(t, "rolling", cfg.Patching.DefaultOpStyle)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.PollInterval)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: mysql
  dsn: rackpatch:secret@tcp(db:3306)/rackpatch
  connect_timeout: 5m
  max_retries: 5
patching:
  default_op_style: non-rolling
  launch_nodes: mgmt-1, mgmt-2
  ha_check_enabled: false
dispatcher:
  poll_interval: 2s
log:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Store.ConnectTimeout)
	assert.Equal(t, 5, cfg.Store.MaxRetries)
	assert.Equal(t, storage.DefaultRetryInterval, cfg.Store.RetryInterval, "unset keys keep defaults")
	assert.Equal(t, "non-rolling", cfg.Patching.DefaultOpStyle)
	assert.False(t, cfg.Patching.HACheckEnabled)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)

	lc := cfg.LoggingConfig()
	assert.Equal(t, log.DebugLevel, lc.Level)
	assert.True(t, lc.JSONOutput)

	ln := cfg.LaunchNodeConfig()
	assert.Equal(t, "mgmt-1, mgmt-2", ln.LaunchNodes)
	assert.Equal(t, "opc", ln.ProbeUser)
	assert.True(t, ln.External())
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"unknown key", "store:\n  drvier: mysql\n", "drvier"},
		{"bad driver", "store:\n  driver: postgres\n", "unsupported driver"},
		{"empty dsn", "store:\n  dsn: \"\"\n", "store.dsn"},
		{"bad style", "patching:\n  default_op_style: sideways\n", "unknown style"},
		{"bad level", "log:\n  level: loud\n", "unknown level"},
		{"bad probe", "patching:\n  probe_method: carrier_pigeon\n", "probe_method"},
		{"bad duration", "dispatcher:\n  poll_interval: soon\n", "failed to parse config"},
		{"zero poll", "dispatcher:\n  poll_interval: 0s\n", "poll_interval"},
		{"mask without key", "store:\n  mask_params: true\n", "mask_key"},
		{"purge before archive", "janitor:\n  archive_after: 48h\n  purge_after: 24h\n", "purge_after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStorageConfig(t *testing.T) {
	cfg := Default()
	cfg.Store.KillSwitchPath = "/tmp/stop"

	sc, err := cfg.StorageConfig()
	require.NoError(t, err)
	assert.Equal(t, storage.DriverSQLite, sc.Driver)
	assert.Equal(t, "/tmp/stop", sc.KillSwitchPath)
	assert.Nil(t, sc.Masker)

	cfg.Store.MaskParams = true
	cfg.Store.MaskKey = "passphrase"
	sc, err = cfg.StorageConfig()
	require.NoError(t, err)
	require.NotNil(t, sc.Masker)

	masked, err := sc.Masker.Mask("params")
	require.NoError(t, err)
	assert.True(t, mask.IsMasked(masked))
}
