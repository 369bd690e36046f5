package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rackpatch/pkg/availability"
	"github.com/cuemby/rackpatch/pkg/launchnode"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/mask"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Config is the rackpatch configuration file
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Patching   PatchingConfig   `yaml:"patching"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	Log        LogConfig        `yaml:"log"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	API        APIConfig        `yaml:"api"`
}

// StoreConfig configures the coordination store
type StoreConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	KillSwitchPath string        `yaml:"kill_switch_path"`
	MaskParams     bool          `yaml:"mask_params"`
	MaskKey        string        `yaml:"mask_key"`
}

// PatchingConfig configures planning and launch node selection
type PatchingConfig struct {
	DefaultOpStyle   string        `yaml:"default_op_style"`
	HACheckEnabled   bool          `yaml:"ha_check_enabled"`
	ForceLocalLaunch bool          `yaml:"force_local_launch_node"`
	LaunchNodes      string        `yaml:"launch_nodes"`
	ProbeUser        string        `yaml:"probe_user"`
	ProbeMethod      string        `yaml:"probe_method"`
	SSHUser          string        `yaml:"ssh_user"`
	SSHKeyPath       string        `yaml:"ssh_key_path"`
	KnownHostsPath   string        `yaml:"known_hosts_path"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	GuestListCommand string        `yaml:"guest_list_command"`
	CollectTimeStats bool          `yaml:"collect_time_stats"`

	// ToolCommand is a text/template rendering the patch tool command line
	ToolCommand      string        `yaml:"tool_command"`
	ToolCheckCommand string        `yaml:"tool_check_command"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
}

// DispatcherConfig configures the request dispatcher
type DispatcherConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// JanitorConfig configures periodic cleanup
type JanitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ArchiveAfter time.Duration `yaml:"archive_after"`
	PurgeAfter   time.Duration `yaml:"purge_after"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetadataConfig configures the local metadata cache
type MetadataConfig struct {
	DataDir string `yaml:"data_dir"`
}

// APIConfig configures the health endpoints
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:         string(storage.DriverSQLite),
			DSN:            "/var/lib/rackpatch/rackpatch.db",
			ConnectTimeout: storage.DefaultConnectTimeout,
			RetryInterval:  storage.DefaultRetryInterval,
			MaxRetries:     storage.DefaultMaxRetries,
			RetryDelay:     storage.DefaultRetryDelay,
		},
		Patching: PatchingConfig{
			DefaultOpStyle:   string(types.OpStyleRolling),
			HACheckEnabled:   true,
			SSHUser:          "root",
			ProbeUser:        "opc",
			ProbeMethod:      "ssh",
			SSHKeyPath:       "/root/.ssh/id_rsa",
			KnownHostsPath:   "/root/.ssh/known_hosts",
			ProbeTimeout:     10 * time.Second,
			GuestListCommand: availability.DefaultListCommand,
			CollectTimeStats: true,
			ToolCheckCommand: "test -x /opt/patchmgr/patchmgr",
			StepTimeout:      4 * time.Hour,
		},
		Dispatcher: DispatcherConfig{
			Name:         "rackpatch",
			PollInterval: 5 * time.Second,
		},
		Janitor: JanitorConfig{
			Interval:     10 * time.Minute,
			ArchiveAfter: 7 * 24 * time.Hour,
			PurgeAfter:   90 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Metadata: MetadataConfig{
			DataDir: "/var/lib/rackpatch/metadata",
		},
		API: APIConfig{
			HTTPAddr: "127.0.0.1:9090",
			GRPCAddr: "127.0.0.1:9091",
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg and validates the result. Unknown keys are
// rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch storage.Driver(c.Store.Driver) {
	case storage.DriverMySQL, storage.DriverSQLite:
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Store.MaskParams && c.Store.MaskKey == "" {
		return fmt.Errorf("store.mask_key is required when mask_params is set")
	}
	switch types.OpStyle(c.Patching.DefaultOpStyle) {
	case types.OpStyleAuto, types.OpStyleRolling, types.OpStyleNonRolling:
	default:
		return fmt.Errorf("patching.default_op_style: unknown style %q", c.Patching.DefaultOpStyle)
	}
	switch c.Patching.ProbeMethod {
	case "", "ssh", "tcp", "ping":
	default:
		return fmt.Errorf("patching.probe_method: unknown method %q", c.Patching.ProbeMethod)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if c.Patching.StepTimeout < 0 {
		return fmt.Errorf("patching.step_timeout must not be negative")
	}
	if c.Janitor.PurgeAfter > 0 && c.Janitor.PurgeAfter < c.Janitor.ArchiveAfter {
		return fmt.Errorf("janitor.purge_after must not be shorter than archive_after")
	}
	return nil
}

// StorageConfig returns the store settings. The masker is built from the
// mask key when masking is enabled.
func (c *Config) StorageConfig() (storage.Config, error) {
	sc := storage.Config{
		Driver:         storage.Driver(c.Store.Driver),
		DSN:            c.Store.DSN,
		ConnectTimeout: c.Store.ConnectTimeout,
		RetryInterval:  c.Store.RetryInterval,
		MaxRetries:     c.Store.MaxRetries,
		RetryDelay:     c.Store.RetryDelay,
		KillSwitchPath: c.Store.KillSwitchPath,
		MaskParams:     c.Store.MaskParams,
	}
	if c.Store.MaskParams {
		m, err := c.Masker()
		if err != nil {
			return sc, err
		}
		sc.Masker = m
	}
	return sc, nil
}

// Masker returns the param masker, or nil when masking is off
func (c *Config) Masker() (*mask.Masker, error) {
	if !c.Store.MaskParams {
		return nil, nil
	}
	m, err := mask.NewMaskerFromString(c.Store.MaskKey)
	if err != nil {
		return nil, fmt.Errorf("store.mask_key: %w", err)
	}
	return m, nil
}

// LaunchNodeConfig returns the launch node selection settings
func (c *Config) LaunchNodeConfig() launchnode.Config {
	return launchnode.Config{
		ForceLocal:  c.Patching.ForceLocalLaunch,
		LaunchNodes: c.Patching.LaunchNodes,
		ProbeUser:   c.Patching.ProbeUser,
	}
}

// LoggingConfig returns the logging settings
func (c *Config) LoggingConfig() log.Config {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return log.Config{
		Level:      level,
		JSONOutput: c.Log.JSON,
	}
}
