package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/clock"

	"github.com/cuemby/rackpatch/pkg/health"
)

// Driver names a database/sql driver supported by the store
type Driver string

const (
	DriverMySQL  Driver = "mysql"
	DriverSQLite Driver = "sqlite3"
)

// Defaults for the connection wait loop and statement retries
const (
	DefaultConnectTimeout = 90 * time.Minute
	DefaultRetryInterval  = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 200 * time.Millisecond
)

// ParamMasker transforms request parameters before they are persisted
type ParamMasker interface {
	Mask(params string) (string, error)
}

// ServerProbe reports whether the store server process is still running.
// The executor only recreates a dropped connection when it is.
type ServerProbe interface {
	ServerRunning(ctx context.Context) bool
}

// ServerProbeFunc adapts a function to ServerProbe
type ServerProbeFunc func(ctx context.Context) bool

func (f ServerProbeFunc) ServerRunning(ctx context.Context) bool {
	return f(ctx)
}

// Config holds the store connection settings
type Config struct {
	Driver Driver
	DSN    string

	// ConnectTimeout bounds the connection wait loop
	ConnectTimeout time.Duration

	// RetryInterval is the wait between connection attempts
	RetryInterval time.Duration

	// MaxRetries is the number of statement group retries after the first attempt
	MaxRetries int

	// RetryDelay is the wait between statement group retries
	RetryDelay time.Duration

	// KillSwitchPath stops the connection wait loop while the file exists
	KillSwitchPath string

	MaskParams bool
	Masker     ParamMasker

	// ServerProbe defaults to a TCP probe (mysql) or a file check (sqlite)
	ServerProbe ServerProbe

	Clock clock.Clock
}

func (c Config) withDefaults() (Config, error) {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.Driver != DriverMySQL && c.Driver != DriverSQLite {
		return c, fmt.Errorf("%w: unsupported driver %q", ErrInvalidArgument, c.Driver)
	}
	if c.DSN == "" {
		return c, fmt.Errorf("%w: empty DSN", ErrInvalidArgument)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}

	dsn, err := normalizeDSN(c.Driver, c.DSN)
	if err != nil {
		return c, err
	}
	c.DSN = dsn

	if c.ServerProbe == nil {
		c.ServerProbe = defaultServerProbe(c.Driver, c.DSN)
	}
	return c, nil
}

// normalizeDSN forces the options the store relies on: parsed time values on
// mysql, and immediate (write-locking) transactions on sqlite.
func normalizeDSN(driver Driver, dsn string) (string, error) {
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("%w: invalid mysql DSN: %v", ErrInvalidArgument, err)
		}
		cfg.ParseTime = true
		// Matched rows, not changed rows, so unchanged updates are not misread as missing.
		cfg.ClientFoundRows = true
		return cfg.FormatDSN(), nil
	default:
		opts := []string{"_txlock=immediate", "_busy_timeout=5000"}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		for _, opt := range opts {
			key := opt[:strings.Index(opt, "=")+1]
			if strings.Contains(dsn, key) {
				continue
			}
			dsn += sep + opt
			sep = "&"
		}
		if !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, ":memory:") {
			dsn = "file:" + dsn
		}
		return dsn, nil
	}
}

func defaultServerProbe(driver Driver, dsn string) ServerProbe {
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil || cfg.Net != "tcp" {
			return ServerProbeFunc(func(context.Context) bool { return true })
		}
		checker := health.NewTCPChecker(cfg.Addr).WithTimeout(5 * time.Second)
		return ServerProbeFunc(func(ctx context.Context) bool {
			return checker.Check(ctx).Healthy
		})
	default:
		path := sqlitePath(dsn)
		return ServerProbeFunc(func(context.Context) bool {
			if path == "" || path == ":memory:" {
				return true
			}
			_, err := os.Stat(path)
			return err == nil
		})
	}
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return path
}
