package log

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. It discards everything until Init runs.
var Logger zerolog.Logger

// Level is a log level name as it appears in the config file
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Field names shared by every rackpatch log line
const (
	FieldComponent = "component"
	FieldRequest   = "request_id"
	FieldPort      = "worker_port"
	FieldFabric    = "fabric_id"
	FieldCluster   = "cluster"
)

// ParseLevel validates s. An empty string is InfoLevel.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return InfoLevel, nil
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return l, nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool

	// Output defaults to stdout
	Output io.Writer
}

// Init replaces the process logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger for a long-lived component
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str(FieldComponent, component).Logger()
}

// WithRequestID creates a child logger for one request
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str(FieldRequest, requestID).Logger()
}

// WithWorkerPort creates a child logger for one worker slot
func WithWorkerPort(port int) zerolog.Logger {
	return Logger.With().Str(FieldPort, strconv.Itoa(port)).Logger()
}

// WithFabricID creates a child logger for one switch fabric
func WithFabricID(fabricID int64) zerolog.Logger {
	return Logger.With().Int64(FieldFabric, fabricID).Logger()
}

// WithRun creates a child logger for a request running on a cluster
func WithRun(requestID, cluster string) zerolog.Logger {
	return Logger.With().Str(FieldRequest, requestID).Str(FieldCluster, cluster).Logger()
}
