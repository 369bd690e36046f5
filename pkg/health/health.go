package health

import (
	"context"
	"fmt"
	"time"
)

// CheckType names how a check reaches its target
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
	CheckTypeSSH  CheckType = "ssh"
)

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// timer stamps results with the time the check started
type timer time.Time

func startTimer() timer { return timer(time.Now()) }

func (t timer) ok(format string, args ...any) Result {
	return t.result(true, format, args...)
}

func (t timer) fail(format string, args ...any) Result {
	return t.result(false, format, args...)
}

func (t timer) result(healthy bool, format string, args ...any) Result {
	start := time.Time(t)
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Checker checks one fixed target
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Prober checks whether a remote host is reachable, optionally as a given
// user. An empty user means the prober's default.
type Prober interface {
	Probe(ctx context.Context, host, user string) Result
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, host, user string) Result

func (f ProberFunc) Probe(ctx context.Context, host, user string) Result {
	return f(ctx, host, user)
}

// Probe methods accepted by NewProber
const (
	ProbeSSH  = "ssh"
	ProbeTCP  = "tcp"
	ProbePing = "ping"
)

// NewProber returns the launch node prober for method. The ssh method
// reuses sshProber; tcp dials the ssh port without logging in.
func NewProber(method string, sshProber *SSHProber, timeout time.Duration) (Prober, error) {
	switch method {
	case "", ProbeSSH:
		if sshProber == nil {
			return nil, fmt.Errorf("ssh probe requires ssh credentials")
		}
		return sshProber, nil
	case ProbeTCP:
		return NewTCPProber(22, timeout), nil
	case ProbePing:
		return NewPingProber(timeout), nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}
