package health

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const maxOutput = 100

// ExecChecker runs a local command and is healthy on exit status 0
type ExecChecker struct {
	Command []string
	Timeout time.Duration
}

func NewExecChecker(command ...string) *ExecChecker {
	return &ExecChecker{Command: command, Timeout: 10 * time.Second}
}

func (e *ExecChecker) Check(ctx context.Context) Result {
	t := startTimer()
	if len(e.Command) == 0 {
		return t.fail("no command specified")
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...).CombinedOutput()
	name := strings.Join(e.Command, " ")
	if err != nil {
		return t.fail("%s: %v %s", name, err, clip(out))
	}
	return t.ok("%s: %s", name, clip(out))
}

func (e *ExecChecker) Type() CheckType { return CheckTypeExec }

func clip(out []byte) string {
	s := strings.TrimSpace(string(out))
	if r := []rune(s); len(r) > maxOutput {
		return string(r[:maxOutput]) + "..."
	}
	return s
}

// PingProber sends one ICMP echo through the system ping binary. The user
// argument is ignored.
type PingProber struct {
	Binary  string
	Timeout time.Duration
}

func NewPingProber(timeout time.Duration) *PingProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PingProber{Binary: "ping", Timeout: timeout}
}

func (p *PingProber) Probe(ctx context.Context, host, _ string) Result {
	wait := max(int(p.Timeout/time.Second), 1)
	c := NewExecChecker(p.Binary, "-c", "1", "-W", strconv.Itoa(wait), host)
	c.Timeout = p.Timeout + time.Second
	return c.Check(ctx)
}
