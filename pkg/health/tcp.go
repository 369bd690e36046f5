package health

import (
	"context"
	"net"
	"strconv"
	"time"
)

// TCPChecker dials a fixed address, e.g. the MySQL server behind the store
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

func (c *TCPChecker) Check(ctx context.Context) Result {
	t := startTimer()

	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return t.fail("dial %s: %v", c.Address, err)
	}
	conn.Close()
	return t.ok("%s accepts connections", c.Address)
}

func (c *TCPChecker) Type() CheckType { return CheckTypeTCP }

func (c *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	c.Timeout = timeout
	return c
}

// TCPProber dials the same port on every probed host. The user argument
// is ignored.
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

func NewTCPProber(port int, timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPProber{Port: port, Timeout: timeout}
}

func (p *TCPProber) Probe(ctx context.Context, host, _ string) Result {
	addr := net.JoinHostPort(host, strconv.Itoa(p.Port))
	return (&TCPChecker{Address: addr, Timeout: p.Timeout}).Check(ctx)
}
