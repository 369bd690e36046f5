package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHProber checks that a host accepts key-based logins and runs a command
type SSHProber struct {
	// DefaultUser is used when Probe is called without a user
	DefaultUser string

	// Port defaults to 22
	Port int

	// Signer authenticates the login
	Signer ssh.Signer

	// HostKeyCallback verifies host keys. Defaults to the known_hosts file
	// given to NewSSHProber.
	HostKeyCallback ssh.HostKeyCallback

	// Command is run after login (default: "true")
	Command string

	Timeout time.Duration
}

// NewSSHProber loads the private key at keyPath and the host keys at
// knownHostsPath
func NewSSHProber(defaultUser, keyPath, knownHostsPath string, timeout time.Duration) (*SSHProber, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	hostKeys, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSHProber{
		DefaultUser:     defaultUser,
		Port:            22,
		Signer:          signer,
		HostKeyCallback: hostKeys,
		Command:         "true",
		Timeout:         timeout,
	}, nil
}

// dial logs in to host as user
func (p *SSHProber) dial(ctx context.Context, host, user string) (*ssh.Client, error) {
	if user == "" {
		user = p.DefaultUser
	}
	port := p.Port
	if port == 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(p.Signer)},
		HostKeyCallback: p.HostKeyCallback,
		Timeout:         p.Timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := (&net.Dialer{Timeout: p.Timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh login as %s failed: %w", user, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Probe logs in to host as user and runs the probe command
func (p *SSHProber) Probe(ctx context.Context, host, user string) Result {
	t := startTimer()

	if user == "" {
		user = p.DefaultUser
	}
	command := p.Command
	if command == "" {
		command = "true"
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	client, err := p.dial(ctx, host, user)
	if err != nil {
		return t.fail("%v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return t.fail("ssh session failed: %v", err)
	}
	defer session.Close()

	if err := session.Run(command); err != nil {
		return t.fail("probe command %q failed: %v", command, err)
	}

	return t.ok("ssh %s@%s successful", user, host)
}

// RunCommand runs cmd on host as the default user and returns its exit
// code and output. A non-zero exit is not an error; err reports only
// failures to connect or start the command.
func (p *SSHProber) RunCommand(ctx context.Context, host, cmd string) (int, string, string, error) {
	client, err := p.dial(ctx, host, "")
	if err != nil {
		return -1, "", "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return -1, stdout.String(), stderr.String(), ctx.Err()
	case err = <-done:
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return 0, stdout.String(), stderr.String(), nil
	case errors.As(err, &exitErr):
		return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
	default:
		return -1, stdout.String(), stderr.String(), fmt.Errorf("command %q failed: %w", cmd, err)
	}
}

// Type returns the health check type
func (p *SSHProber) Type() CheckType {
	return CheckTypeSSH
}
