package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"ok", http.StatusOK, true},
		{"redirect range", http.StatusNotModified, true},
		{"unavailable", http.StatusServiceUnavailable, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewReadyChecker(server.Listener.Addr().String()).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, "/ready", path)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestReadyChecker_URL(t *testing.T) {
	assert.Equal(t, "http://host:9090/ready", NewReadyChecker("http://host:9090/").URL)
	assert.Equal(t, "https://host/ready", NewReadyChecker("https://host").URL)
	assert.Equal(t, CheckTypeHTTP, NewReadyChecker("x").Type())
}

func TestReadyChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	result := NewReadyChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	require.NoError(t, ln.Close())
	result = NewTCPChecker(addr).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "dial "+addr)
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	prober := NewTCPProber(port, 0)
	assert.Equal(t, 5*time.Second, prober.Timeout)

	assert.True(t, prober.Probe(context.Background(), "127.0.0.1", "ignored").Healthy)
}

func TestExecChecker(t *testing.T) {
	tests := []struct {
		name     string
		command  []string
		healthy  bool
		contains string
	}{
		{"success", []string{"sh", "-c", "echo up"}, true, "up"},
		{"failure", []string{"sh", "-c", "echo down >&2; exit 3"}, false, "down"},
		{"empty", nil, false, "no command specified"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewExecChecker(tt.command...).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy)
			assert.Contains(t, result.Message, tt.contains)
		})
	}
}

func TestExecChecker_Timeout(t *testing.T) {
	c := NewExecChecker("sleep", "5")
	c.Timeout = 50 * time.Millisecond
	assert.False(t, c.Check(context.Background()).Healthy)
}

func TestClip(t *testing.T) {
	long := make([]rune, maxOutput+10)
	for i := range long {
		long[i] = 'é'
	}
	got := clip([]byte(string(long)))
	assert.Equal(t, maxOutput+3, len([]rune(got)))
	assert.Equal(t, "ok", clip([]byte("  ok\n")))
}

func TestPingProber_MissingBinary(t *testing.T) {
	prober := NewPingProber(time.Second)
	prober.Binary = "/nonexistent/ping"

	result := prober.Probe(context.Background(), "127.0.0.1", "")
	assert.False(t, result.Healthy)
}

func TestProberFunc(t *testing.T) {
	var gotHost, gotUser string
	var p Prober = ProberFunc(func(ctx context.Context, host, user string) Result {
		gotHost, gotUser = host, user
		return Result{Healthy: true}
	})

	assert.True(t, p.Probe(context.Background(), "node1", "patch").Healthy)
	assert.Equal(t, "node1", gotHost)
	assert.Equal(t, "patch", gotUser)
}

func TestNewProber(t *testing.T) {
	sshProber := &SSHProber{}

	tests := []struct {
		method  string
		ssh     *SSHProber
		want    any
		wantErr bool
	}{
		{"", sshProber, sshProber, false},
		{ProbeSSH, sshProber, sshProber, false},
		{ProbeSSH, nil, nil, true},
		{ProbeTCP, nil, &TCPProber{}, false},
		{ProbePing, nil, &PingProber{}, false},
		{"carrier_pigeon", sshProber, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := NewProber(tt.method, tt.ssh, time.Second)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}
