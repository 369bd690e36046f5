package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/rackpatch/pkg/api"
)

type pinger struct{ err error }

func (p *pinger) Ping(context.Context) error { return p.err }

func startServer(t *testing.T, store *pinger) (*api.Server, string) {
	t.Helper()
	s := api.NewServer(store)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return s, lis.Addr().String()
}

func TestCheck(t *testing.T) {
	store := &pinger{}
	srv, addr := startServer(t, store)

	c, err := NewClient(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	st, err := c.Check(ctx, api.StoreService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	require.True(t, srv.Refresh(ctx))
	ok, err := c.Serving(ctx, api.StoreService)
	require.NoError(t, err)
	assert.True(t, ok)

	store.err = errors.New("gone")
	require.False(t, srv.Refresh(ctx))
	ok, err = c.Serving(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckUnknownService(t *testing.T) {
	_, addr := startServer(t, &pinger{})

	c, err := NewClient(addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Check(context.Background(), "no.such.service")
	assert.Error(t, err)
}

func TestNewClientWithCA(t *testing.T) {
	dir := t.TempDir()

	_, err := NewClientWithCA("127.0.0.1:1", filepath.Join(dir, "missing.pem"))
	assert.ErrorContains(t, err, "failed to read CA certificate")

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0600))
	_, err = NewClientWithCA("127.0.0.1:1", bad)
	assert.ErrorContains(t, err, "no certificates found")
}
