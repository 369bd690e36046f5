package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metrics"
)

// StoreService is the gRPC health service name reporting store reachability
const StoreService = "rackpatch.store"

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the standard gRPC health service. The overall status and
// the StoreService status follow the store ping.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	store  Pinger
	logger zerolog.Logger
}

// NewServer creates the gRPC server
func NewServer(store Pinger) *Server {
	s := &Server{
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(LoggingInterceptor(), ReadOnlyInterceptor()),
			grpc.StreamInterceptor(ReadOnlyStreamInterceptor()),
		),
		health: health.NewServer(),
		store:  store,
		logger: log.WithComponent("api"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.health.Shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Refresh pings the store once and publishes the result
func (s *Server) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if s.store == nil {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Store ping failed")
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "reachable")
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes the serving status every interval until ctx is done
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ticker.C:
			s.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(StoreService, st)
}
