package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/cuemby/rackpatch/pkg/log"
)

// servedMethods are the only RPCs the API answers. Everything that changes
// coordination state goes through the CLI against the store.
var servedMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_List_FullMethodName:  true,
	healthpb.Health_Watch_FullMethodName: true,
}

// LoggingInterceptor logs unary calls at debug level, failed ones at warn
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).
			Stringer("code", status.Code(err)).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// ReadOnlyInterceptor answers PermissionDenied for any unary method outside
// the health service
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !servedMethods[info.FullMethod] {
			return nil, status.Errorf(codes.PermissionDenied, "%s is not served, use the rackpatch CLI", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// ReadOnlyStreamInterceptor is ReadOnlyInterceptor for streams (health Watch)
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !servedMethods[info.FullMethod] {
			return status.Errorf(codes.PermissionDenied, "%s is not served, use the rackpatch CLI", info.FullMethod)
		}
		return handler(srv, ss)
	}
}
