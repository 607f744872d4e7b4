package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthServer implements grpc.health.v1.Health on top of the readiness probe
// used by /readyz. The empty service name and "lexdesk" are both known.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness Readiness
	logger    *slog.Logger
	timeout   time.Duration
}

// NewHealthServer wraps r. A nil logger uses slog.Default.
func NewHealthServer(r Readiness, logger *slog.Logger) *HealthServer {
	if r == nil {
		r = ReadyFunc(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{readiness: r, logger: logger, timeout: 2 * time.Second}
}

// Check reports SERVING when the readiness probe passes and NOT_SERVING otherwise.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", serviceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.WarnContext(ctx, "grpc health check failed", "error", err)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// NewGRPCServer returns a gRPC server exposing the health service.
func NewGRPCServer(r Readiness, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, NewHealthServer(r, logger))
	return srv
}
