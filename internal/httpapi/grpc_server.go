package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"todoapi.org/internal/obs"
)

// HealthServer answers grpc.health.v1 checks from the same readiness probe as
// /readyz.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

// NewHealthServer creates the gRPC health service.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{readiness: r}
}

// Register attaches the health service to s.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check reports SERVING or NOT_SERVING for the whole process or for the
// service by name. Other names are unknown.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", serviceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
