package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"creditcore.io/internal/obs"
)

// GRPCServiceName is the health service name reported besides the overall "" entry.
const GRPCServiceName = "creditcore.v1.Credits"

// HealthServer mirrors store readiness into the standard gRPC health service.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
	log       zerolog.Logger
}

// NewHealthServer starts in NOT_SERVING until the first probe succeeds.
func NewHealthServer(r readinessChecker, log zerolog.Logger) *HealthServer {
	hs := &HealthServer{health: health.NewServer(), readiness: r, log: log}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Probe runs one readiness check and publishes the result.
func (s *HealthServer) Probe(ctx context.Context) bool {
	err := s.readiness.Check(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("readiness probe failed")
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Watch probes every interval until ctx ends, then reports NOT_SERVING for
// good so that load balancers drain the instance.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(GRPCServiceName, status)
}

// NewGRPCServer builds the gRPC server exposing health and reflection.
func NewGRPCServer(hs *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs.health)
	reflection.Register(srv)
	return srv
}
