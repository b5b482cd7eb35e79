package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cmsgate.org/internal/obs"
)

// GRPCHealth serves grpc.health.v1.Health, reporting the readiness of the
// same dependencies as /readyz.
type GRPCHealth struct {
	srv       *health.Server
	readiness ReadinessChecker
}

// NewGRPCServer creates a gRPC server with the health service registered.
func NewGRPCServer(r ReadinessChecker, opts ...grpc.ServerOption) (*grpc.Server, *GRPCHealth) {
	if r == nil {
		r = AlwaysReady
	}
	hs := &GRPCHealth{srv: health.NewServer(), readiness: r}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, hs.srv)
	return server, hs
}

// Probe runs one readiness check and publishes the result.
func (h *GRPCHealth) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Run probes every interval until ctx is cancelled, then marks the service
// as shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) error {
	h.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
