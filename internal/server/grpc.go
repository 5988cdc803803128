package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC service name reported alongside the overall status.
const HealthService = "servicebay.Workflow"

// Pinger is satisfied by repo.Repo.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewGRPCServer returns a gRPC server exposing the standard health service and
// the health server so callers can drive its status.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchHealth keeps hs in step with store reachability until ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, store Pinger, every time.Duration, log logrus.FieldLogger) {
	if every <= 0 {
		every = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := store.Ping(pctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if last != status {
				log.WithError(err).Warn("store unreachable; reporting NOT_SERVING")
			}
		}
		if status != last {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(HealthService, status)
			last = status
		}
	}
	check()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
