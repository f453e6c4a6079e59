package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer exposes the standard grpc.health.v1 service so mesh probes can use the
// same readiness checks as GET /ready.
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
	checks []HealthCheck
	logger zerolog.Logger
}

// NewGRPCHealthServer creates a health server reporting on checks.
func NewGRPCHealthServer(logger zerolog.Logger, checks ...HealthCheck) *GRPCHealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealthServer{
		server: srv,
		health: hs,
		checks: checks,
		logger: logger,
	}
}

// Refresh re-runs the checks and publishes the overall serving status.
func (s *GRPCHealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	_, ok := RunChecks(ctx, s.checks)
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on addr and refreshes the status every interval until ctx is done.
func (s *GRPCHealthServer) Serve(ctx context.Context, addr string, interval time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for grpc health: %w", err)
	}

	s.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if s.Refresh(checkCtx) != healthpb.HealthCheckResponse_SERVING {
					s.logger.Warn().Msg("grpc health reporting NOT_SERVING")
				}
				cancel()
			}
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	return s.server.Serve(lis)
}

// Stop shuts the server down, marking every service NOT_SERVING first.
func (s *GRPCHealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
