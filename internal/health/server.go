// Package health serves the gRPC health checking protocol for the process's
// dispatchers. Each dispatcher is a service named after it and reports SERVING
// until its run loop terminates.
package health

import (
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Watched is a component whose liveness is reported by the health server.
type Watched interface {
	Name() string
	Done() <-chan struct{}
}

// Server is a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer creates the gRPC server with OpenTelemetry instrumentation.
func NewServer(logger *slog.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		grpc:   grpcServer,
		health: healthServer,
		logger: logger.With("component", "health-server"),
	}
}

// Watch reports w as SERVING until its Done channel closes.
func (s *Server) Watch(w Watched) {
	name := w.Name()
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	go func() {
		<-w.Done()
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		s.logger.Info("dispatcher no longer serving", "dispatcher", name)
	}()
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
