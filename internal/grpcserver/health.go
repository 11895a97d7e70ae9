package grpcserver

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/face-relay/internal/logging"
)

// ServiceName is the health-checked service name of the relay.
const ServiceName = "face_relay.Relay"

// HealthServer exposes grpc.health.v1.Health for orchestrators that probe
// over gRPC. It reports both the overall server and ServiceName.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewHealthServer creates a server that starts out NOT_SERVING.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	h := &HealthServer{server: srv, health: hs, logger: logger.Named("grpc_health")}
	h.SetServing(false)
	return h
}

// SetServing flips the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	h.logger.Debug("health status changed", zap.String("status", status.String()))
}

// Serve blocks serving on listener until Stop is called.
func (h *HealthServer) Serve(listener net.Listener) error {
	h.logger.Info("gRPC health service listening", zap.String("addr", listener.Addr().String()))
	if err := h.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// Stop marks the relay NOT_SERVING and drains open streams.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
