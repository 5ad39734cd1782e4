package monitor

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/trackbridge/internal/monitoring"
)

// ServiceName is the health service name reported for the bridge. The empty
// name (overall server health) follows it.
const ServiceName = "trackbridge.Bridge"

// HealthServer serves grpc.health.v1.Health. It starts NOT_SERVING.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewHealthServer creates a health server reporting NOT_SERVING.
func NewHealthServer() *HealthServer {
	h := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	h.SetServing(false)
	healthpb.RegisterHealthServer(h.server, h.health)
	return h
}

// SetServing switches the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Listen binds addr and serves until Stop.
func (h *HealthServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC listen on %s: %w", addr, err)
	}
	return h.Serve(lis)
}

// Serve serves on lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	monitoring.Logf("[gRPC] health service listening on %s", lis.Addr())
	if err := h.server.Serve(lis); err != nil {
		return fmt.Errorf("gRPC serve: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING to watchers and stops the server gracefully.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
