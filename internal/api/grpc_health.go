package api

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"doge-trader/internal/engine"
	"doge-trader/pkg/logger"
)

// EngineHealthService is the service name probes ask for. The empty name
// reports the process itself.
const EngineHealthService = "doge-trader.engine"

// StatusSource is the part of the engine the health probe reads.
type StatusSource interface {
	Status() engine.SystemStatus
}

// HealthReporter publishes the engine state on the standard gRPC health
// service: SERVING while the loop runs without an emergency stop.
type HealthReporter struct {
	engine StatusSource
	health *health.Server
	server *grpc.Server
	log    *logger.Entry
}

func NewHealthReporter(src StatusSource, log *logger.Entry) *HealthReporter {
	if log == nil {
		log = logger.Nop()
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthReporter{engine: src, health: hs, server: srv, log: log.WithComponent("grpc_health")}
}

// Health exposes the underlying health server, mainly for in-process checks.
func (h *HealthReporter) Health() healthpb.HealthServer { return h.health }

// Refresh maps the current engine status onto the health service.
func (h *HealthReporter) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	st := h.engine.Status()
	status := healthpb.HealthCheckResponse_SERVING
	if st.EmergencyStop || !st.Running {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(EngineHealthService, status)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return status
}

// Run refreshes the status every interval until ctx is done.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := h.Refresh()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			if st := h.Refresh(); st != last {
				h.log.WithField("status", st.String()).Warn("⚠️ engine health changed")
				last = st
			}
		}
	}
}

// Serve accepts probe connections on addr until Stop.
func (h *HealthReporter) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.log.WithField("addr", addr).Info("🩺 gRPC health service listening")
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight probes.
func (h *HealthReporter) Stop() { h.server.GracefulStop() }
