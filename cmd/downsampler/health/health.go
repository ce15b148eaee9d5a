// Package health exposes the run monitor through the standard gRPC health
// service so orchestrators can probe the downsampler without HTTP.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/downsampler/pkg/pipeline"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "downsampler"

// DefaultRefresh is how often the monitor is sampled.
const DefaultRefresh = 5 * time.Second

// Reporter mirrors a pipeline.Monitor into a gRPC health server.
type Reporter struct {
	server  *health.Server
	monitor *pipeline.Monitor
	logger  *slog.Logger
	serving bool
}

func NewReporter(monitor *pipeline.Monitor, logger *slog.Logger) *Reporter {
	r := &Reporter{
		server:  health.NewServer(),
		monitor: monitor,
		logger:  logger,
		serving: true,
	}
	r.set(grpc_health_v1.HealthCheckResponse_SERVING)
	return r
}

// Server returns the health server to register.
func (r *Reporter) Server() *health.Server {
	return r.server
}

// Update samples the monitor once. Not safe for concurrent use.
func (r *Reporter) Update() {
	err := r.monitor.Check()
	switch {
	case err != nil && r.serving:
		r.logger.Warn("reporting NOT_SERVING", "reason", err)
		r.serving = false
		r.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	case err == nil && !r.serving:
		r.logger.Info("reporting SERVING")
		r.serving = true
		r.set(grpc_health_v1.HealthCheckResponse_SERVING)
	}
}

// Run updates the status every interval until ctx is done, then marks the
// server as shutting down.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.Update()
		}
	}
}

func (r *Reporter) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
}

// Serve runs a gRPC server with the health and reflection services on addr
// until ctx is canceled.
func Serve(ctx context.Context, addr string, r *Reporter, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, r, logger)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, lis net.Listener, r *Reporter, logger *slog.Logger) error {
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, r.Server())
	reflection.Register(grpcServer)

	go r.Run(ctx, DefaultRefresh)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc health server listening", "address", lis.Addr().String())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down grpc server")
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("grpc server: %w", err)
	}
}
