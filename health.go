package main

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthCheckInterval = 15 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// healthServer answers grpc.health.v1.Health checks. The overall status
// follows the datastore connection.
type healthServer struct {
	grpc   *grpc.Server
	status *health.Server
	done   chan struct{}
}

func startHealthServer(addr string, db pinger, logger *zap.Logger) (*healthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &healthServer{
		grpc:   grpc.NewServer(),
		status: health.NewServer(),
		done:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.status)

	s.check(db, logger)
	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.check(db, logger)
			case <-s.done:
				return
			}
		}
	}()

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()
	logger.Info("health server listening", zap.String("listen", addr))
	return s, nil
}

func (s *healthServer) check(db pinger, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := db.Ping(ctx); err != nil {
		logger.Warn("datastore health check failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.status.SetServingStatus("", status)
}

// NotServing reports every service as down, ahead of a shutdown.
func (s *healthServer) NotServing() {
	s.status.Shutdown()
}

func (s *healthServer) Stop() {
	close(s.done)
	s.status.Shutdown()
	s.grpc.GracefulStop()
}
