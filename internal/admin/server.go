package admin

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server hosts the admin and health services on one gRPC listener.
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a gRPC server for svc listening on addr.
//
// Precondition: svc and logger must be non-nil.
// Postcondition: The health service reports SERVING for ServiceName and
// the overall server once Serve is running.
func NewServer(addr string, svc AdminServer, logger *zap.Logger) *Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	hs := health.NewServer()
	RegisterAdminServer(gs, svc)
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{addr: addr, grpc: gs, health: hs, logger: logger}
}

// Serve listens on the configured address and blocks until Stop.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener and blocks until Stop.
func (s *Server) ServeListener(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("admin gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks the services NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Addr returns the listening address, or empty string before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("admin call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("admin call", fields...)
		}
		return resp, err
	}
}
