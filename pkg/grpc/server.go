package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/socialgouv/buildsrv/pkg/logger"
)

// ServiceName is the health service reporting on the supervised build servers
const ServiceName = "buildsrv.BuildServers"

// DefaultHealthInterval is how often build server health is refreshed
const DefaultHealthInterval = 30 * time.Second

// HealthChecker reports failing build servers by identifier
type HealthChecker interface {
	CheckHealth(ctx context.Context) map[string]error
}

// Server is the gRPC server exposing build server health
type Server struct {
	checker  HealthChecker
	health   *health.Server
	interval time.Duration
	logger   logger.Logger

	mu     sync.Mutex
	server *grpc.Server
	cancel context.CancelFunc
}

// NewServer creates a gRPC server refreshing health from checker every
// interval. A non-positive interval uses DefaultHealthInterval.
func NewServer(checker HealthChecker, interval time.Duration, log logger.Logger) *Server {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		checker:  checker,
		health:   hs,
		interval: interval,
		logger:   logger.WithComponent(log, "grpc"),
	}
}

// Start starts the gRPC server on the specified address
func (s *Server) Start(address string, tlsEnabled bool, certFile, keyFile string) error {
	var opts []grpc.ServerOption
	if tlsEnabled {
		creds, err := loadTLSCredentials(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.logger.Infof("Starting gRPC server on %s (TLS: %v)", address, tlsEnabled)
	return s.Serve(listener, opts...)
}

// Serve accepts connections on listener until Stop
func (s *Server) Serve(listener net.Listener, opts ...grpc.ServerOption) error {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(logger.UnaryServerInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(logger.StreamServerInterceptor(s.logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("gRPC server already started")
	}
	s.server = grpc.NewServer(opts...)
	s.cancel = cancel
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	server := s.server
	s.mu.Unlock()

	go wait.UntilWithContext(ctx, s.updateHealth, s.interval)

	return server.Serve(listener)
}

// updateHealth pings the build servers and publishes the aggregate status
func (s *Server) updateHealth(ctx context.Context) {
	failures := s.checker.CheckHealth(ctx)
	if len(failures) == 0 {
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		return
	}

	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.logger.WithField("unhealthy", ids).Warn("Build servers failed health check")
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Stop stops the gRPC server
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.health.Shutdown()
	if s.server != nil {
		s.server.GracefulStop()
	}
}
