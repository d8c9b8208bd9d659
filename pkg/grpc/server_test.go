package grpc

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/socialgouv/buildsrv/pkg/logger"
)

type fakeChecker struct {
	failing atomic.Bool
}

func (c *fakeChecker) CheckHealth(context.Context) map[string]error {
	if c.failing.Load() {
		return map[string]error{"Local/h1": errors.New("ping timed out")}
	}
	return nil
}

func startServer(t *testing.T, checker HealthChecker) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := NewServer(checker, 10*time.Millisecond, logger.NewNopLogger())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthFollowsChecker(t *testing.T) {
	checker := &fakeChecker{}
	client := startServer(t, checker)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ServiceName))

	checker.failing.Store(true)
	assert.Eventually(t, func() bool {
		return status(t, client, ServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))

	checker.failing.Store(false)
	assert.Eventually(t, func() bool {
		return status(t, client, ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServeTwiceFails(t *testing.T) {
	s := NewServer(&fakeChecker{}, 0, logger.NewNopLogger())
	assert.Equal(t, DefaultHealthInterval, s.interval)

	lis := bufconn.Listen(1 << 10)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.server != nil
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, s.Serve(bufconn.Listen(1<<10)))
}

func TestStartRejectsMissingCertificate(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(&fakeChecker{}, time.Second, logger.NewNopLogger())

	err := s.Start("127.0.0.1:0", true, filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load TLS credentials")
}
