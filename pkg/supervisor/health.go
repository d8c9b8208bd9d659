package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/socialgouv/buildsrv/pkg/logger"
)

// DefaultHealthCheckTimeout bounds each ping in CheckHealth
const DefaultHealthCheckTimeout = 5 * time.Second

// CheckHealth pings every running handle and returns the failures by handle id
func (s *Supervisor) CheckHealth(ctx context.Context) map[string]error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		if !h.terminating && !h.exited {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[string]error)
	)
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.isHandleHealthy(ctx, h); err != nil {
				mu.Lock()
				failures[h.id] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failures
}

func (s *Supervisor) isHandleHealthy(ctx context.Context, h *Handle) error {
	healthLogger := logger.WithOperation(h.logger, "health-check")

	ctx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()

	if err := h.Ping(ctx); err != nil {
		logger.WithError(healthLogger, err).Warn("Build server is not healthy")
		return err
	}
	healthLogger.Debug("Build server is healthy")
	return nil
}
