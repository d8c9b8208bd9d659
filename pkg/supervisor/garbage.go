package supervisor

import (
	"time"

	"github.com/socialgouv/buildsrv/pkg/logger"
)

// collectGarbage terminates handles that have been idle for too long
func (s *Supervisor) collectGarbage() {
	now := time.Now()
	gcLogger := logger.WithOperation(s.logger, "garbage-collection")
	gcLogger.Debug("Starting garbage collection")

	var idle []*Handle
	s.mu.Lock()
	for _, h := range s.handles {
		if h.terminating || h.exited {
			continue
		}
		if now.Sub(h.lastUsed) > s.idleTimeout {
			idle = append(idle, h)
		}
	}
	active := len(s.handles) - len(idle)
	s.mu.Unlock()

	for _, h := range idle {
		if s.terminateIdle(h) {
			h.logger.WithField("idle_time_seconds", int(now.Sub(h.LastUsed()).Seconds())).
				Info("Terminated idle build server")
		} else {
			active++
		}
	}

	gcLogger.WithField("active_processes", active).Debug("Garbage collection completed")
}

// terminateIdle begins the shutdown of h unless it was acquired or called
// since it was found idle. The check and the terminating mark happen under
// one lock so Acquire never hands out a handle that is about to be killed.
func (s *Supervisor) terminateIdle(h *Handle) bool {
	s.mu.Lock()
	if h.terminating || h.exited || time.Since(h.lastUsed) <= s.idleTimeout {
		s.mu.Unlock()
		return false
	}
	h.terminating = true
	s.mu.Unlock()

	go s.shutdown(h)
	return true
}
