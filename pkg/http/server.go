package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/supervisor"
)

// ErrServerClosed is returned by the Server's Start method after a call to Stop.
var ErrServerClosed = http.ErrServerClosed

// DefaultReadyTimeout bounds the health pings behind /readyz
const DefaultReadyTimeout = 10 * time.Second

// Inspector exposes the state of the supervised build servers
type Inspector interface {
	CheckHealth(ctx context.Context) map[string]error
	Snapshot() map[string][]supervisor.HandleInfo
}

// Server is the HTTP server for health checks, inspection and metrics. With
// a launcher it also serves the control API driving build servers.
type Server struct {
	server      *http.Server
	inspector   Inspector
	launcher    Launcher
	callTimeout time.Duration
	logger      logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLauncher enables the /servers/acquire, /servers/call and
// /servers/terminate routes
func WithLauncher(l Launcher) Option {
	return func(s *Server) {
		s.launcher = l
	}
}

// WithCallTimeout bounds acquire plus call for one control request
func WithCallTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.callTimeout = timeout
		}
	}
}

// NewServer creates a new HTTP server
func NewServer(inspector Inspector, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		inspector:   inspector,
		callTimeout: DefaultCallTimeout,
		logger:      logger.WithComponent(log, "http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes served by Start
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	mux.HandleFunc("GET /readyz", s.readyzHandler)
	mux.HandleFunc("GET /servers", s.serversHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.launcher != nil {
		s.registerControl(mux)
	}
	return mux
}

// Start starts the HTTP server on the specified address
func (s *Server) Start(address string) error {
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting HTTP server on %s", address)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

// IsServerClosed reports whether err is the normal result of Stop
func IsServerClosed(err error) bool {
	return errors.Is(err, ErrServerClosed)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Servers   map[string]int    `json:"servers,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// healthzHandler reports liveness of the host along with the number of
// build servers each supervisor holds
func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for name, handles := range s.inspector.Snapshot() {
		counts[name] = len(handles)
	}

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
		Servers:   counts,
	})
}

// readyzHandler fails while any running build server does not answer pings
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultReadyTimeout)
	defer cancel()

	failures := s.inspector.CheckHealth(ctx)
	if len(failures) == 0 {
		s.writeJSON(w, http.StatusOK, healthResponse{
			Status:    "ok",
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}

	resp := healthResponse{
		Status:    "unhealthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Failures:  make(map[string]string, len(failures)),
	}
	for id, err := range failures {
		resp.Failures[id] = err.Error()
	}
	s.writeJSON(w, http.StatusServiceUnavailable, resp)
}

// serversHandler lists the held build servers, oldest first per supervisor
func (s *Server) serversHandler(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.inspector.Snapshot()
	for _, handles := range snapshot {
		sort.Slice(handles, func(i, j int) bool {
			return handles[i].StartedAt.Before(handles[j].StartedAt)
		})
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(s.logger, err).Warn("Failed to write response")
	}
}
