package supervisor

import (
	"time"
)

// Defaults used when no option overrides them
const (
	DefaultStartTimeout  = 60 * time.Second
	DefaultShutdownGrace = 5 * time.Second
	DefaultGCInterval    = time.Minute
)

// Option configures a Supervisor
type Option func(*Supervisor)

// WithName labels the supervisor in logs and metrics
func WithName(name string) Option {
	return func(s *Supervisor) {
		s.name = name
	}
}

// WithStartTimeout bounds a single start, spawn plus handshake
func WithStartTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.startTimeout = timeout
		}
	}
}

// WithShutdownGrace sets how long Terminate waits after SIGTERM before killing
func WithShutdownGrace(grace time.Duration) Option {
	return func(s *Supervisor) {
		if grace >= 0 {
			s.shutdownGrace = grace
		}
	}
}

// WithIdleTimeout terminates handles unused for that long. Zero disables it.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.idleTimeout = timeout
	}
}

// WithGCInterval sets how often idle handles are looked for
func WithGCInterval(interval time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.gcInterval = interval
		}
	}
}

// WithMaxConcurrentStarts limits how many processes may be starting at once.
// Zero or less means unlimited.
func WithMaxConcurrentStarts(n int) Option {
	return func(s *Supervisor) {
		s.queue = newStartQueue(n)
	}
}
