package supervisor

import (
	"context"
	"os"
)

// Process is a running build-server process as the supervisor sees it
type Process interface {
	Pid() int
	// Done is closed once the exit has been observed
	Done() <-chan struct{}
	// ExitCode is -1 while running or when killed by a signal
	ExitCode() int
	Signal(sig os.Signal) error
	Kill() error
}

// Channel is the open communication channel to a process
type Channel interface {
	Call(ctx context.Context, method string, params, result interface{}) error
	Notify(ctx context.Context, method string, params interface{}) error
	Close() error
}

// StartFunc spawns a process and establishes its channel. The context carries
// the start deadline. A StartFunc that fails after spawning may return the
// process alongside the error; the supervisor kills it.
type StartFunc func(ctx context.Context) (Process, Channel, error)
