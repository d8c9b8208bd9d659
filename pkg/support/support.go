package support

import (
	"context"

	pkgcontext "github.com/socialgouv/buildsrv/pkg/context"
	"github.com/socialgouv/buildsrv/pkg/supervisor"
	"github.com/socialgouv/buildsrv/pkg/types"
	"github.com/socialgouv/buildsrv/pkg/vmargs"
)

// Built-in strategy types
const (
	TypeLocal      = "Local"
	TypeContainer  = "Container"
	TypeRemoteHost = "RemoteHost"
)

// Request carries everything needed to launch a build server for a project
type Request struct {
	JDK          types.JDK
	VMOptions    string
	Distribution types.Distribution
	Project      types.Project
	// DebugPort enables remote debugging of the server when set
	DebugPort *int
	// BaseDir is the multi-module root; relative -javaagent paths resolve against it
	BaseDir string
}

// Key returns the launch key for the request
func (r Request) Key() types.LaunchKey {
	return types.NewLaunchKey(r.JDK, r.VMOptions, r.Distribution, r.Project.ID(), r.DebugPort, r.BaseDir)
}

// Factory creates supports for one strategy
type Factory interface {
	// Type returns the strategy tag, e.g. "Local"
	Type() string
	// Create computes the launch arguments eagerly and returns a support
	// bound to the request's launch key. It does not start anything.
	Create(req Request) (*Support, error)
	// Close terminates every process the factory supervises
	Close(ctx context.Context) error
}

// Support drives the build server of one launch key
type Support struct {
	typ   string
	key   types.LaunchKey
	args  *vmargs.ArgumentSet
	sup   *supervisor.Supervisor
	start supervisor.StartFunc
}

// Acquire returns the running server, starting it if needed
func (s *Support) Acquire(ctx context.Context) (*supervisor.Handle, error) {
	ctx = pkgcontext.WithLaunchKeyID(ctx, s.key.ShortID())
	return s.sup.Acquire(ctx, s.key, s.start)
}

// Terminate stops the server and waits for its listeners
func (s *Support) Terminate(ctx context.Context) error {
	return s.sup.Terminate(ctx, s.key)
}

// OnTerminate registers a listener on the running server. It fails with
// ErrNotRunning when no server is running for the key.
func (s *Support) OnTerminate(l supervisor.Listener) (func(), error) {
	return s.sup.RegisterTerminationListener(s.key, l)
}

// State returns the lifecycle state of the server
func (s *Support) State() supervisor.State {
	return s.sup.State(s.key)
}

// Type returns the strategy tag
func (s *Support) Type() string { return s.typ }

// Key returns the launch key
func (s *Support) Key() types.LaunchKey { return s.key }

// Arguments returns the computed VM arguments
func (s *Support) Arguments() *vmargs.ArgumentSet { return s.args }
