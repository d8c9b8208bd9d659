package support

import (
	"context"

	"github.com/socialgouv/buildsrv/pkg/channel"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/spawn"
	"github.com/socialgouv/buildsrv/pkg/supervisor"
	"github.com/socialgouv/buildsrv/pkg/types"
	"github.com/socialgouv/buildsrv/pkg/vmargs"
)

// Target is what a launcher builds a command from
type Target struct {
	Key types.LaunchKey
	// Request has been through Launcher.Translate
	Request Request
	Args    *vmargs.ArgumentSet
	Logger  logger.Logger
	// LogIO asks the establisher to log redacted channel payloads
	LogIO bool
}

// Launcher is the part of a strategy that differs between environments:
// how the process is spawned and how its channel is opened
type Launcher interface {
	// Translate maps request paths into the environment the server runs in.
	// Arguments are computed from the translated request.
	Translate(req Request) Request
	// Launch returns the command to spawn and the establisher for its channel
	Launch(target Target) (spawn.Command, channel.Establisher, error)
}

// ProcessFactory is a Factory running build servers through a Launcher under
// its own supervisor
type ProcessFactory struct {
	typ      string
	launcher Launcher
	policy   vmargs.Policy
	spawner  spawn.Spawner
	sup      *supervisor.Supervisor
	supOpts  []supervisor.Option
	logIO    bool
	logger   logger.Logger
}

// FactoryOption configures a ProcessFactory
type FactoryOption func(*ProcessFactory)

// WithPolicy sets the VM argument policy
func WithPolicy(p vmargs.Policy) FactoryOption {
	return func(f *ProcessFactory) {
		f.policy = p
	}
}

// WithSpawner replaces the default exec spawner
func WithSpawner(s spawn.Spawner) FactoryOption {
	return func(f *ProcessFactory) {
		f.spawner = s
	}
}

// WithSupervisor shares an existing supervisor
func WithSupervisor(s *supervisor.Supervisor) FactoryOption {
	return func(f *ProcessFactory) {
		f.sup = s
	}
}

// WithSupervisorOptions configures the factory's own supervisor
func WithSupervisorOptions(opts ...supervisor.Option) FactoryOption {
	return func(f *ProcessFactory) {
		f.supOpts = append(f.supOpts, opts...)
	}
}

// WithChannelLogging logs redacted channel payloads at DEBUG level
func WithChannelLogging(enabled bool) FactoryOption {
	return func(f *ProcessFactory) {
		f.logIO = enabled
	}
}

// NewFactory creates a factory of the given type
func NewFactory(typ string, launcher Launcher, log logger.Logger, opts ...FactoryOption) *ProcessFactory {
	f := &ProcessFactory{
		typ:      typ,
		launcher: launcher,
		logger:   logger.WithComponent(log, "support").WithField(logger.FieldFactoryType, typ),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.spawner == nil {
		f.spawner = spawn.NewExecSpawner(log)
	}
	if f.sup == nil {
		f.sup = supervisor.New(log, append([]supervisor.Option{supervisor.WithName(typ)}, f.supOpts...)...)
	}
	return f
}

// NewLocalFactory creates the built-in local factory
func NewLocalFactory(log logger.Logger, opts ...FactoryOption) *ProcessFactory {
	return NewFactory(TypeLocal, &Local{}, log, opts...)
}

// Type implements Factory
func (f *ProcessFactory) Type() string { return f.typ }

// Supervisor returns the supervisor the factory runs processes under
func (f *ProcessFactory) Supervisor() *supervisor.Supervisor { return f.sup }

// Create implements Factory
func (f *ProcessFactory) Create(req Request) (*Support, error) {
	key := req.Key()
	target := f.launcher.Translate(req)

	args, err := f.policy.Build(vmargs.Input{
		VMOptions:    req.VMOptions,
		JDK:          target.JDK,
		Distribution: target.Distribution,
		DebugPort:    req.DebugPort,
		BaseDir:      target.BaseDir,
	})
	if err != nil {
		return nil, pkgerrors.WrapWithField(err, logger.FieldLaunchKey, key.ShortID(), "cannot compute vm arguments")
	}

	startLogger := logger.WithLaunchKey(f.logger, key)
	startLogger.WithField("args", args.Redacted()).Debug("Computed vm arguments")

	t := Target{Key: key, Request: target, Args: args, Logger: startLogger, LogIO: f.logIO}
	return &Support{
		typ:   f.typ,
		key:   key,
		args:  args,
		sup:   f.sup,
		start: f.startFunc(t),
	}, nil
}

func (f *ProcessFactory) startFunc(t Target) supervisor.StartFunc {
	return func(ctx context.Context) (supervisor.Process, supervisor.Channel, error) {
		cmd, establisher, err := f.launcher.Launch(t)
		if err != nil {
			return nil, nil, err
		}
		if cmd.Name == "" {
			cmd.Name = f.typ + "/" + t.Key.ShortID()
		}

		proc, err := f.spawner.Spawn(ctx, cmd)
		if err != nil {
			return nil, nil, err
		}

		conn, err := establisher.Establish(ctx, proc)
		if err != nil {
			return proc, nil, err
		}
		return proc, conn, nil
	}
}

// Close implements Factory
func (f *ProcessFactory) Close(ctx context.Context) error {
	return f.sup.Close(ctx)
}
