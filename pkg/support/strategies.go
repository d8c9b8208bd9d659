package support

import (
	"context"
	"fmt"

	"github.com/socialgouv/buildsrv/pkg/config"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/supervisor"
)

// SupervisorOptions returns the supervisor settings cfg describes, for a
// supervisor labelled name
func SupervisorOptions(cfg *config.Config, name string) []supervisor.Option {
	return []supervisor.Option{
		supervisor.WithName(name),
		supervisor.WithStartTimeout(cfg.StartTimeout),
		supervisor.WithShutdownGrace(cfg.ShutdownGrace),
		supervisor.WithIdleTimeout(cfg.IdleTimeout),
		supervisor.WithGCInterval(cfg.GCInterval),
		supervisor.WithMaxConcurrentStarts(cfg.MaxConcurrentStarts),
	}
}

// NewRegistryFromConfig builds the local factory and registers one factory
// per strategy, in declaration order. Each strategy gets its own supervisor
// named after it. Remote hosts without a port base share a range starting at
// cfg.RemotePortBase.
func NewRegistryFromConfig(cfg *config.Config, strategies *config.Strategies, log logger.Logger) (*Registry, error) {
	local := NewLocalFactory(log,
		WithPolicy(cfg.Policy()),
		WithChannelLogging(cfg.LogChannelIO),
		WithSupervisorOptions(SupervisorOptions(cfg, TypeLocal)...))
	r := NewRegistry(local, log)
	if strategies == nil {
		return r, nil
	}

	sharedPorts := NewPortAllocator(cfg.RemotePortBase, 0)
	for _, st := range strategies.Strategies {
		reg, err := registrationFor(cfg, st, sharedPorts, log)
		if err != nil {
			_ = r.Close(context.Background())
			return nil, fmt.Errorf("strategy %q: %w", st.Name, err)
		}
		r.Register(reg)
	}
	return r, nil
}

func registrationFor(cfg *config.Config, st config.Strategy, sharedPorts *PortAllocator, log logger.Logger) (Registration, error) {
	applicable, err := applicability(st)
	if err != nil {
		return Registration{}, err
	}

	var (
		typ      string
		launcher Launcher
	)
	switch st.Kind {
	case config.KindContainer:
		c := st.Container
		typ = TypeContainer
		launcher = &Container{
			Runtime:   c.Runtime,
			Image:     c.Image,
			MountPath: c.MountPath,
			JavaHome:  c.JavaHome,
			MavenHome: c.MavenHome,
			ExtraArgs: c.ExtraArgs,
		}
	case config.KindRemoteHost:
		rh := st.RemoteHost
		command, err := rh.CommandArgs()
		if err != nil {
			return Registration{}, err
		}
		timeout, err := rh.ConnectTimeoutDuration()
		if err != nil {
			return Registration{}, err
		}
		ports := sharedPorts
		if rh.PortBase > 0 {
			ports = NewPortAllocator(rh.PortBase, rh.PortRange)
		}
		typ = TypeRemoteHost
		launcher = &RemoteHost{
			Host:           rh.Host,
			Command:        command,
			JavaHome:       rh.JavaHome,
			Ports:          ports,
			ConnectTimeout: timeout,
		}
	default:
		return Registration{}, fmt.Errorf("unknown kind %q", st.Kind)
	}

	f := NewFactory(typ, launcher, log,
		WithPolicy(cfg.Policy()),
		WithChannelLogging(cfg.LogChannelIO),
		WithSupervisorOptions(SupervisorOptions(cfg, st.Name)...))
	return Registration{Type: st.Name, Applicable: applicable, Factory: f}, nil
}

// applicability combines the path and label conditions of a strategy.
// Without either, the strategy applies to every project.
func applicability(st config.Strategy) (Predicate, error) {
	var preds []Predicate
	if len(st.Paths) > 0 {
		paths, err := MatchPaths(st.Paths...)
		if err != nil {
			return nil, err
		}
		preds = append(preds, paths)
	}
	if len(st.Labels) > 0 {
		preds = append(preds, MatchLabels(st.Labels))
	}
	return MatchAll(preds...), nil
}
