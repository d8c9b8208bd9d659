package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kballard/go-shellquote"
	"sigs.k8s.io/yaml"
)

// Strategy kinds accepted in a strategies file
const (
	KindContainer  = "Container"
	KindRemoteHost = "RemoteHost"
)

// Strategies is the content of a strategies file
type Strategies struct {
	Strategies []Strategy `json:"strategies"`
}

// Strategy declares one registration. Registrations are consulted in file order.
type Strategy struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// Applicability: a project matches when its base path matches any
	// pattern and it carries every label. Both empty matches everything.
	Paths  []string          `json:"paths,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`

	Container  *ContainerStrategy  `json:"container,omitempty"`
	RemoteHost *RemoteHostStrategy `json:"remoteHost,omitempty"`
}

// ContainerStrategy configures a Container registration
type ContainerStrategy struct {
	Runtime   string   `json:"runtime,omitempty"`
	Image     string   `json:"image"`
	MountPath string   `json:"mountPath,omitempty"`
	JavaHome  string   `json:"javaHome,omitempty"`
	MavenHome string   `json:"mavenHome,omitempty"`
	ExtraArgs []string `json:"extraArgs,omitempty"`
}

// RemoteHostStrategy configures a RemoteHost registration
type RemoteHostStrategy struct {
	Host string `json:"host"`
	// Command is a shell-quoted launcher prefix, e.g. "ssh build-host --"
	Command   string `json:"command"`
	JavaHome  string `json:"javaHome,omitempty"`
	PortBase  int    `json:"portBase,omitempty"`
	PortRange int    `json:"portRange,omitempty"`
	// ConnectTimeout is a duration string such as "30s"
	ConnectTimeout string `json:"connectTimeout,omitempty"`
}

// CommandArgs splits the launcher prefix
func (r *RemoteHostStrategy) CommandArgs() ([]string, error) {
	return shellquote.Split(r.Command)
}

// ConnectTimeoutDuration parses ConnectTimeout; zero when unset
func (r *RemoteHostStrategy) ConnectTimeoutDuration() (time.Duration, error) {
	if r.ConnectTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(r.ConnectTimeout)
}

// LoadStrategies reads and validates a strategies file
func LoadStrategies(path string) (*Strategies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategies file: %w", err)
	}
	return ParseStrategies(data)
}

// ParseStrategies parses YAML or JSON strategies
func ParseStrategies(data []byte) (*Strategies, error) {
	var s Strategies
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse strategies: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every strategy
func (s *Strategies) Validate() error {
	names := make(map[string]bool)
	for i, st := range s.Strategies {
		if st.Name == "" {
			return fmt.Errorf("strategy %d: name is required", i)
		}
		if names[st.Name] {
			return fmt.Errorf("strategy %q: duplicate name", st.Name)
		}
		names[st.Name] = true

		switch st.Kind {
		case KindContainer:
			if st.Container == nil || st.Container.Image == "" {
				return fmt.Errorf("strategy %q: container.image is required", st.Name)
			}
		case KindRemoteHost:
			r := st.RemoteHost
			if r == nil || r.Host == "" {
				return fmt.Errorf("strategy %q: remoteHost.host is required", st.Name)
			}
			args, err := r.CommandArgs()
			if err != nil {
				return fmt.Errorf("strategy %q: remoteHost.command: %w", st.Name, err)
			}
			if len(args) == 0 {
				return fmt.Errorf("strategy %q: remoteHost.command is required", st.Name)
			}
			if _, err := r.ConnectTimeoutDuration(); err != nil {
				return fmt.Errorf("strategy %q: remoteHost.connectTimeout: %w", st.Name, err)
			}
			if r.PortBase < 0 || r.PortBase > 65535 {
				return fmt.Errorf("strategy %q: remoteHost.portBase %d out of range", st.Name, r.PortBase)
			}
		default:
			return fmt.Errorf("strategy %q: unknown kind %q", st.Name, st.Kind)
		}
	}
	return nil
}
