package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":50051", cfg.GRPCAddress)
	assert.Equal(t, 60*time.Second, cfg.StartTimeout)
	assert.Equal(t, "-Xmx768m", cfg.DefaultMaxHeap)
	assert.Zero(t, cfg.IdleTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BUILDSRV_GRPC_ADDRESS", ":6000")
	t.Setenv("BUILDSRV_IDLE_TIMEOUT", "15m")
	t.Setenv("BUILDSRV_FORCED_MAX_HEAP", "-Xmx2g")
	t.Setenv("BUILDSRV_MAX_CONCURRENT_STARTS", "2")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.GRPCAddress)
	assert.Equal(t, 15*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 2, cfg.MaxConcurrentStarts)
	assert.Equal(t, "-Xmx2g", cfg.Policy().MaxHeapOverride)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("BUILDSRV_START_TIMEOUT", "soon")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no grpc address", mutate: func(c *Config) { c.GRPCAddress = "" }},
		{name: "tls without files", mutate: func(c *Config) { c.TLSEnabled = true }},
		{name: "zero start timeout", mutate: func(c *Config) { c.StartTimeout = 0 }},
		{name: "idle without gc interval", mutate: func(c *Config) { c.IdleTimeout = time.Minute; c.GCInterval = 0 }},
		{name: "bad default heap", mutate: func(c *Config) { c.DefaultMaxHeap = "768m" }},
		{name: "bad forced heap", mutate: func(c *Config) { c.ForcedMaxHeap = "-Xmx1t" }},
		{name: "port base", mutate: func(c *Config) { c.RemotePortBase = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

const strategiesYAML = `
strategies:
  - name: wsl
    kind: RemoteHost
    paths: ["/mnt/wsl/**"]
    remoteHost:
      host: 172.20.0.2
      command: wsl.exe -d "Ubuntu 22.04" --
      portBase: 25000
      connectTimeout: 45s
  - name: containers
    kind: Container
    labels:
      runtime: container
    container:
      image: maven:3.9-eclipse-temurin-17
      extraArgs: ["--network", "host"]
`

func TestLoadStrategies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strategiesYAML), 0o600))

	s, err := LoadStrategies(path)
	require.NoError(t, err)
	require.Len(t, s.Strategies, 2)

	wsl := s.Strategies[0]
	assert.Equal(t, KindRemoteHost, wsl.Kind)
	assert.Equal(t, []string{"/mnt/wsl/**"}, wsl.Paths)
	args, err := wsl.RemoteHost.CommandArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{"wsl.exe", "-d", "Ubuntu 22.04", "--"}, args)
	timeout, err := wsl.RemoteHost.ConnectTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, timeout)

	c := s.Strategies[1]
	assert.Equal(t, map[string]string{"runtime": "container"}, c.Labels)
	assert.Equal(t, "maven:3.9-eclipse-temurin-17", c.Container.Image)
}

func TestParseStrategiesErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown kind", yaml: "strategies: [{name: a, kind: Cloud}]"},
		{name: "missing image", yaml: "strategies: [{name: a, kind: Container, container: {}}]"},
		{name: "missing host", yaml: "strategies: [{name: a, kind: RemoteHost, remoteHost: {command: ssh}}]"},
		{name: "empty command", yaml: "strategies: [{name: a, kind: RemoteHost, remoteHost: {host: h, command: ''}}]"},
		{name: "duplicate name", yaml: "strategies: [{name: a, kind: Container, container: {image: i}}, {name: a, kind: Container, container: {image: i}}]"},
		{name: "unknown field", yaml: "strategies: [{name: a, kind: Container, container: {image: i, tag: x}}]"},
		{name: "bad timeout", yaml: "strategies: [{name: a, kind: RemoteHost, remoteHost: {host: h, command: ssh, connectTimeout: soon}}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStrategies([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadStrategiesMissingFile(t *testing.T) {
	_, err := LoadStrategies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
