package support

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialgouv/buildsrv/pkg/config"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/types"
)

const testStrategies = `
strategies:
  - name: wsl
    kind: RemoteHost
    paths: ["//wsl$/**", "/mnt/wsl/**"]
    remoteHost:
      host: 127.0.0.1
      command: wsl.exe -d "Ubuntu 22.04" --
      connectTimeout: 10s
  - name: docker
    kind: Container
    labels:
      runtime: container
    container:
      image: maven:3.9-eclipse-temurin-21
`

func TestNewRegistryFromConfig(t *testing.T) {
	strategies, err := config.ParseStrategies([]byte(testStrategies))
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.ForcedMaxHeap = "-Xmx2g"
	r, err := NewRegistryFromConfig(cfg, strategies, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	factories := r.Factories()
	require.Len(t, factories, 3)
	assert.Equal(t, TypeRemoteHost, factories[0].Type())
	assert.Equal(t, TypeContainer, factories[1].Type())
	assert.Equal(t, TypeLocal, factories[2].Type())

	names := make([]string, 0, 3)
	for _, s := range r.Supervisors() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"wsl", "docker", TypeLocal}, names)

	assert.Same(t, factories[0], r.ForProject(types.Project{Name: "a", BasePath: "/mnt/wsl/work/a"}))
	assert.Same(t, factories[1], r.ForProject(types.Project{Name: "b", BasePath: "/srv/b", Labels: map[string]string{"runtime": "container"}}))
	assert.Same(t, factories[2], r.ForProject(types.Project{Name: "c", BasePath: "/srv/c"}))

	remote := factories[0].(*ProcessFactory).launcher.(*RemoteHost)
	assert.Equal(t, []string{"wsl.exe", "-d", "Ubuntu 22.04", "--"}, remote.Command)
	assert.Equal(t, 10*time.Second, remote.ConnectTimeout)
	assert.Equal(t, cfg.RemotePortBase, remote.Ports.Next())

	s, err := factories[1].Create(Request{VMOptions: "-Xmx1g", Project: types.Project{Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, "-Xmx2g", s.Arguments().MaxHeap())
}

func TestNewRegistryFromConfigWithoutStrategies(t *testing.T) {
	r, err := NewRegistryFromConfig(config.DefaultConfig(), nil, logger.NewNopLogger())
	require.NoError(t, err)

	factories := r.Factories()
	require.Len(t, factories, 1)
	assert.Equal(t, TypeLocal, factories[0].Type())
}

func TestNewRegistryFromConfigRejectsBadPattern(t *testing.T) {
	strategies := &config.Strategies{Strategies: []config.Strategy{{
		Name:      "broken",
		Kind:      config.KindContainer,
		Paths:     []string{"/srv/[a"},
		Container: &config.ContainerStrategy{Image: "maven"},
	}}}

	_, err := NewRegistryFromConfig(config.DefaultConfig(), strategies, logger.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `strategy "broken"`)
}
