package support

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/types"
)

func TestRegistrySupervisorsSkipsUnsupervised(t *testing.T) {
	local := newTestFactory(t, &Local{})
	r := NewRegistry(local, logger.NewNopLogger())
	r.Register(Registration{Factory: &fakeFactory{typ: TypeContainer}, Applicable: always})
	r.Register(Registration{Factory: local, Applicable: never})

	sups := r.Supervisors()
	require.Len(t, sups, 1)
	assert.Same(t, local.Supervisor(), sups[0])
	assert.Empty(t, r.CheckHealth(context.Background()))
	assert.Equal(t, 0, len(r.Snapshot()["Test"]))
}

func TestRegistrySnapshotAndHealth(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	f := newTestFactory(t, &sleeper{establisher: &pipeEstablisher{}})
	r := NewRegistry(f, logger.NewNopLogger())

	s, err := f.Create(Request{Project: types.Project{Name: "p"}})
	require.NoError(t, err)
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap["Test"], 1)
	assert.Equal(t, h.ID(), snap["Test"][0].ID)
	assert.Equal(t, "p", snap["Test"][0].Project)

	assert.Empty(t, r.CheckHealth(context.Background()))
}
