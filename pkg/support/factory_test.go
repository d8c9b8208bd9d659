package support

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialgouv/buildsrv/pkg/channel"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/spawn"
	"github.com/socialgouv/buildsrv/pkg/supervisor"
	"github.com/socialgouv/buildsrv/pkg/types"
	"github.com/socialgouv/buildsrv/pkg/vmargs"
)

// pipeEstablisher serves an in-memory build server for any process
type pipeEstablisher struct {
	fail bool
}

func (e *pipeEstablisher) Establish(ctx context.Context, _ channel.Process) (*channel.Conn, error) {
	if e.fail {
		return nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeChannel, "no handshake")
	}

	client, server := net.Pipe()
	handler := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		switch req.Method {
		case channel.MethodHandshake:
			return channel.HandshakeResult{ServerVersion: "test"}, nil
		case "echo":
			return req.Params, nil
		default:
			return nil, nil
		}
	})
	jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(server, jsonrpc2.VSCodeObjectCodec{}), handler)

	conn := channel.Open(client, logger.NewNopLogger())
	if _, err := conn.Handshake(ctx, channel.HandshakeParams{}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// sleeper launches a long-running sh in place of java
type sleeper struct {
	establisher channel.Establisher
	launches    atomic.Int32
}

func (s *sleeper) Translate(req Request) Request { return req }

func (s *sleeper) Launch(Target) (spawn.Command, channel.Establisher, error) {
	s.launches.Add(1)
	return spawn.Command{Path: "sh", Args: []string{"-c", "exec sleep 30"}}, s.establisher, nil
}

func newTestFactory(t *testing.T, l Launcher) *ProcessFactory {
	t.Helper()
	f := NewFactory("Test", l, logger.NewNopLogger(),
		WithSupervisorOptions(supervisor.WithShutdownGrace(2*time.Second), supervisor.WithStartTimeout(5*time.Second)))
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return f
}

func TestCreateComputesArgumentsEagerly(t *testing.T) {
	f := newTestFactory(t, &Local{})

	s, err := f.Create(Request{VMOptions: "-Xms2g", Project: types.Project{Name: "p"}})
	require.NoError(t, err)
	assert.Equal(t, "-Xmx2g", s.Arguments().MaxHeap())
	assert.Equal(t, TypeLocal, NewLocalFactory(logger.NewNopLogger()).Type())
	assert.Equal(t, "Test", s.Type())
	assert.Equal(t, supervisor.StateAbsent, s.State())

	_, err = f.Create(Request{VMOptions: "-Xmx12q", Project: types.Project{Name: "p"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrArgument))
}

func TestCreateUsesPolicy(t *testing.T) {
	f := NewFactory(TypeLocal, &Local{}, logger.NewNopLogger(), WithPolicy(vmargs.Policy{MaxHeapOverride: "-Xmx3g"}))

	s, err := f.Create(Request{VMOptions: "-Xmx1g", Project: types.Project{Name: "p"}})
	require.NoError(t, err)
	assert.Equal(t, "-Xmx3g", s.Arguments().MaxHeap())
}

func TestEqualRequestsShareKey(t *testing.T) {
	f := newTestFactory(t, &Local{})
	req := Request{VMOptions: "-Xmx1g", Project: types.Project{Name: "p", BasePath: "/srv/p"}, BaseDir: "/srv/p"}

	a, err := f.Create(req)
	require.NoError(t, err)
	b, err := f.Create(req)
	require.NoError(t, err)
	assert.True(t, a.Key().Equal(b.Key()))

	req.VMOptions = "-Xmx2g"
	c, err := f.Create(req)
	require.NoError(t, err)
	assert.False(t, a.Key().Equal(c.Key()))
}

func TestSupportLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	l := &sleeper{establisher: &pipeEstablisher{}}
	f := newTestFactory(t, l)
	s, err := f.Create(Request{Project: types.Project{Name: "p"}})
	require.NoError(t, err)

	_, err = s.OnTerminate(func(supervisor.ExitEvent) {})
	assert.True(t, errors.Is(err, pkgerrors.ErrNotRunning))

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, s.State())
	assert.NotZero(t, h.PID())

	var echoed map[string]string
	require.NoError(t, h.Call(context.Background(), "echo", map[string]string{"a": "b"}, &echoed))
	assert.Equal(t, map[string]string{"a": "b"}, echoed)

	again, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, int32(1), l.launches.Load())

	events := make(chan supervisor.ExitEvent, 1)
	_, err = s.OnTerminate(func(ev supervisor.ExitEvent) { events <- ev })
	require.NoError(t, err)

	require.NoError(t, s.Terminate(context.Background()))
	select {
	case ev := <-events:
		assert.True(t, ev.Requested)
		assert.Equal(t, h.PID(), ev.PID)
	default:
		t.Fatal("listener did not run before Terminate returned")
	}
	assert.Equal(t, supervisor.StateAbsent, s.State())
}

func TestSupportHandshakeFailureKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	f := newTestFactory(t, &sleeper{establisher: &pipeEstablisher{fail: true}})
	s, err := f.Create(Request{Project: types.Project{Name: "p"}})
	require.NoError(t, err)

	_, err = s.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChannel))
	assert.Equal(t, supervisor.StateAbsent, s.State())
	assert.Empty(t, f.Supervisor().Snapshot())
}

func TestSupportSpawnFailure(t *testing.T) {
	f := newTestFactory(t, &Local{})
	s, err := f.Create(Request{
		JDK:     types.JDK{Home: "/nonexistent/jdk"},
		Project: types.Project{Name: "p"},
	})
	require.NoError(t, err)

	_, err = s.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrSpawn))
}
