package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
)

type fakeProcess struct {
	rwc       io.ReadWriteCloser
	done      chan struct{}
	forwarded bool
	once      sync.Once
}

func newFakeProcess(rwc io.ReadWriteCloser) *fakeProcess {
	return &fakeProcess{rwc: rwc, done: make(chan struct{})}
}

func (p *fakeProcess) Stdio() io.ReadWriteCloser { return p.rwc }
func (p *fakeProcess) ForwardStdout()            { p.forwarded = true }
func (p *fakeProcess) Done() <-chan struct{}     { return p.done }
func (p *fakeProcess) exit()                     { p.once.Do(func() { close(p.done) }) }

// silentHandler reads requests and never answers them
type silentHandler struct{}

func (silentHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

// serve runs a minimal build server on rwc
func serve(t *testing.T, rwc io.ReadWriteCloser, answer bool) *jsonrpc2.Conn {
	t.Helper()
	var handler jsonrpc2.Handler = silentHandler{}
	if answer {
		handler = serverHandler()
	}
	conn := jsonrpc2.NewConn(context.Background(), jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), handler)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func serverHandler() jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		switch req.Method {
		case MethodHandshake:
			return HandshakeResult{ServerVersion: "3.9.6", PID: 42}, nil
		case MethodPing:
			return "pong", nil
		case "fail":
			return nil, &jsonrpc2.Error{Code: 42, Message: "boom"}
		default:
			return nil, nil
		}
	})
}

func TestStdioEstablishAndCall(t *testing.T) {
	client, server := net.Pipe()
	serve(t, server, true)

	proc := newFakeProcess(client)
	e := &StdioEstablisher{Logger: logger.NewNopLogger(), Timeout: 5 * time.Second}
	conn, err := e.Establish(context.Background(), proc)
	require.NoError(t, err)
	defer conn.Close()

	var pong string
	require.NoError(t, conn.Call(context.Background(), MethodPing, nil, &pong))
	assert.Equal(t, "pong", pong)

	require.NoError(t, conn.Notify(context.Background(), "anything", map[string]string{"a": "b"}))
}

func TestRemoteErrorKeepsRPCCode(t *testing.T) {
	client, server := net.Pipe()
	serve(t, server, true)

	conn := Open(client, logger.NewNopLogger())
	defer conn.Close()

	err := conn.Call(context.Background(), "fail", nil, nil)
	require.Error(t, err)

	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(42), rpcErr.Code)
	assert.Equal(t, int64(42), pkgerrors.GetFields(err)["rpc_code"])
	assert.False(t, errors.Is(err, pkgerrors.ErrCommunication))
}

func TestCallAfterServerGoneIsCommunicationFailure(t *testing.T) {
	client, server := net.Pipe()
	srv := serve(t, server, true)

	conn := Open(client, logger.NewNopLogger())
	defer conn.Close()

	require.NoError(t, srv.Close())
	select {
	case <-conn.DisconnectNotify():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the disconnect")
	}

	err := conn.Call(context.Background(), MethodPing, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrCommunication), "got %v", err)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	serve(t, server, true)

	conn := Open(client, logger.NewNopLogger())
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}

func TestHandshakeTimeoutIsChannelFailure(t *testing.T) {
	client, server := net.Pipe()
	serve(t, server, false)

	e := &StdioEstablisher{Logger: logger.NewNopLogger(), Timeout: 100 * time.Millisecond}
	_, err := e.Establish(context.Background(), newFakeProcess(client))
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChannel), "got %v", err)
}

func TestHandshakeProcessExitIsChannelFailure(t *testing.T) {
	client, server := net.Pipe()
	serve(t, server, false)

	proc := newFakeProcess(client)
	time.AfterFunc(50*time.Millisecond, proc.exit)

	e := &StdioEstablisher{Logger: logger.NewNopLogger(), Timeout: 10 * time.Second}
	start := time.Now()
	_, err := e.Establish(context.Background(), proc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChannel), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTCPEstablish(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		serve(t, c, true)
	}()

	proc := newFakeProcess(nil)
	e := &TCPEstablisher{
		Logger:       logger.NewNopLogger(),
		Host:         "127.0.0.1",
		Port:         ln.Addr().(*net.TCPAddr).Port,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
	conn, err := e.Establish(context.Background(), proc)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, proc.forwarded)

	var pong string
	require.NoError(t, conn.Call(context.Background(), MethodPing, nil, &pong))
	assert.Equal(t, "pong", pong)
}

func TestTCPEstablishProcessExited(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	proc := newFakeProcess(nil)
	proc.exit()

	e := &TCPEstablisher{Logger: logger.NewNopLogger(), Host: "127.0.0.1", Port: port, Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}
	_, err = e.Establish(context.Background(), proc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrChannel))
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), pkgerrors.GetFields(err)["address"])
}

func TestLogIORedactsPayloads(t *testing.T) {
	client, server := net.Pipe()
	serve(t, server, true)

	var buf syncBuffer
	conn := Open(client, logger.NewLogrusLoggerWithOutput("debug", "json", &buf))
	defer conn.Close()
	conn.SetLogIO(true)

	var pong string
	require.NoError(t, conn.Call(context.Background(), MethodPing, map[string]string{"repoPassword": "hunter2"}, &pong))

	out := buf.String()
	assert.Contains(t, out, "Channel I/O")
	assert.Contains(t, out, "REDACTED")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "pong")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
