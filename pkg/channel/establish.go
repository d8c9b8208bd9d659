package channel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
)

// DefaultHandshakeTimeout bounds the handshake when the caller's context has no deadline
const DefaultHandshakeTimeout = 30 * time.Second

// Process is the view of a spawned process an establisher needs
type Process interface {
	Stdio() io.ReadWriteCloser
	ForwardStdout()
	Done() <-chan struct{}
}

// Establisher opens and handshakes a channel to a freshly spawned process
type Establisher interface {
	Establish(ctx context.Context, proc Process) (*Conn, error)
}

// StdioEstablisher talks to the process over its stdin/stdout
type StdioEstablisher struct {
	Logger    logger.Logger
	Handshake HandshakeParams
	Timeout   time.Duration
	// LogIO logs redacted call payloads, see Conn.SetLogIO
	LogIO bool
}

// Establish implements Establisher
func (e *StdioEstablisher) Establish(ctx context.Context, proc Process) (*Conn, error) {
	conn := Open(proc.Stdio(), e.Logger)
	conn.SetLogIO(e.LogIO)
	if err := handshake(ctx, conn, proc, e.Handshake, e.Timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// TCPEstablisher dials host:port, polling until the server listens. The
// process stdout is drained into the logger.
type TCPEstablisher struct {
	Logger       logger.Logger
	Host         string
	Port         int
	Handshake    HandshakeParams
	Timeout      time.Duration
	PollInterval time.Duration
	LogIO        bool
}

// Address returns the dial address
func (e *TCPEstablisher) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Establish implements Establisher
func (e *TCPEstablisher) Establish(ctx context.Context, proc Process) (*Conn, error) {
	proc.ForwardStdout()

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	interval := e.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	addr := e.Address()
	log := e.Logger.WithField("address", addr)
	var dialer net.Dialer
	var netConn net.Conn
	var lastErr error

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		select {
		case <-proc.Done():
			return false, fmt.Errorf("process exited before listening on %s", addr)
		default:
		}

		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			log.WithField(logger.FieldError, err.Error()).Debug("Build server not listening yet")
			return false, nil
		}
		netConn = c
		return true, nil
	})
	if err != nil {
		if lastErr != nil && wait.Interrupted(err) {
			err = fmt.Errorf("%w (last dial error: %v)", err, lastErr)
		}
		return nil, pkgerrors.WrapWithField(
			pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeChannel, "failed to connect to build server"),
			"address", addr, "dial")
	}

	conn := Open(netConn, e.Logger)
	conn.SetLogIO(e.LogIO)
	if err := handshake(ctx, conn, proc, e.Handshake, e.Timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(ctx context.Context, conn *Conn, proc Process, params HandshakeParams, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A process dying mid-handshake would otherwise leave the call waiting
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := conn.Handshake(ctx, params); err != nil {
		select {
		case <-proc.Done():
			return pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeChannel, "process exited during handshake")
		default:
			return err
		}
	}
	return nil
}
