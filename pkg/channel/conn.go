package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/redact"
)

// Methods understood by every build server
const (
	MethodHandshake = "buildServer/handshake"
	MethodShutdown  = "buildServer/shutdown"
	MethodPing      = "buildServer/ping"
	// MethodLog is a server-to-client notification carrying a log line
	MethodLog = "buildServer/log"
)

// ProtocolVersion is sent in the handshake
const ProtocolVersion = "1"

// HandshakeParams is sent by the client once the stream is open
type HandshakeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientPID       int    `json:"clientPid"`
	LaunchKey       string `json:"launchKey,omitempty"`
}

// HandshakeResult is the server's answer to the handshake
type HandshakeResult struct {
	ServerVersion string `json:"serverVersion"`
	PID           int    `json:"pid,omitempty"`
}

// LogParams is the payload of MethodLog notifications
type LogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Conn is a JSON-RPC connection to one build server
type Conn struct {
	rpc    *jsonrpc2.Conn
	logger logger.Logger
	logIO  bool

	closeOnce sync.Once
	closeErr  error
}

// Open starts a JSON-RPC connection over rwc using LSP-style framing.
// The connection lives until Close or until the stream fails.
func Open(rwc io.ReadWriteCloser, log logger.Logger) *Conn {
	c := &Conn{logger: logger.WithComponent(log, "channel")}
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	c.rpc = jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.HandlerWithError(c.handle))
	return c
}

func (c *Conn) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	if !req.Notif {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not handled"}
	}
	if req.Method != MethodLog || req.Params == nil {
		return nil, nil
	}

	var params LogParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		c.logger.WithField(logger.FieldError, err.Error()).Debug("Ignoring malformed log notification")
		return nil, nil
	}
	switch params.Level {
	case "error", "warn", "warning":
		c.logger.Warn(params.Message)
	case "debug", "trace":
		c.logger.Debug(params.Message)
	default:
		c.logger.Info(params.Message)
	}
	return nil, nil
}

// Handshake performs the protocol handshake. Any failure is a channel failure.
func (c *Conn) Handshake(ctx context.Context, params HandshakeParams) (*HandshakeResult, error) {
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = ProtocolVersion
	}
	if params.ClientPID == 0 {
		params.ClientPID = os.Getpid()
	}

	var result HandshakeResult
	if err := c.rpc.Call(ctx, MethodHandshake, params, &result); err != nil {
		return nil, pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeChannel, "handshake failed")
	}
	return &result, nil
}

// SetLogIO enables logging of redacted call payloads at DEBUG level
func (c *Conn) SetLogIO(enabled bool) {
	c.logIO = enabled
}

func (c *Conn) logPayload(method, field string, v interface{}) {
	if !c.logIO || v == nil || !c.logger.DebugEnabled() {
		return
	}
	out, err := redact.JSON(v)
	if err != nil {
		c.logger.WithField(logger.FieldError, err.Error()).Debug("Failed to marshal payload for logging")
		return
	}
	c.logger.WithFields(map[string]interface{}{
		logger.FieldMethod: method,
		field:              out,
	}).Debug("Channel I/O")
}

// Call sends a request and decodes the response into result
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	c.logPayload(method, "request", params)
	if err := c.rpc.Call(ctx, method, params, result); err != nil {
		return classify(ctx, err, method)
	}
	c.logPayload(method, "response", result)
	return nil
}

// Notify sends a notification
func (c *Conn) Notify(ctx context.Context, method string, params interface{}) error {
	if err := c.rpc.Notify(ctx, method, params); err != nil {
		return classify(ctx, err, method)
	}
	return nil
}

// DisconnectNotify is closed when the connection is closed or the stream fails
func (c *Conn) DisconnectNotify() <-chan struct{} {
	return c.rpc.DisconnectNotify()
}

// Close closes the connection and the underlying stream. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.rpc.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// classify maps a jsonrpc2 error onto the error taxonomy. Errors returned by
// the server keep their RPC code; everything else means the channel is gone.
func classify(ctx context.Context, err error, method string) error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return pkgerrors.WrapWithField(
			pkgerrors.WrapWithField(err, "rpc_code", rpcErr.Code, "remote error"),
			logger.FieldMethod, method, "call "+method)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return pkgerrors.WrapWithField(
			pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeTimeout, "call abandoned"),
			logger.FieldMethod, method, "call "+method)
	}
	return pkgerrors.WrapWithField(
		pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeCommunication, "channel closed"),
		logger.FieldMethod, method, "call "+method)
}
