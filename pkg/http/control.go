package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"k8s.io/utils/ptr"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/supervisor"
	"github.com/socialgouv/buildsrv/pkg/support"
	"github.com/socialgouv/buildsrv/pkg/types"
	"github.com/socialgouv/buildsrv/pkg/vmargs"
)

const (
	// DefaultCallTimeout bounds an acquire plus one proxy call
	DefaultCallTimeout = 2 * time.Minute
	maxRequestBytes    = 1 << 20
)

// BuildServer is the build server of one launch key, as the control API drives it
type BuildServer interface {
	Acquire(ctx context.Context) (*supervisor.Handle, error)
	Terminate(ctx context.Context) error
	State() supervisor.State
	Type() string
	Key() types.LaunchKey
	Arguments() *vmargs.ArgumentSet
}

// Launcher resolves a request to the build server serving it
type Launcher interface {
	Resolve(req support.Request) (BuildServer, error)
}

// RegistryLauncher resolves requests through the registry's first applicable factory
func RegistryLauncher(registry *support.Registry) Launcher {
	return registryLauncher{registry: registry}
}

type registryLauncher struct {
	registry *support.Registry
}

func (l registryLauncher) Resolve(req support.Request) (BuildServer, error) {
	s, err := l.registry.ForProject(req.Project).Create(req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// serverRequest is the JSON form of support.Request
type serverRequest struct {
	JDK          types.JDK          `json:"jdk"`
	VMOptions    string             `json:"vmOptions,omitempty"`
	Distribution types.Distribution `json:"distribution"`
	Project      types.Project      `json:"project"`
	DebugPort    int                `json:"debugPort,omitempty"`
	BaseDir      string             `json:"baseDir,omitempty"`
}

func (r serverRequest) toSupport() support.Request {
	req := support.Request{
		JDK:          r.JDK,
		VMOptions:    r.VMOptions,
		Distribution: r.Distribution,
		Project:      r.Project,
		BaseDir:      r.BaseDir,
	}
	if req.BaseDir == "" {
		req.BaseDir = r.Project.BasePath
	}
	if r.DebugPort != 0 {
		req.DebugPort = ptr.To(r.DebugPort)
	}
	return req
}

type callRequest struct {
	serverRequest
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type serverResponse struct {
	Type      string `json:"type"`
	KeyID     string `json:"keyId"`
	State     string `json:"state"`
	HandleID  string `json:"handleId,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type callResponse struct {
	serverResponse
	Result json.RawMessage `json:"result"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	RPCCode int64  `json:"rpcCode,omitempty"`
}

func (s *Server) registerControl(mux *http.ServeMux) {
	mux.HandleFunc("POST /servers/acquire", s.acquireHandler)
	mux.HandleFunc("POST /servers/call", s.callHandler)
	mux.HandleFunc("POST /servers/terminate", s.terminateHandler)
}

// acquireHandler starts the build server for a request, or returns the running one
func (s *Server) acquireHandler(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decode(w, r, &req) {
		return
	}
	bs, ok := s.resolve(w, req)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()

	h, err := bs.Acquire(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, describe(bs, h))
}

// callHandler makes one proxy call, starting the build server when needed
func (s *Server) callHandler(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Method == "" {
		s.writeError(w, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "method is required"))
		return
	}
	bs, ok := s.resolve(w, req.serverRequest)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()

	h, err := bs.Acquire(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var params interface{}
	if len(req.Params) > 0 {
		params = req.Params
	}
	var result json.RawMessage
	if err := h.Call(ctx, req.Method, params, &result); err != nil {
		s.writeError(w, err)
		return
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	s.logger.WithFields(map[string]interface{}{
		logger.FieldMethod:      req.Method,
		logger.FieldFactoryType: bs.Type(),
		logger.FieldHandleID:    h.ID(),
	}).Debug("Proxied build server call")
	s.writeJSON(w, http.StatusOK, callResponse{serverResponse: describe(bs, h), Result: result})
}

// terminateHandler stops the build server for a request; absent servers are fine
func (s *Server) terminateHandler(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if !s.decode(w, r, &req) {
		return
	}
	bs, ok := s.resolve(w, req)
	if !ok {
		return
	}

	if err := bs.Terminate(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, describe(bs, nil))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeInvalidInput, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) resolve(w http.ResponseWriter, req serverRequest) (BuildServer, bool) {
	if req.Project.ID() == "" {
		s.writeError(w, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "project name or basePath is required"))
		return nil, false
	}
	bs, err := s.launcher.Resolve(req.toSupport())
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return bs, true
}

func describe(bs BuildServer, h *supervisor.Handle) serverResponse {
	resp := serverResponse{
		Type:  bs.Type(),
		KeyID: bs.Key().ID(),
		State: bs.State().String(),
	}
	if args := bs.Arguments(); args != nil {
		resp.Arguments = args.Redacted()
	}
	if h != nil {
		resp.HandleID = h.ID()
		resp.PID = h.PID()
	}
	return resp
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return http.StatusBadGateway
	}
	switch pkgerrors.GetCode(err) {
	case pkgerrors.ErrorCodeInvalidInput, pkgerrors.ErrorCodeArgument:
		return http.StatusBadRequest
	case pkgerrors.ErrorCodeNotRunning:
		return http.StatusConflict
	case pkgerrors.ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case pkgerrors.ErrorCodeSpawn, pkgerrors.ErrorCodeChannel, pkgerrors.ErrorCodeCommunication:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	resp := errorResponse{Code: pkgerrors.GetCode(err), Error: err.Error()}
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		resp.RPCCode = rpcErr.Code
	}

	log := s.logger.WithFields(pkgerrors.GetFields(err))
	if code >= http.StatusInternalServerError {
		log.Warn("Build server request failed")
	} else {
		log.Debug("Rejected build server request")
	}
	s.writeJSON(w, code, resp)
}
