package supervisor

import (
	"context"
	"slices"
	"time"

	"github.com/socialgouv/buildsrv/pkg/channel"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/metrics"
	"github.com/socialgouv/buildsrv/pkg/types"
)

// ExitEvent describes the death of a build-server process
type ExitEvent struct {
	Key      types.LaunchKey
	HandleID string
	PID      int
	// ExitCode is -1 when the process was killed by a signal
	ExitCode int
	// Requested is true when the exit followed a Terminate call
	Requested bool
	At        time.Time
}

// Listener observes process termination
type Listener func(ExitEvent)

type listenerEntry struct {
	fn Listener
}

// Handle is the proxy to one live build-server process
type Handle struct {
	id        string
	key       types.LaunchKey
	process   Process
	channel   Channel
	startedAt time.Time
	sup       *Supervisor
	logger    logger.Logger

	// guarded by sup.mu
	lastUsed    time.Time
	terminating bool
	exited      bool
	listeners   []*listenerEntry

	// closed after every listener has run
	terminated chan struct{}
}

// ID returns the handle id, unique per start
func (h *Handle) ID() string { return h.id }

// Key returns the launch key the handle was started for
func (h *Handle) Key() types.LaunchKey { return h.key }

// PID returns the OS process id
func (h *Handle) PID() int { return h.process.Pid() }

// StartedAt returns when the handshake completed
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and every listener has run
func (h *Handle) Done() <-chan struct{} { return h.terminated }

// Alive reports whether the process is running and no termination was requested
func (h *Handle) Alive() bool {
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return !h.exited && !h.terminating
}

// LastUsed returns the time of the last acquire or call
func (h *Handle) LastUsed() time.Time {
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return h.lastUsed
}

func (h *Handle) touch() {
	h.sup.mu.Lock()
	h.lastUsed = time.Now()
	h.sup.mu.Unlock()
}

// Call performs a proxy call. It fails fast with a communication error when
// the process is dead or dies while the call is in flight.
func (h *Handle) Call(ctx context.Context, method string, params, result interface{}) error {
	err := h.call(ctx, method, params, result)
	metrics.RecordCall(h.sup.name, method, err)
	return err
}

func (h *Handle) call(ctx context.Context, method string, params, result interface{}) error {
	select {
	case <-h.process.Done():
		return h.deadError(method)
	default:
	}
	h.touch()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.process.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := h.channel.Call(ctx, method, params, result); err != nil {
		select {
		case <-h.process.Done():
			return pkgerrors.WrapWithField(
				pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeCommunication, "build server exited during call"),
				logger.FieldHandleID, h.id, "call "+method)
		default:
			return err
		}
	}
	return nil
}

func (h *Handle) deadError(method string) error {
	return pkgerrors.WrapWithField(
		pkgerrors.Newf(pkgerrors.ErrorCodeCommunication, "build server %d has exited", h.process.Pid()),
		logger.FieldHandleID, h.id, "call "+method)
}

// Ping checks that the server answers
func (h *Handle) Ping(ctx context.Context) error {
	return h.Call(ctx, channel.MethodPing, nil, nil)
}

// OnTerminate registers a listener fired once after the process exits.
// Listeners run in registration order. The returned func unsubscribes and is
// idempotent. It fails with ErrNotRunning when the process has already exited.
func (h *Handle) OnTerminate(l Listener) (func(), error) {
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return h.addListenerLocked(l)
}

func (h *Handle) addListenerLocked(l Listener) (func(), error) {
	if h.exited {
		return nil, pkgerrors.WrapWithField(
			pkgerrors.NewWithCode(pkgerrors.ErrorCodeNotRunning, "build server has exited"),
			logger.FieldHandleID, h.id, "register termination listener")
	}

	entry := &listenerEntry{fn: l}
	h.listeners = append(h.listeners, entry)
	return func() {
		h.sup.mu.Lock()
		defer h.sup.mu.Unlock()
		h.listeners = slices.DeleteFunc(h.listeners, func(e *listenerEntry) bool { return e == entry })
	}, nil
}
