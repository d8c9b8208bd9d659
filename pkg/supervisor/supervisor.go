package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/socialgouv/buildsrv/pkg/channel"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
	"github.com/socialgouv/buildsrv/pkg/metrics"
	"github.com/socialgouv/buildsrv/pkg/types"
)

// Supervisor keeps at most one live build-server process per launch key
type Supervisor struct {
	name          string
	logger        logger.Logger
	startTimeout  time.Duration
	shutdownGrace time.Duration
	idleTimeout   time.Duration
	gcInterval    time.Duration
	queue         *startQueue

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*Handle
	// closed when the start for that key has finished, either way
	starting  map[string]chan struct{}
	listeners []*listenerEntry
	closed    bool

	// parent of every start context, cancelled by Close
	startCtx     context.Context
	cancelStarts context.CancelFunc

	stopGC    chan struct{}
	closeOnce sync.Once
}

// New creates a supervisor. When an idle timeout is set, a collector
// terminating idle handles runs until Close.
func New(log logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:          "default",
		startTimeout:  DefaultStartTimeout,
		shutdownGrace: DefaultShutdownGrace,
		gcInterval:    DefaultGCInterval,
		queue:         newStartQueue(0),
		handles:       make(map[string]*Handle),
		starting:      make(map[string]chan struct{}),
		stopGC:        make(chan struct{}),
	}
	s.startCtx, s.cancelStarts = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.WithComponent(log, "supervisor").WithField(logger.FieldSupervisor, s.name)

	if s.idleTimeout > 0 {
		s.startGarbageCollector()
	}
	return s
}

// Name returns the supervisor label
func (s *Supervisor) Name() string { return s.name }

// Acquire returns the live handle for key, starting one if none exists.
// Concurrent callers for the same key share a single start. The start is not
// tied to ctx: a caller giving up leaves the start running for the others.
func (s *Supervisor) Acquire(ctx context.Context, key types.LaunchKey, start StartFunc) (*Handle, error) {
	if start == nil {
		return nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "start function is required")
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, closedError(key, "acquire")
		}
		h := s.handles[key.ID()]
		if h != nil && !h.terminating && !h.exited {
			h.lastUsed = time.Now()
			s.mu.Unlock()
			return h, nil
		}
		s.mu.Unlock()

		if h != nil {
			// Terminating: wait for the exit, then start fresh
			if err := waitTerminated(ctx, h); err != nil {
				return nil, err
			}
			continue
		}

		ch := s.group.DoChan(key.ID(), func() (interface{}, error) {
			return s.start(key, start)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			h := res.Val.(*Handle)

			s.mu.Lock()
			switch {
			case h.terminating:
				s.mu.Unlock()
				if err := waitTerminated(ctx, h); err != nil {
					return nil, err
				}
				continue
			case h.exited:
				s.mu.Unlock()
				return nil, h.deadError("acquire")
			}
			h.lastUsed = time.Now()
			s.mu.Unlock()
			return h, nil
		case <-ctx.Done():
			logger.LoggerFromContext(ctx, s.logger).Debug("Caller stopped waiting for build server start")
			return nil, pkgerrors.WrapWithField(
				pkgerrors.WrapWithCode(ctx.Err(), pkgerrors.ErrorCodeTimeout, "stopped waiting for build server start"),
				logger.FieldLaunchKey, key.ShortID(), "acquire")
		}
	}
}

func closedError(key types.LaunchKey, op string) error {
	return pkgerrors.WrapWithField(
		pkgerrors.NewWithCode(pkgerrors.ErrorCodeNotRunning, "supervisor is closed"),
		logger.FieldLaunchKey, key.ShortID(), op)
}

func waitTerminated(ctx context.Context, h *Handle) error {
	select {
	case <-h.terminated:
		return nil
	case <-ctx.Done():
		return pkgerrors.WrapWithCode(ctx.Err(), pkgerrors.ErrorCodeTimeout, "stopped waiting for build server exit")
	}
}

type startResult struct {
	process Process
	channel Channel
	err     error
}

func (r startResult) discard() {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.process != nil {
		_ = r.process.Kill()
	}
}

// start runs under singleflight, once per key at a time
func (s *Supervisor) start(key types.LaunchKey, start StartFunc) (*Handle, error) {
	id := key.ID()
	startLogger := logger.WithOperation(logger.WithLaunchKey(s.logger, key), "start")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, closedError(key, "start")
	}
	if h := s.handles[id]; h != nil {
		s.mu.Unlock()
		return h, nil
	}
	s.starting[id] = make(chan struct{})
	s.mu.Unlock()

	began := time.Now()
	fail := func(err error) (*Handle, error) {
		s.mu.Lock()
		s.endStartLocked(id)
		s.mu.Unlock()

		code := pkgerrors.GetCode(err)
		metrics.RecordStartFailure(s.name, code, time.Since(began))
		logger.WithError(startLogger, err).Warn("Failed to start build server")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(s.startCtx, s.startTimeout)
	defer cancel()

	release, err := s.queue.acquire(ctx)
	if err != nil {
		if s.isClosed() {
			return fail(closedError(key, "start"))
		}
		return fail(pkgerrors.WrapWithField(
			pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeTimeout, "timed out waiting for a start slot"),
			logger.FieldLaunchKey, key.ShortID(), "start"))
	}
	defer release()

	startLogger.Info("Starting build server")

	done := make(chan startResult, 1)
	go func() {
		p, c, err := start(ctx)
		done <- startResult{process: p, channel: c, err: err}
	}()

	var res startResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// A late process must not survive
		go func() { (<-done).discard() }()
		if s.isClosed() {
			return fail(closedError(key, "start"))
		}
		return fail(pkgerrors.WrapWithField(
			pkgerrors.WrapWithCode(ctx.Err(), pkgerrors.ErrorCodeChannel,
				fmt.Sprintf("build server did not become ready within %s", s.startTimeout)),
			logger.FieldLaunchKey, key.ShortID(), "start"))
	}

	if res.err != nil {
		res.discard()
		err := res.err
		if pkgerrors.GetCode(err) == pkgerrors.ErrorCodeUnknown {
			err = pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeSpawn, "start failed")
		}
		return fail(err)
	}
	if res.process == nil || res.channel == nil {
		res.discard()
		return fail(pkgerrors.NewWithCode(pkgerrors.ErrorCodeInternalError, "start returned no process or channel"))
	}

	now := time.Now()
	h := &Handle{
		id:         uuid.NewString(),
		key:        key,
		process:    res.process,
		channel:    res.channel,
		startedAt:  now,
		sup:        s,
		lastUsed:   now,
		terminated: make(chan struct{}),
	}
	h.logger = startLogger.WithFields(map[string]interface{}{
		logger.FieldHandleID: h.id,
		logger.FieldPID:      h.PID(),
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Close may already have returned: nothing would ever stop this one
		res.discard()
		return fail(closedError(key, "start"))
	}
	s.handles[id] = h
	s.endStartLocked(id)
	s.mu.Unlock()

	go s.watch(h)

	metrics.RecordStart(s.name, time.Since(began))
	h.logger.WithField(logger.FieldDuration, time.Since(began).Milliseconds()).Info("Build server started")
	return h, nil
}

func (s *Supervisor) endStartLocked(id string) {
	if ch, ok := s.starting[id]; ok {
		close(ch)
		delete(s.starting, id)
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// watch observes the exit of h, removes it and fires its listeners
func (s *Supervisor) watch(h *Handle) {
	<-h.process.Done()

	s.mu.Lock()
	if s.handles[h.key.ID()] == h {
		delete(s.handles, h.key.ID())
	}
	h.exited = true
	event := ExitEvent{
		Key:       h.key,
		HandleID:  h.id,
		PID:       h.process.Pid(),
		ExitCode:  h.process.ExitCode(),
		Requested: h.terminating,
		At:        time.Now(),
	}
	local := h.listeners
	h.listeners = nil
	global := make([]*listenerEntry, len(s.listeners))
	copy(global, s.listeners)
	s.mu.Unlock()

	_ = h.channel.Close()

	reason := metrics.ExitUnsolicited
	exitLogger := h.logger.WithField(logger.FieldExitCode, event.ExitCode)
	if event.Requested {
		reason = metrics.ExitRequested
		exitLogger.Info("Build server stopped")
	} else {
		exitLogger.Warn("Build server exited unexpectedly")
	}
	metrics.RecordExit(s.name, reason)

	for _, l := range local {
		s.fire(l, event)
	}
	for _, l := range global {
		s.fire(l, event)
	}

	close(h.terminated)
}

func (s *Supervisor) fire(l *listenerEntry, event ExitEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField(logger.FieldError, fmt.Sprint(r)).Error("Termination listener panicked")
		}
	}()
	l.fn(event)
}

// Terminate stops the process for key and returns once it has exited and its
// listeners have run. A start in flight is awaited and its process stopped.
// Terminating an absent key is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, key types.LaunchKey) error {
	id := key.ID()
	s.mu.Lock()
	h := s.handles[id]
	pending := s.starting[id]
	s.mu.Unlock()

	if h == nil && pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return pkgerrors.WrapWithCode(ctx.Err(), pkgerrors.ErrorCodeTimeout, "stopped waiting for build server start")
		}
		s.mu.Lock()
		h = s.handles[id]
		s.mu.Unlock()
	}

	if h == nil {
		return nil
	}
	return s.terminate(ctx, h)
}

// Release is an alias of Terminate
func (s *Supervisor) Release(ctx context.Context, key types.LaunchKey) error {
	return s.Terminate(ctx, key)
}

func (s *Supervisor) terminate(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	first := !h.terminating && !h.exited
	h.terminating = true
	s.mu.Unlock()

	if first {
		go s.shutdown(h)
	}
	return waitTerminated(ctx, h)
}

// shutdown asks the server to stop, then signals, then kills after the grace period
func (s *Supervisor) shutdown(h *Handle) {
	log := logger.WithOperation(h.logger, "terminate")

	notifyCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := h.channel.Notify(notifyCtx, channel.MethodShutdown, nil); err != nil {
		log.WithField(logger.FieldError, err.Error()).Debug("Shutdown notification not delivered")
	}
	cancel()

	if err := h.process.Signal(syscall.SIGTERM); err != nil {
		log.WithField(logger.FieldError, err.Error()).Warn("Failed to send SIGTERM to build server")
	}

	select {
	case <-h.process.Done():
		return
	case <-time.After(s.shutdownGrace):
	}

	log.WithField("grace", s.shutdownGrace.String()).Warn("Build server ignored SIGTERM, killing it")
	if err := h.process.Kill(); err != nil {
		log.WithField(logger.FieldError, err.Error()).Error("Failed to kill build server")
	}
}

// RegisterTerminationListener attaches l to the live handle of key
func (s *Supervisor) RegisterTerminationListener(key types.LaunchKey, l Listener) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.handles[key.ID()]
	if h == nil {
		return nil, pkgerrors.WrapWithField(
			pkgerrors.NewWithCode(pkgerrors.ErrorCodeNotRunning, "no build server running"),
			logger.FieldLaunchKey, key.ShortID(), "register termination listener")
	}
	return h.addListenerLocked(l)
}

// OnTerminate registers a listener fired for every process death, after the
// handle's own listeners. The returned func unsubscribes.
func (s *Supervisor) OnTerminate(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &listenerEntry{fn: l}
	s.listeners = append(s.listeners, entry)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e == entry {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// DisposeAll waits for starts in flight, then terminates every live handle
// concurrently. It is safe to call repeatedly and with handles that are
// already dead.
func (s *Supervisor) DisposeAll(ctx context.Context) error {
	if err := s.waitStarts(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}
	s.logger.WithField("handles", len(handles)).Info("Disposing build servers")

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			return s.terminate(ctx, h)
		})
	}
	return g.Wait()
}

func (s *Supervisor) waitStarts(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]chan struct{}, 0, len(s.starting))
	for _, ch := range s.starting {
		pending = append(pending, ch)
	}
	s.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return pkgerrors.WrapWithCode(ctx.Err(), pkgerrors.ErrorCodeTimeout, "stopped waiting for build server starts")
		}
	}
	return nil
}

// Close refuses further acquires, cancels starts in flight, stops idle
// collection and disposes every handle. A start finishing after Close kills
// its process instead of handing it out.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancelStarts()
		close(s.stopGC)
	})
	return s.DisposeAll(ctx)
}

// State returns the lifecycle state of key
func (s *Supervisor) State(key types.LaunchKey) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h := s.handles[key.ID()]; h != nil {
		if h.terminating || h.exited {
			return StateTerminating
		}
		return StateRunning
	}
	if _, ok := s.starting[key.ID()]; ok {
		return StateStarting
	}
	return StateAbsent
}

// HandleInfo is a point-in-time view of a handle
type HandleInfo struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"keyId"`
	Project   string    `json:"project"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Snapshot lists the handles currently held
func (s *Supervisor) Snapshot() []HandleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]HandleInfo, 0, len(s.handles))
	for _, h := range s.handles {
		state := StateRunning
		if h.terminating || h.exited {
			state = StateTerminating
		}
		out = append(out, HandleInfo{
			ID:        h.id,
			KeyID:     h.key.ID(),
			Project:   h.key.Project(),
			PID:       h.process.Pid(),
			State:     state.String(),
			StartedAt: h.startedAt,
			LastUsed:  h.lastUsed,
		})
	}
	return out
}

// startGarbageCollector terminates idle handles every gcInterval until Close
func (s *Supervisor) startGarbageCollector() {
	go wait.Until(s.collectGarbage, s.gcInterval, s.stopGC)
}

// IsNotRunning reports whether err means no live process was available
func IsNotRunning(err error) bool {
	return errors.Is(err, pkgerrors.ErrNotRunning)
}
