package supervisor

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socialgouv/buildsrv/pkg/types"
)

var nextPID atomic.Int32

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	done       chan struct{}
	once       sync.Once
	killed     atomic.Bool

	mu      sync.Mutex
	code    int
	signals []os.Signal
}

func newFakeProcess(ignoreTerm bool) *fakeProcess {
	return &fakeProcess{
		pid:        int(nextPID.Add(1)) + 1000,
		ignoreTerm: ignoreTerm,
		done:       make(chan struct{}),
		code:       -1,
	}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type fakeChannel struct {
	mu       sync.Mutex
	calls    []string
	notifies []string
	closed   bool
	callFn   func(ctx context.Context, method string) error
}

func (c *fakeChannel) Call(ctx context.Context, method string, _, _ interface{}) error {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	fn := c.callFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, method)
	}
	return nil
}

func (c *fakeChannel) Notify(_ context.Context, method string, _ interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies = append(c.notifies, method)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// starter hands out fake processes and records what it started
type starter struct {
	delay      time.Duration
	err        error
	ignoreTerm bool
	callFn     func(ctx context.Context, method string) error

	count    atomic.Int32
	mu       sync.Mutex
	procs    []*fakeProcess
	channels []*fakeChannel
}

func (s *starter) start(ctx context.Context) (Process, Channel, error) {
	s.count.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	p := newFakeProcess(s.ignoreTerm)
	c := &fakeChannel{callFn: s.callFn}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.channels = append(s.channels, c)
	s.mu.Unlock()

	if s.err != nil {
		return p, nil, s.err
	}
	return p, c, nil
}

func (s *starter) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *starter) channel(i int) *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[i]
}

func testKey(project string) types.LaunchKey {
	return types.NewLaunchKey(
		types.JDK{Name: "temurin-21", Home: "/opt/jdk21", Version: "21.0.2"},
		"-Xmx1g",
		types.Distribution{Name: "bundled", Version: "3.9.6", Home: "/opt/maven"},
		project, nil, "/work/"+project)
}
