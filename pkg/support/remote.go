package support

import (
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/socialgouv/buildsrv/pkg/channel"
	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/spawn"
)

// DefaultPortProperty is the system property telling the server which port to listen on
const DefaultPortProperty = "buildsrv.port"

// PortAllocator hands out ports from [base, base+size) round robin
type PortAllocator struct {
	mu   sync.Mutex
	base int
	size int
	next int
}

// NewPortAllocator creates an allocator starting at base. A size of zero or
// less means 1000 ports.
func NewPortAllocator(base, size int) *PortAllocator {
	if size <= 0 {
		size = 1000
	}
	return &PortAllocator{base: base, size: size, next: base}
}

// Next returns the next port and advances the counter
func (a *PortAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	port := a.next
	a.next++

	// Wrap around to the base port once the range is used up
	if a.next >= a.base+a.size {
		a.next = a.base
	}

	return port
}

// RemoteHost runs the server through a launcher prefix such as
// "ssh build-host --" and connects to it over TCP
type RemoteHost struct {
	// Host is dialled for the channel
	Host string
	// Command is the launcher prefix
	Command []string
	// JavaHome on the remote host; "java" from PATH when empty
	JavaHome string
	Ports    *PortAllocator
	// PortProperty defaults to DefaultPortProperty
	PortProperty string
	// ConnectTimeout bounds dial plus handshake
	ConnectTimeout time.Duration
	PollInterval   time.Duration
}

// Translate implements Launcher
func (r *RemoteHost) Translate(req Request) Request {
	out := req
	out.JDK.Home = r.JavaHome
	return out
}

// Launch implements Launcher
func (r *RemoteHost) Launch(t Target) (spawn.Command, channel.Establisher, error) {
	if len(r.Command) == 0 {
		return spawn.Command{}, nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "remote host launcher command is empty")
	}
	if r.Ports == nil {
		return spawn.Command{}, nil, pkgerrors.NewWithCode(pkgerrors.ErrorCodeInvalidInput, "remote host has no port range")
	}

	port := r.Ports.Next()
	property := r.PortProperty
	if property == "" {
		property = DefaultPortProperty
	}

	java := "java"
	if t.Request.JDK.Home != "" {
		java = path.Join(t.Request.JDK.Home, "bin", "java")
	}

	args := append([]string{}, r.Command[1:]...)
	args = append(args, java)
	args = append(args, javaArgs(t.Args, t.Request.Distribution, path.Join, "-D"+property+"="+strconv.Itoa(port))...)

	cmd := spawn.Command{Path: r.Command[0], Args: args}
	establisher := &channel.TCPEstablisher{
		Logger:       t.Logger,
		Host:         r.Host,
		Port:         port,
		Handshake:    channel.HandshakeParams{LaunchKey: t.Key.ID()},
		Timeout:      r.ConnectTimeout,
		PollInterval: r.PollInterval,
		LogIO:        t.LogIO,
	}
	return cmd, establisher, nil
}
