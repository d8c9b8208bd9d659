package spawn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
	"github.com/socialgouv/buildsrv/pkg/logger"
)

// Command describes a process to start
type Command struct {
	// Path is the executable, resolved through PATH when not absolute
	Path string
	Args []string
	// Dir is the working directory; empty means the current one
	Dir string
	// Env replaces the inherited environment when non-nil
	Env []string
	// Name labels the process in logs
	Name string
}

// Spawner starts OS processes
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (*Process, error)
}

// ExecSpawner starts local child processes with piped stdin/stdout. The
// child's stderr is forwarded to the logger line by line.
type ExecSpawner struct {
	logger logger.Logger
}

// NewExecSpawner creates a spawner for local child processes
func NewExecSpawner(log logger.Logger) *ExecSpawner {
	return &ExecSpawner{logger: logger.WithComponent(log, "spawn")}
}

// Spawn starts cmd. The context only bounds the start itself: cancelling it
// after Spawn returns does not kill the process.
func (s *ExecSpawner) Spawn(ctx context.Context, c Command) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeSpawn, "spawn cancelled")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeSpawn, "failed to create stdin pipe")
	}

	// StdoutPipe would be closed by Wait while the channel may still be
	// reading the last frames, so the read end is ours to close
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeSpawn, "failed to create stdout pipe")
	}
	cmd.Stdout = stdoutWriter

	name := c.Name
	if name == "" {
		name = c.Path
	}
	procLogger := s.logger.WithField("process", name)
	stderr := newLogWriter(procLogger, "stderr")
	cmd.Stderr = stderr

	err = cmd.Start()
	// The child holds its own copy of the write end
	stdoutWriter.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, pkgerrors.WrapWithField(
			pkgerrors.WrapWithCode(err, pkgerrors.ErrorCodeSpawn, "failed to start process"),
			"path", c.Path, "spawn "+name)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: procLogger,
		done:   make(chan struct{}),
	}
	go p.wait()

	s.logger.WithFields(map[string]interface{}{
		logger.FieldPID: p.Pid(),
		"process":       name,
	}).Info("Process started")

	return p, nil
}

// Process is a spawned OS process. Done is closed once the exit has been
// observed by Wait.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *logWriter
	logger logger.Logger

	done    chan struct{}
	mu      sync.Mutex
	waitErr error
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stderr.Flush()

	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()

	close(p.done)
}

// Pid returns the OS process id
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed after the process has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the exit has been observed
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Err returns the error reported by Wait, nil for a clean exit
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Signal sends sig to the process; signalling an exited process is a no-op
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !isFinished(err) {
		return fmt.Errorf("failed to send %v to process %d: %w", sig, p.Pid(), err)
	}
	return nil
}

// Kill forcibly stops the process; killing an exited process is a no-op
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !isFinished(err) {
		return fmt.Errorf("failed to kill process %d: %w", p.Pid(), err)
	}
	return nil
}

// Stdio returns the process stdin/stdout as one stream. Output written
// before the exit stays readable after Done is closed.
func (p *Process) Stdio() io.ReadWriteCloser {
	return &stdioReadWriteCloser{reader: p.stdout, writer: p.stdin}
}

// ForwardStdout copies stdout to the logger until the process exits. Use it
// when the channel does not run over stdio, or the child blocks on a full pipe.
func (p *Process) ForwardStdout() {
	w := newLogWriter(p.logger, "stdout")
	go func() {
		_, _ = io.Copy(w, p.stdout)
		w.Flush()
		_ = p.stdout.Close()
	}()
}

func isFinished(err error) bool {
	return err == os.ErrProcessDone
}

type stdioReadWriteCloser struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stdioReadWriteCloser) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stdioReadWriteCloser) Write(p []byte) (int, error) { return s.writer.Write(p) }
func (s *stdioReadWriteCloser) Close() error {
	_ = s.reader.Close()
	return s.writer.Close()
}
