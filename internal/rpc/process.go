package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"go.uber.org/zap"
)

// killGracePeriod is how long a child gets after SIGTERM before SIGKILL.
const killGracePeriod = 2 * time.Second

// SpawnOptions configure an agent child process.
type SpawnOptions struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string // appended to the current environment
	// InstallHint is included in the spawn error when the binary is
	// missing, e.g. "install it with: npm install -g @openai/codex".
	InstallHint string
	// OnStderr receives classified stderr events, at most one per chunk.
	OnStderr func(StderrEvent)
}

// Process is a spawned agent child wired to a Transport. Exit status flows
// back into the transport's pending table.
type Process struct {
	cmd       *exec.Cmd
	Transport *Transport
	logger    *logger.Logger
	exited    chan struct{}
}

// Spawn starts the agent binary and attaches a transport to its stdio. The
// returned process is already reading stdout and stderr.
func Spawn(ctx context.Context, opts SpawnOptions, log *logger.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, opts.Binary, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) && opts.InstallHint != "" {
			return nil, fmt.Errorf("agent binary %q not found: %s", opts.Binary, opts.InstallHint)
		}
		return nil, fmt.Errorf("failed to start %s: %w", opts.Binary, err)
	}

	p := &Process{
		cmd:    cmd,
		logger: log.WithFields(zap.String("component", "agent-process"), zap.String("binary", opts.Binary)),
		exited: make(chan struct{}),
	}
	p.Transport = NewTransport(stdin, stdout, p.Kill, log)

	go p.readStderr(stderr, opts.OnStderr)
	go p.wait()

	return p, nil
}

// Kill terminates the child: SIGTERM, then SIGKILL after a grace period.
func (p *Process) Kill() {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(killGracePeriod):
		_ = p.cmd.Process.Kill()
	}
}

// Wait blocks until the child exits.
func (p *Process) Wait() {
	<-p.exited
}

// PID returns the child's process id, or 0 before start.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	close(p.exited)

	code := 0
	signal := ""
	if state := p.cmd.ProcessState; state != nil {
		code = state.ExitCode()
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signal = status.Signal().String()
		}
	}
	if err != nil {
		p.logger.Debug("agent process exited", zap.Int("code", code), zap.String("signal", signal), zap.Error(err))
	}
	p.Transport.HandleExit(code, signal)
}

func (p *Process) readStderr(r io.Reader, onStderr func(StderrEvent)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		event := ClassifyStderr(line)
		if event == nil {
			p.logger.Debug("agent stderr", zap.String("line", line))
			continue
		}
		if onStderr != nil {
			onStderr(*event)
		}
	}
}
