package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// abortGracePeriod is how long an aborted child gets after SIGTERM.
const abortGracePeriod = 2 * time.Second

// LaunchSpec describes a terminal-attached agent launch.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	// InstallHint is surfaced when the binary is missing from PATH.
	InstallHint string
}

// LaunchError is a local launch failure: the child could not start or
// exited non-zero. The runner records it and exits 1.
type LaunchError struct {
	ExitCode int
	Reason   string
}

func (e *LaunchError) Error() string {
	return e.Reason
}

// SpawnWithAbort runs the agent CLI attached to this terminal until it exits
// or ctx is cancelled. The terminal is put into raw mode for the child and
// restored in a deferred cleanup regardless of exit path. Cancellation sends
// SIGTERM, then SIGKILL after a grace period.
func SpawnWithAbort(ctx context.Context, spec LaunchSpec) error {
	if _, err := exec.LookPath(spec.Command); err != nil {
		reason := fmt.Sprintf("agent binary %q not found", spec.Command)
		if spec.InstallHint != "" {
			reason += ": " + spec.InstallHint
		}
		return &LaunchError{ExitCode: -1, Reason: reason}
	}

	// Shell invocation only on Windows, so npm .cmd shims resolve.
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd.exe", append([]string{"/c", spec.Command}, spec.Args...)...)
	} else {
		cmd = exec.Command(spec.Command, spec.Args...)
	}
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &LaunchError{ExitCode: -1, Reason: fmt.Sprintf("failed to start %s: %v", spec.Command, err)}
	}
	defer ptmx.Close()

	// Keep the child's view of the terminal in step with ours.
	resize := func() {
		_ = pty.InheritSize(os.Stdin, ptmx)
	}
	resize()

	stdinFd := int(os.Stdin.Fd())
	var restore *term.State
	if term.IsTerminal(stdinFd) {
		if state, err := term.MakeRaw(stdinFd); err == nil {
			restore = state
		}
	}
	defer func() {
		if restore != nil {
			_ = term.Restore(stdinFd, restore)
		}
	}()

	copyDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, ptmx)
		close(copyDone)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err = <-waitDone:
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err = <-waitDone:
		case <-time.After(abortGracePeriod):
			_ = cmd.Process.Kill()
			err = <-waitDone
		}
	}

	// Drain the child's remaining output before restoring the terminal.
	select {
	case <-copyDone:
	case <-time.After(time.Second):
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return nil // aborted on purpose
			}
			return &LaunchError{ExitCode: exitErr.ExitCode(), Reason: fmt.Sprintf("%s exited with code %d", spec.Command, exitErr.ExitCode())}
		}
		return &LaunchError{ExitCode: -1, Reason: err.Error()}
	}
	return nil
}
