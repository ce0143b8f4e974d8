// Package sandbox launches and supervises single external processes, such as
// the mesh reconstructor, on behalf of a request.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// DefaultGracePeriod is how long a process is given to exit after it has been
// interrupted before it is killed.
const DefaultGracePeriod = 10 * time.Second

// Sandbox encapsulates a single running process.
type Sandbox interface {
	// Command returns the process handle.
	Command() *exec.Cmd
	// Wait waits for the process to exit and returns its exit code. A
	// non-zero exit code is not reported as an error; err is only set if the
	// process could not be waited on or was terminated by a signal.
	Wait() (int, error)
	// Close terminates the process if it's still running.
	Close() error
}

// sandbox is the default sandbox implementation.
type sandbox struct {
	// cancel cancels the context associated with the process.
	cancel context.CancelFunc
	// command is the process handle.
	command *exec.Cmd
}

// Command implements Sandbox.Command.
func (s *sandbox) Command() *exec.Cmd {
	return s.command
}

// Wait implements Sandbox.Wait.
func (s *sandbox) Wait() (int, error) {
	err := s.command.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
	}
	return -1, err
}

// Close implements Sandbox.Close.
func (s *sandbox) Close() error {
	s.cancel()
	return nil
}

// Create starts a sandboxed process. The ctx, name and arg arguments
// correspond to their counterparts in os/exec.CommandContext. When ctx is
// cancelled the process is first interrupted (killed on Windows) and, if it
// hasn't exited within gracePeriod, killed. The modifier callback (which may
// be nil) can configure the command before it is started.
func Create(ctx context.Context, gracePeriod time.Duration, modifier func(*exec.Cmd), name string, arg ...string) (Sandbox, error) {
	// Create a subcontext we can use to regulate the process lifetime.
	ctx, cancel := context.WithCancel(ctx)

	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	command := exec.CommandContext(ctx, name, arg...)
	command.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return command.Process.Kill()
		}
		return command.Process.Signal(os.Interrupt)
	}
	command.WaitDelay = gracePeriod
	if modifier != nil {
		modifier(command)
	}

	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("unable to start process: %w", err)
	}
	return &sandbox{
		cancel:  cancel,
		command: command,
	}, nil
}
