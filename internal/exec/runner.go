// Package exec runs gate commands through the shell. The engine depends on
// the CommandRunner interface so tests can substitute a stub.
package exec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Result captures one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// CommandRunner executes a shell command in a working directory under the
// given timeout. Implementations must always bound execution; a zero
// timeout is the caller's bug, not a request for "unlimited".
type CommandRunner interface {
	RunShell(ctx context.Context, workdir, command string, timeout time.Duration) (Result, error)
}

// ShellRunner implements CommandRunner using os/exec via "sh -c".
type ShellRunner struct{}

// NewRunner creates a ShellRunner.
func NewRunner() *ShellRunner {
	return &ShellRunner{}
}

// RunShell executes the command and captures stdout/stderr separately. A
// non-zero exit status is not an error; the exit code lands in the Result.
// Errors are reserved for failures to execute at all.
func (r *ShellRunner) RunShell(ctx context.Context, workdir, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{}, errors.New("command timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workdir != "" {
		cmd.Dir = workdir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

var _ CommandRunner = (*ShellRunner)(nil)
