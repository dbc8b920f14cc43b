// Package executor runs the external tools the pipeline depends on (qemu,
// binutils, the filesystem packer). Every tool is treated as an opaque
// executable: arguments in, exit status out.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"zforge/internal/logging"
)

// Runner abstracts external command execution so pipeline stages can be
// tested with stubs.
type Runner interface {
	// Run executes the command, streaming output to the configured
	// writers, and returns an error on non-zero exit.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and captures stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Executor is the production Runner. Cancellation is only honored before a
// command starts; once a tool is running it is allowed to finish.
type Executor struct {
	Logger *slog.Logger
	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
	// Dir sets the working directory for every command when non-empty.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

var _ Runner = (*Executor)(nil)

// Run executes the command with stdio streamed through.
func (e *Executor) Run(ctx context.Context, name string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := e.command(ctx, name, args)
	cmd.Stdout = e.stdout()
	cmd.Stderr = e.stderr()
	cmd.Stdin = os.Stdin

	logging.Ensure(e.Logger).Debug("running external tool",
		"command", name,
		"args", strings.Join(args, " "),
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// Output executes the command and returns captured stdout; stderr is
// streamed through.
func (e *Executor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := e.command(ctx, name, args)
	cmd.Stderr = e.stderr()

	logging.Ensure(e.Logger).Debug("running external tool",
		"command", name,
		"args", strings.Join(args, " "),
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

func (e *Executor) command(ctx context.Context, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	return cmd
}

func (e *Executor) stdout() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return os.Stdout
}

func (e *Executor) stderr() io.Writer {
	if e.Stderr != nil {
		return e.Stderr
	}
	return os.Stderr
}
