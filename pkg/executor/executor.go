package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Executor provides system command execution with privilege escalation
type Executor struct {
	// sudo is the path of the sudo binary, empty when commands already run as root
	// or sudo is unavailable.
	sudo string
}

// NewExecutor creates a new system command executor
func NewExecutor() *Executor {
	e := &Executor{}
	if os.Geteuid() == 0 {
		return e
	}

	path, err := exec.LookPath("sudo")
	if err != nil {
		log.Warn().Msg("Not running as root and sudo is not available. Privileged commands will run as the current user.")
		return e
	}
	e.sudo = path
	return e
}

// Execute runs a command with full control over execution parameters
func (e *Executor) Execute(ctx context.Context, opts CommandOptions) (int, string, error) {
	if len(opts.Args) == 0 {
		return 1, "", errors.New("no command provided")
	}

	args := opts.Args
	if opts.AsRoot {
		args = e.Privileged(args)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	var output bytes.Buffer
	if opts.Output != nil {
		cmd.Stdout = io.MultiWriter(&output, opts.Output)
	} else {
		cmd.Stdout = &output
	}
	cmd.Stderr = cmd.Stdout

	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	line := strings.Join(args, " ")
	if opts.Secret {
		line = opts.Args[0] + " [redacted]"
	}
	log.Debug().
		Str("command", line).
		Bool("root", opts.AsRoot).
		Msg("Executor execute command")

	err := cmd.Run()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return exitError.ExitCode(), output.String(), &ExitError{
				Command:  line,
				ExitCode: exitError.ExitCode(),
				Output:   output.String(),
			}
		}
		return 1, output.String(), fmt.Errorf("failed to run '%s': %w", line, err)
	}

	return 0, output.String(), nil
}

// Privileged prefixes args with sudo when the executor is not running as root.
func (e *Executor) Privileged(args []string) []string {
	if e.sudo == "" {
		return args
	}
	return append([]string{e.sudo}, args...)
}

// Implement CommandExecutor interface methods

// Run executes a command with the given arguments
func (e *Executor) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	allArgs := append([]string{name}, args...)
	return e.Execute(ctx, CommandOptions{Args: allArgs})
}

// RunAsRoot executes a command with root privileges
func (e *Executor) RunAsRoot(ctx context.Context, name string, args ...string) (int, string, error) {
	allArgs := append([]string{name}, args...)
	return e.Execute(ctx, CommandOptions{
		Args:   allArgs,
		AsRoot: true,
	})
}

// Exec executes a command with all options
func (e *Executor) Exec(ctx context.Context, opts CommandOptions) (int, string, error) {
	return e.Execute(ctx, opts)
}
