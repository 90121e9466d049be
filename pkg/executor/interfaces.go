package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrCommandFailed is matched by every *ExitError.
var ErrCommandFailed = errors.New("command failed")

// CommandExecutor runs external commands to completion.
// Provisioning code depends on this interface so it can be tested without a real OS.
type CommandExecutor interface {
	// Run executes a command as the current user
	Run(ctx context.Context, name string, args ...string) (int, string, error)

	// RunAsRoot executes a command with root privileges, through sudo when needed
	RunAsRoot(ctx context.Context, name string, args ...string) (int, string, error)

	// Exec executes a command with all options
	Exec(ctx context.Context, opts CommandOptions) (int, string, error)
}

// CommandOptions defines options for command execution
type CommandOptions struct {
	Args    []string      // Command and arguments
	AsRoot  bool          // Escalate with sudo when not already root
	Input   string        // Input to provide via stdin
	Timeout time.Duration // Command timeout (0 = none)
	Output  io.Writer     // Optional live copy of the combined output
	Secret  bool          // Arguments carry credentials, only the program name is logged
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command '%s' exited with status %d", e.Command, e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return ErrCommandFailed
}
