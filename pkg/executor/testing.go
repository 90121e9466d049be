package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

// MockCommandExecutor is a mock implementation of CommandExecutor for testing.
type MockCommandExecutor struct {
	t        *testing.T
	commands []ExecutedCommand
	results  map[string]CommandResult
}

// ExecutedCommand represents a command that was executed by the mock.
type ExecutedCommand struct {
	Name    string
	Args    []string
	AsRoot  bool
	Input   string
	Timeout time.Duration
	Secret  bool
}

// Line returns the command the way SetResult keys it.
func (c ExecutedCommand) Line() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandResult represents the result of a mocked command execution.
type CommandResult struct {
	ExitCode int
	Output   string
	Err      error
}

func NewMockCommandExecutor(t *testing.T) *MockCommandExecutor {
	return &MockCommandExecutor{
		t:        t,
		commands: []ExecutedCommand{},
		results:  make(map[string]CommandResult),
	}
}

func (m *MockCommandExecutor) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	return m.Exec(ctx, CommandOptions{Args: append([]string{name}, args...)})
}

func (m *MockCommandExecutor) RunAsRoot(ctx context.Context, name string, args ...string) (int, string, error) {
	return m.Exec(ctx, CommandOptions{Args: append([]string{name}, args...), AsRoot: true})
}

func (m *MockCommandExecutor) Exec(ctx context.Context, opts CommandOptions) (int, string, error) {
	if len(opts.Args) == 0 {
		return 0, "", nil
	}
	executed := ExecutedCommand{
		Name:    opts.Args[0],
		Args:    opts.Args[1:],
		AsRoot:  opts.AsRoot,
		Input:   opts.Input,
		Timeout: opts.Timeout,
		Secret:  opts.Secret,
	}
	m.commands = append(m.commands, executed)

	if result, ok := m.results[executed.Line()]; ok {
		if result.Err == nil && result.ExitCode != 0 {
			result.Err = &ExitError{Command: executed.Line(), ExitCode: result.ExitCode, Output: result.Output}
		}
		return result.ExitCode, result.Output, result.Err
	}
	// Default behavior: return success for unknown commands to prevent unintended test failures.
	return 0, "", nil
}

// SetResult registers the outcome for command, keyed as "name arg1 arg2...".
// A non-zero exitCode without err yields an *ExitError like the real executor.
func (m *MockCommandExecutor) SetResult(command string, exitCode int, output string, err error) {
	m.results[command] = CommandResult{ExitCode: exitCode, Output: output, Err: err}
}

func (m *MockCommandExecutor) GetExecutedCommands() []ExecutedCommand {
	return m.commands
}

// GetExecutedLines returns every executed command rendered with Line.
func (m *MockCommandExecutor) GetExecutedLines() []string {
	lines := make([]string, 0, len(m.commands))
	for _, c := range m.commands {
		lines = append(lines, c.Line())
	}
	return lines
}
