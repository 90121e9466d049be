package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const killGracePeriod = 5 * time.Second

// ProcessHandle is a co-process owned by the supervisor.
type ProcessHandle interface {
	// Exited reports whether the process has terminated, without blocking.
	Exited() bool
	// Terminate stops the process and waits for it. Stopping an exited process is a no-op.
	Terminate() error
	// Wait blocks until the process exits.
	Wait() error
}

// Launcher starts co-processes.
type Launcher interface {
	// Start runs args with stdout and stderr going to the launcher's log output.
	// asRoot escalates through sudo when the launcher is not running as root.
	Start(args []string, asRoot bool) (ProcessHandle, error)
	// StartPiped runs args and returns its stdout as a stream.
	StartPiped(args []string) (ProcessHandle, io.ReadCloser, error)
}

// Process wraps an *exec.Cmd reaped by a background goroutine, so liveness can
// be polled without blocking.
type Process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startProcess(cmd *exec.Cmd) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	p := &Process{
		name: strings.Join(cmd.Args, " "),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	log.Debug().Int("pid", cmd.Process.Pid).Msgf("Started %s.", p.name)
	return p, nil
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Terminate sends SIGTERM and falls back to SIGKILL after a grace period.
// SIGTERM first lets sudo relay the signal to a privileged child.
func (p *Process) Terminate() error {
	if p.Exited() {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Msgf("SIGTERM failed for %s, trying SIGKILL.", p.name)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill %s: %w", p.name, err)
		}
	}

	select {
	case <-p.done:
		log.Debug().Msgf("%s stopped.", p.name)
	case <-time.After(killGracePeriod):
		_ = p.cmd.Process.Kill()
		<-p.done
		log.Warn().Msgf("%s killed after timeout.", p.name)
	}
	return nil
}

// ExecLauncher starts co-processes with os/exec.
type ExecLauncher struct {
	// Output receives the stderr of every co-process, and stdout of unpiped ones.
	Output io.Writer
	// Escalate rewrites a command line to run as root, see executor.Executor.Privileged.
	Escalate func(args []string) []string
}

func (l *ExecLauncher) Start(args []string, asRoot bool) (ProcessHandle, error) {
	if asRoot && l.Escalate != nil {
		args = l.Escalate(args)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = l.Output
	cmd.Stderr = l.Output

	p, err := startProcess(cmd)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StartPiped hands stdout over an os.Pipe. cmd.StdoutPipe cannot be used:
// the reaper's Wait closes it while the stream is still being read.
func (l *ExecLauncher) StartPiped(args []string) (ProcessHandle, io.ReadCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipe: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = w
	cmd.Stderr = l.Output

	p, err := startProcess(cmd)
	// The child holds its own copy of the write end.
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return p, r, nil
}
