package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alpacax/pipeline-ssh/pkg/executor"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRuntimeDir   = "/run/sshd"
	DefaultSSHDPath     = "/usr/sbin/sshd"
	DefaultTunnelBinary = "ngrok"
)

var ErrDaemonExited = errors.New("sshd terminated unexpectedly")

// TunnelOptions configures the SSH daemon and the ngrok tunnel.
type TunnelOptions struct {
	Token        string
	SSHPort      int
	LoginUser    string
	CopyEnvPath  string
	RuntimeDir   string
	SSHDPath     string
	TunnelBinary string
}

// TunnelSupervisor runs sshd and ngrok side by side and announces the public endpoint.
type TunnelSupervisor struct {
	executor executor.CommandExecutor
	launcher Launcher
	opts     TunnelOptions
	out      io.Writer // connection instructions
	mirror   io.Writer // copy of the raw ngrok stream
}

// NewTunnelSupervisor creates a supervisor. Empty paths in opts fall back to the defaults.
// The ngrok stream is copied to mirror when it is not nil.
func NewTunnelSupervisor(cmdExecutor executor.CommandExecutor, launcher Launcher, opts TunnelOptions, out, mirror io.Writer) *TunnelSupervisor {
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = DefaultRuntimeDir
	}
	if opts.SSHDPath == "" {
		opts.SSHDPath = DefaultSSHDPath
	}
	if opts.TunnelBinary == "" {
		opts.TunnelBinary = DefaultTunnelBinary
	}

	return &TunnelSupervisor{
		executor: cmdExecutor,
		launcher: launcher,
		opts:     opts,
		out:      out,
		mirror:   mirror,
	}
}

// Run authenticates ngrok, starts sshd and then the tunnel, and listens to the
// tunnel's events until its output closes, sshd dies or ctx is cancelled.
// sshd is always terminated before Run returns.
func (s *TunnelSupervisor) Run(ctx context.Context) error {
	if err := s.authenticate(ctx); err != nil {
		return err
	}
	if err := s.prepareRuntimeDir(ctx); err != nil {
		return err
	}

	daemon, err := s.launcher.Start(s.sshdArgs(), true)
	if err != nil {
		return fmt.Errorf("failed to start sshd: %w", err)
	}
	defer terminate(daemon, "sshd")

	tunnel, stream, err := s.launcher.StartPiped(s.tunnelArgs())
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", s.opts.TunnelBinary, err)
	}
	defer func() { _ = stream.Close() }()
	defer terminate(tunnel, s.opts.TunnelBinary)

	// A blocking read cannot observe ctx; stopping both processes ends the stream.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			log.Info().Msg("Received termination signal. Stopping sshd and the tunnel...")
			terminate(daemon, "sshd")
			terminate(tunnel, s.opts.TunnelBinary)
		case <-stop:
		}
	}()

	var events io.Reader = stream
	if s.mirror != nil {
		events = io.TeeReader(stream, s.mirror)
	}

	return s.Listen(ctx, events, daemon)
}

// Listen consumes the tunnel's JSON event stream line by line.
// Each iteration checks sshd liveness after the read and before the event is
// handled, so a dead daemon wins over a pending line. End of stream with a live
// daemon is a normal return.
func (s *TunnelSupervisor) Listen(ctx context.Context, stream io.Reader, daemon ProcessHandle) error {
	reader := bufio.NewReader(stream)

	for {
		line, readErr := reader.ReadString('\n')

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if daemon.Exited() {
			if err := daemon.Wait(); err != nil {
				return fmt.Errorf("%w: %v", ErrDaemonExited, err)
			}
			return ErrDaemonExited
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read tunnel output: %w", readErr)
		}
		if line == "" {
			log.Info().Msg("Tunnel output closed.")
			return nil
		}

		if err := s.handleLine(line); err != nil {
			return err
		}
	}
}

func (s *TunnelSupervisor) handleLine(line string) error {
	event, err := ParseEvent([]byte(strings.TrimSpace(line)))
	if err != nil {
		return err
	}

	if event.Msg != MessageStartedTunnel {
		return nil
	}

	host, port, err := event.Endpoint()
	if err != nil {
		return err
	}

	log.Info().Str("host", host).Str("port", port).Msg("Tunnel started.")
	s.printInstructions(host, port)
	return nil
}

func (s *TunnelSupervisor) printInstructions(host, port string) {
	// Lines hold a single space so CI log viewers keep them.
	_, _ = fmt.Fprintf(s.out, " \n"+
		" \n"+
		"Tunnel started. To connect, run:\n"+
		" \n"+
		"ssh -p %s %s@%s\n"+
		" \n"+
		" \n"+
		"Tip: to copy the environment from the pipeline, run this in the SSH session:\n"+
		" \n"+
		"source %s\n"+
		" \n"+
		" \n",
		port, s.opts.LoginUser, host, s.opts.CopyEnvPath)
}

func (s *TunnelSupervisor) authenticate(ctx context.Context) error {
	_, _, err := s.executor.Exec(ctx, executor.CommandOptions{
		Args:   []string{s.opts.TunnelBinary, "config", "add-authtoken", s.opts.Token},
		Secret: true,
	})
	if err != nil {
		return fmt.Errorf("failed to configure the tunnel auth token: %w", err)
	}
	return nil
}

// prepareRuntimeDir creates the privilege separation directory sshd insists on.
func (s *TunnelSupervisor) prepareRuntimeDir(ctx context.Context) error {
	_, _, err := s.executor.RunAsRoot(ctx, "install", "-d", "-o", "root", "-g", "root", "-m", "0755", s.opts.RuntimeDir)
	if err != nil {
		return fmt.Errorf("failed to prepare %s: %w", s.opts.RuntimeDir, err)
	}
	return nil
}

// Replace -d with -D to run sshd without debug output; -d also limits it to a single connection.
func (s *TunnelSupervisor) sshdArgs() []string {
	return []string{s.opts.SSHDPath, "-d", "-o", "Port=" + strconv.Itoa(s.opts.SSHPort)}
}

func (s *TunnelSupervisor) tunnelArgs() []string {
	return []string{s.opts.TunnelBinary, "tcp", strconv.Itoa(s.opts.SSHPort), "--log=stdout", "--log-format=json"}
}

func terminate(p ProcessHandle, name string) {
	if err := p.Terminate(); err != nil {
		log.Warn().Err(err).Msgf("Failed to stop %s.", name)
	}
}
