package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alpacax/pipeline-ssh/pkg/config"
	"github.com/alpacax/pipeline-ssh/pkg/executor"
	"github.com/alpacax/pipeline-ssh/pkg/logger"
	"github.com/alpacax/pipeline-ssh/pkg/provision"
	"github.com/alpacax/pipeline-ssh/pkg/runner"
	"github.com/alpacax/pipeline-ssh/pkg/version"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const name = "pipeline-ssh"

var RootCmd = &cobra.Command{
	Use:   name,
	Short: "Temporary SSH access into a CI container over an ngrok tunnel",
	Long: `Authorizes SSH_PUBLIC_KEY for the current user, installs ngrok and openssh-server,
then runs sshd behind an ngrok TCP tunnel and prints the command to connect.

Environment:
  TUNNEL_TOKEN         ngrok auth token (required)
  SSH_PUBLIC_KEY       public key to authorize, optional if ~/.ssh/authorized_keys exists
  SSH_PORT             local sshd port (default 2222)
  SSH_LOGIN_USER       user shown in the connect command (default: current user)
  COPYENV_BANNER       append copyenv instructions to /etc/motd (default true)
  PIPELINE_SSH_DEBUG   enable debug logging`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(ctx, os.LookupEnv, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}

func run(ctx context.Context, lookup config.LookupFunc, stdout, stderr io.Writer) error {
	// Config & Settings
	settings, err := config.LoadConfig(lookup)
	if err != nil {
		return err
	}

	// Logger
	logger.InitLogger(settings.Debug)
	log.Info().Msgf("Starting %s... (version: %s)", name, version.Version)

	// The environment is captured before anything below can change it.
	snapshot, err := config.TakeSnapshot()
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}

	// Keys
	keys := provision.NewKeyProvisioner(home, settings.PublicKey)
	if err := keys.EnsureAuthorizedKey(); err != nil {
		return err
	}

	// Packages
	cmdExecutor := executor.NewExecutor()
	installer := provision.NewPackageInstaller(cmdExecutor, stderr)
	if err := installer.EnsurePackagesInstalled(ctx); err != nil {
		return err
	}

	// Shell
	patcher := provision.NewShellPatcher(home)
	if err := patcher.PatchShellProfile(); err != nil {
		return err
	}
	if err := patcher.PublishCopyEnv(snapshot, settings.CopyEnvBanner); err != nil {
		return err
	}

	// Tunnel
	launcher := &runner.ExecLauncher{Output: stderr, Escalate: cmdExecutor.Privileged}
	supervisor := runner.NewTunnelSupervisor(cmdExecutor, launcher, runner.TunnelOptions{
		Token:       settings.Token,
		SSHPort:     settings.SSHPort,
		LoginUser:   settings.LoginUser,
		CopyEnvPath: patcher.CopyEnvPath(),
	}, stdout, stderr)

	if err := supervisor.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("Tunnel closed. Bye.")
	return nil
}
