package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/alpacax/pipeline-ssh/pkg/executor"
	"github.com/alpacax/pipeline-ssh/pkg/utils"
	"github.com/rs/zerolog/log"
)

const (
	// Based on the linux installation instructions at https://ngrok.com/docs/getting-started.
	// The keyring is referenced with signed-by instead of /etc/apt/trusted.gpg.d,
	// which is deprecated and not supported on GitHub hosted runners.
	NgrokKeyURL       = "https://ngrok-agent.s3.amazonaws.com/ngrok.asc"
	NgrokRepoURL      = "https://ngrok-agent.s3.amazonaws.com"
	NgrokKeyringPath  = "/usr/share/keyrings/ngrok.gpg"
	NgrokSourcesPath  = "/etc/apt/sources.list.d/ngrok.list"
	ngrokDistribution = "buster main"

	keyDownloadTimeout = 30 * time.Second
	archQueryTimeout   = 10 * time.Second
)

var debianArchPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

var (
	bootstrapPackages = []string{"ca-certificates", "gpg"}
	runtimePackages   = []string{"ngrok", "openssh-server"}
)

var ErrUnsupportedPlatform = errors.New("unsupported platform")

// PackageInstaller installs the tunnel client and the SSH server with apt.
type PackageInstaller struct {
	executor executor.CommandExecutor
	client   *http.Client
	keyURL   string
	platform func() string
	output   io.Writer
}

// NewPackageInstaller creates an installer. Command output is mirrored to output when it is not nil.
func NewPackageInstaller(cmdExecutor executor.CommandExecutor, output io.Writer) *PackageInstaller {
	return &PackageInstaller{
		executor: cmdExecutor,
		client:   utils.NewHTTPClient(keyDownloadTimeout),
		keyURL:   NgrokKeyURL,
		platform: utils.DetectPlatformLike,
		output:   output,
	}
}

// EnsurePackagesInstalled registers the ngrok apt repository and installs ngrok and openssh-server.
// Any failing step aborts the installation.
func (i *PackageInstaller) EnsurePackagesInstalled(ctx context.Context) error {
	switch platform := i.platform(); platform {
	case utils.PlatformDebian:
	case utils.PlatformUnknown:
		log.Warn().Msg("Could not detect the platform, assuming apt is available.")
	default:
		return fmt.Errorf("%w: %s, only apt based distributions are supported", ErrUnsupportedPlatform, platform)
	}

	if err := i.aptUpdate(ctx); err != nil {
		return err
	}
	if err := i.aptInstall(ctx, bootstrapPackages...); err != nil {
		return err
	}
	if err := i.registerSigningKey(ctx); err != nil {
		return err
	}
	if err := i.registerRepository(ctx); err != nil {
		return err
	}
	if err := i.aptUpdate(ctx); err != nil {
		return err
	}
	if err := i.aptInstall(ctx, runtimePackages...); err != nil {
		return err
	}

	log.Info().Msgf("Installed %s.", strings.Join(runtimePackages, ", "))
	return nil
}

func (i *PackageInstaller) aptUpdate(ctx context.Context) error {
	return i.runAsRoot(ctx, "", "apt-get", "-q", "update")
}

func (i *PackageInstaller) aptInstall(ctx context.Context, packages ...string) error {
	args := append([]string{"apt-get", "-q", "install", "-y", "--no-install-recommends"}, packages...)
	return i.runAsRoot(ctx, "", args...)
}

func (i *PackageInstaller) registerSigningKey(ctx context.Context) error {
	key, err := utils.Download(ctx, i.client, i.keyURL)
	if err != nil {
		return fmt.Errorf("failed to fetch ngrok signing key: %w", err)
	}

	return i.runAsRoot(ctx, string(key), "gpg", "--batch", "--yes", "--dearmor", "-o", NgrokKeyringPath)
}

func (i *PackageInstaller) registerRepository(ctx context.Context) error {
	_, output, err := i.executor.Exec(ctx, executor.CommandOptions{
		Args:    []string{"dpkg", "--print-architecture"},
		Timeout: archQueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to detect package architecture: %w", err)
	}

	arch, err := parseArchitecture(output)
	if err != nil {
		return err
	}
	return i.runAsRoot(ctx, repositoryLine(arch), "tee", NgrokSourcesPath)
}

// parseArchitecture takes the last non-empty line, stderr warnings come first in the combined output.
func parseArchitecture(output string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	arch := strings.TrimSpace(lines[len(lines)-1])
	if !debianArchPattern.MatchString(arch) {
		return "", fmt.Errorf("unexpected output from dpkg --print-architecture: %q", output)
	}
	return arch, nil
}

func repositoryLine(arch string) string {
	return fmt.Sprintf("deb [arch=%s signed-by=%s] %s %s\n", arch, NgrokKeyringPath, NgrokRepoURL, ngrokDistribution)
}

func (i *PackageInstaller) runAsRoot(ctx context.Context, input string, args ...string) error {
	_, _, err := i.executor.Exec(ctx, executor.CommandOptions{
		Args:   args,
		AsRoot: true,
		Input:  input,
		Output: i.output,
	})
	return err
}
