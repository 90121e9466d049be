package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alpacax/pipeline-ssh/pkg/config"
	"github.com/alpacax/pipeline-ssh/pkg/utils"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCopyEnvPath = "/tmp/copyenv"
	DefaultMotdPath    = "/etc/motd"

	bashrcName = ".bashrc"

	copyEnvPerm os.FileMode = 0600

	// Bitbucket Pipelines attaches stdout/stderr in a way that breaks interactive
	// sessions; rebinding them to the tty restores a usable shell.
	bitbucketTTYFix = "\n" +
		"# Fix TTY set by bitbucket\n" +
		`if [[ "$SSH_TTY" == "$(readlink -f /dev/stdin)" ]]; then exec 1<&0 2<&0; fi` + "\n" +
		"\n"
)

var shellIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Variables bash marks readonly; exporting them from the helper only prints errors.
var bashReadonly = map[string]bool{
	"BASHOPTS":      true,
	"BASH_VERSINFO": true,
	"EUID":          true,
	"PPID":          true,
	"SHELLOPTS":     true,
	"UID":           true,
}

// ShellPatcher adjusts the login shell of the SSH user.
type ShellPatcher struct {
	homeDir     string
	copyEnvPath string
	motdPath    string
}

func NewShellPatcher(homeDir string) *ShellPatcher {
	return &ShellPatcher{
		homeDir:     homeDir,
		copyEnvPath: DefaultCopyEnvPath,
		motdPath:    DefaultMotdPath,
	}
}

// CopyEnvPath returns the path of the environment helper script.
func (p *ShellPatcher) CopyEnvPath() string {
	return p.copyEnvPath
}

// PatchShellProfile appends the bitbucket tty workaround to ~/.bashrc.
func (p *ShellPatcher) PatchShellProfile() error {
	path := filepath.Join(p.homeDir, bashrcName)
	if err := utils.AppendFile(path, bitbucketTTYFix, 0644); err != nil {
		return fmt.Errorf("failed to patch %s: %w", path, err)
	}
	log.Debug().Msgf("Patched %s.", path)
	return nil
}

// PublishCopyEnv writes a script that re-creates snapshot in the shell sourcing it.
// With banner set, a hint is appended to the message of the day; a motd that
// cannot be written only produces a warning.
func (p *ShellPatcher) PublishCopyEnv(snapshot config.Snapshot, banner bool) error {
	// The snapshot holds pipeline secrets, keep it private to the SSH user.
	if err := os.WriteFile(p.copyEnvPath, []byte(copyEnvScript(snapshot)), copyEnvPerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.copyEnvPath, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(p.copyEnvPath, copyEnvPerm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", p.copyEnvPath, err)
	}
	log.Debug().Msgf("Wrote %d environment variables to %s.", len(snapshot.Env), p.copyEnvPath)

	if !banner {
		return nil
	}

	if err := utils.AppendFile(p.motdPath, copyEnvBanner(p.copyEnvPath), 0644); err != nil {
		log.Warn().Err(err).Msgf("Failed to add copyenv notice to %s.", p.motdPath)
	}
	return nil
}

func copyEnvScript(snapshot config.Snapshot) string {
	names := make([]string, 0, len(snapshot.Env))
	for name := range snapshot.Env {
		if !shellIdentifier.MatchString(name) || bashReadonly[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	if snapshot.Dir != "" {
		fmt.Fprintf(&b, "cd %s\n", shellquote.Join(snapshot.Dir))
	}
	for _, name := range names {
		fmt.Fprintf(&b, "export %s=%s\n", name, shellquote.Join(snapshot.Env[name]))
	}
	return b.String()
}

func copyEnvBanner(path string) string {
	return "\n" +
		"\n" +
		"=======================================================\n" +
		"To copy the environment from the pipeline process, run:\n" +
		"\n" +
		"source " + path + "\n" +
		"=======================================================\n" +
		"\n"
}
