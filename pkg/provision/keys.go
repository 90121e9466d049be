package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alpacax/pipeline-ssh/pkg/config"
	"github.com/alpacax/pipeline-ssh/pkg/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	sshDirName         = ".ssh"
	authorizedKeysName = "authorized_keys"

	authorizedKeysPerm os.FileMode = 0600
	sshDirPerm         os.FileMode = 0700
	groupOtherWrite    os.FileMode = 0022
)

var ErrMissingKey = errors.New("no authorized key available")

// KeyProvisioner makes sure sshd will accept key-based logins for the home directory owner.
type KeyProvisioner struct {
	homeDir   string
	publicKey string
}

// NewKeyProvisioner creates a provisioner for homeDir. publicKey may be empty,
// in which case an existing authorized_keys file is required.
func NewKeyProvisioner(homeDir, publicKey string) *KeyProvisioner {
	return &KeyProvisioner{
		homeDir:   homeDir,
		publicKey: publicKey,
	}
}

// AuthorizedKeysPath returns the authorized_keys file managed by the provisioner.
func (p *KeyProvisioner) AuthorizedKeysPath() string {
	return filepath.Join(p.homeDir, sshDirName, authorizedKeysName)
}

// EnsureAuthorizedKey drops group/other write on the home directory, appends the
// configured key and verifies an authorized_keys file is in place.
// Appending is not deduplicated.
func (p *KeyProvisioner) EnsureAuthorizedKey() error {
	// sshd refuses a public key when the home directory is writable by others.
	if err := utils.RemovePermissions(p.homeDir, groupOtherWrite); err != nil {
		return fmt.Errorf("failed to restrict permissions on %s: %w", p.homeDir, err)
	}

	path := p.AuthorizedKeysPath()

	if p.publicKey != "" {
		if err := utils.EnsureParentDir(path, sshDirPerm); err != nil {
			return err
		}
		if err := utils.AppendFile(path, "\n"+p.publicKey+"\n", authorizedKeysPerm); err != nil {
			return fmt.Errorf("failed to append public key to %s: %w", path, err)
		}
		if err := os.Chmod(path, authorizedKeysPerm); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", path, err)
		}
		log.Info().Str("fingerprint", fingerprint(p.publicKey)).Msgf("Added public key to %s.", path)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s is not defined and %s file doesn't exist. You won't be able to SSH into the container",
			ErrMissingKey, config.EnvSSHPublicKey, path)
	}
	if err != nil {
		return fmt.Errorf("failed to access %s: %w", path, err)
	}

	log.Debug().Msgf("%s %s", utils.FormatPermissions(info.Mode()), path)
	return nil
}

func fingerprint(key string) string {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return "unknown"
	}
	return ssh.FingerprintSHA256(pub)
}
