package config

const (
	EnvTunnelToken   = "TUNNEL_TOKEN"
	EnvSSHPublicKey  = "SSH_PUBLIC_KEY"
	EnvSSHPort       = "SSH_PORT"
	EnvSSHLoginUser  = "SSH_LOGIN_USER"
	EnvCopyEnvBanner = "COPYENV_BANNER"
	EnvDebug         = "PIPELINE_SSH_DEBUG"

	// Names used by earlier releases of the pipeline script.
	legacyEnvTunnelToken  = "NGROK_TOKEN"
	legacyEnvSSHPublicKey = "SSH_PUBKEY"

	DefaultSSHPort = 2222
)

// Settings is the validated runtime configuration.
type Settings struct {
	Token         string
	PublicKey     string // empty when no key was supplied
	SSHPort       int
	LoginUser     string
	CopyEnvBanner bool
	Debug         bool
}

// Config mirrors the raw environment before validation.
type Config struct {
	Token         string `validate:"required"`
	PublicKey     string
	SSHPort       int    `validate:"min=1,max=65535"`
	LoginUser     string `validate:"required"`
	CopyEnvBanner bool
	Debug         bool
}

// Snapshot is the provisioning process's environment captured once at startup.
type Snapshot struct {
	Env map[string]string
	Dir string
}
