package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"gopkg.in/go-playground/validator.v9"
)

var (
	ErrMissingToken = errors.New(EnvTunnelToken + " is not defined. Please define this environment variable")
	ErrInvalidToken = errors.New(EnvTunnelToken + " is not one word. Please make sure it is just the token")
	ErrInvalidKey   = errors.New(EnvSSHPublicKey + " is not a valid public key line")
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

var currentUsername = func() (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return usr.Username, nil
}

// LoadConfig reads the environment through lookup and validates it.
// Nothing outside this process is touched, so a failure here happens before
// any side effect.
func LoadConfig(lookup LookupFunc) (Settings, error) {
	var cfg Config

	token, ok := lookupFirst(lookup, EnvTunnelToken, legacyEnvTunnelToken)
	if !ok {
		return Settings{}, ErrMissingToken
	}
	fields := strings.Fields(token)
	if len(fields) != 1 {
		return Settings{}, ErrInvalidToken
	}
	cfg.Token = fields[0]

	// CI systems export unset secrets as empty strings; those count as absent.
	if key, ok := lookupFirst(lookup, EnvSSHPublicKey, legacyEnvSSHPublicKey); ok && strings.TrimSpace(key) != "" {
		key = strings.TrimSpace(key)
		if err := validatePublicKey(key); err != nil {
			return Settings{}, err
		}
		cfg.PublicKey = key
	}

	cfg.SSHPort = DefaultSSHPort
	if val, ok := lookup(EnvSSHPort); ok && val != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return Settings{}, fmt.Errorf("%s must be a port number, got %q", EnvSSHPort, val)
		}
		cfg.SSHPort = port
	}

	var err error
	if cfg.LoginUser, err = resolveLoginUser(lookup); err != nil {
		return Settings{}, err
	}

	if cfg.CopyEnvBanner, err = lookupBool(lookup, EnvCopyEnvBanner, true); err != nil {
		return Settings{}, err
	}
	if cfg.Debug, err = lookupBool(lookup, EnvDebug, false); err != nil {
		return Settings{}, err
	}

	return validateConfig(cfg)
}

func validateConfig(cfg Config) (Settings, error) {
	log.Debug().Msg("Validating configuration fields...")

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Settings{}, fmt.Errorf("invalid configuration: %s failed on '%s'", verrs[0].Field(), verrs[0].Tag())
		}
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return Settings{
		Token:         cfg.Token,
		PublicKey:     cfg.PublicKey,
		SSHPort:       cfg.SSHPort,
		LoginUser:     cfg.LoginUser,
		CopyEnvBanner: cfg.CopyEnvBanner,
		Debug:         cfg.Debug,
	}, nil
}

func validatePublicKey(key string) error {
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("%w: expected a single line", ErrInvalidKey)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

func resolveLoginUser(lookup LookupFunc) (string, error) {
	if val, ok := lookup(EnvSSHLoginUser); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val), nil
	}
	// Same order getpass-style lookups use before falling back to the passwd entry.
	for _, key := range []string{"LOGNAME", "USER", "LNAME", "USERNAME"} {
		if val, ok := lookup(key); ok && val != "" {
			return val, nil
		}
	}
	name, err := currentUsername()
	if err != nil {
		return "", fmt.Errorf("failed to determine login user, set %s: %w", EnvSSHLoginUser, err)
	}
	return name, nil
}

func lookupFirst(lookup LookupFunc, keys ...string) (string, bool) {
	for _, key := range keys {
		if val, ok := lookup(key); ok {
			return val, true
		}
	}
	return "", false
}

func lookupBool(lookup LookupFunc, key string, defaultValue bool) (bool, error) {
	val, ok := lookup(key)
	if !ok || strings.TrimSpace(val) == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, val)
	}
	return b, nil
}

// TakeSnapshot captures the process environment and working directory.
func TakeSnapshot() (Snapshot, error) {
	dir, err := os.Getwd()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get working directory: %w", err)
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || name == "" {
			continue
		}
		env[name] = value
	}

	return Snapshot{Env: env, Dir: dir}, nil
}
