package utils

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/host"
)

const (
	PlatformDebian  = "debian"
	PlatformRHEL    = "rhel"
	PlatformUnknown = "unknown"
)

// hostPlatform is swapped in tests.
var hostPlatform = func() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", err
	}
	return info.Platform, nil
}

// DetectPlatformLike maps the host distribution onto the package manager family.
func DetectPlatformLike() string {
	platform, err := hostPlatform()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to detect platform.")
		return PlatformUnknown
	}
	return platformLike(platform)
}

func platformLike(platform string) string {
	switch platform {
	case "ubuntu", "debian", "raspbian":
		return PlatformDebian
	case "centos", "rhel", "redhat", "amazon", "amzn", "fedora", "rocky", "oracle", "ol":
		return PlatformRHEL
	}

	platformLower := strings.ToLower(platform)
	if strings.Contains(platformLower, "ubuntu") || strings.Contains(platformLower, "debian") {
		return PlatformDebian
	}
	if strings.Contains(platformLower, "centos") ||
		strings.Contains(platformLower, "rhel") ||
		strings.Contains(platformLower, "fedora") ||
		strings.Contains(platformLower, "rocky") {
		return PlatformRHEL
	}
	return PlatformUnknown
}
