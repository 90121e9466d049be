package version

// Version is overridden at build time with -ldflags "-X github.com/alpacax/pipeline-ssh/pkg/version.Version=...".
var Version = "dev"
