package version

// Version is the broker's release version. Overridden at build time:
// -ldflags "-X github.com/halcyon-lab/paper-broker/internal/version.Version=1.2.3"
var Version = "v0.1.0"

// GetVersion returns the broker's version string.
func GetVersion() string {
	return Version
}
